// Package testutil 为各服务包的测试提供真实适配器组成的内存环境：
// :memory: SQLite + memblob bucket。
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"toolmark-review/internal/adapters/blobstore"
	sqliteadapter "toolmark-review/internal/adapters/store/sqlite"
	"toolmark-review/internal/domain/model"

	_ "modernc.org/sqlite"
)

// Env 是一套独立的存储环境。
type Env struct {
	Store       *sqliteadapter.Store
	Bucket      *blob.Bucket
	Images      *blobstore.ImageStore
	Annotations *blobstore.AnnotationStore
	Logger      *slog.Logger
}

func NewEnv(t *testing.T) *Env {
	t.Helper()
	db, err := sqliteadapter.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		_ = bucket.Close()
		_ = db.Close()
	})
	return &Env{
		Store:       sqliteadapter.NewStore(db),
		Bucket:      bucket,
		Images:      blobstore.NewImageStore(bucket),
		Annotations: blobstore.NewAnnotationStore(bucket),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// AddUser 注册检验员。
func (e *Env) AddUser(t *testing.T, uid, name string) model.User {
	t.Helper()
	u := model.User{
		UID:          uid,
		Email:        uid + "@lab.test",
		DisplayName:  name,
		Organization: "State Crime Lab",
		BadgeID:      "B-" + uid,
	}
	require.NoError(t, e.Store.PutUser(context.Background(), u))
	return u
}

// SeedCase 为 owner 创建常规案件，上传 n 张图像（image1.png ...），返回案件记录。
func (e *Env) SeedCase(t *testing.T, owner model.User, caseNumber string, n int) *model.CaseRecord {
	t.Helper()
	ctx := context.Background()
	rec := &model.CaseRecord{CaseNumber: caseNumber}
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("image%d.png", i)
		blobID, err := e.Images.Upload(ctx, []byte(fmt.Sprintf("PNG-%s-%d", caseNumber, i)), name)
		require.NoError(t, err)
		rec.Files = append(rec.Files, model.FileRecord{
			ID:               blobID,
			OriginalFilename: name,
			ContentType:      "image/png",
			SizeBytes:        int64(len(name)),
			UploadedAt:       time.Date(2024, 1, i, 9, 0, 0, 0, time.UTC),
		})
	}
	require.NoError(t, e.Store.PutCase(ctx, owner.UID, rec))

	p, err := e.Store.GetProfile(ctx, owner.UID)
	require.NoError(t, err)
	p.Cases = append(p.Cases, model.CaseDescriptor{CaseNumber: caseNumber, CreatedAt: rec.CreatedAt})
	require.NoError(t, e.Store.PutProfile(ctx, p))
	return rec
}

// Annotate 写入一条带 boxes 个区域标注的记录。
func (e *Env) Annotate(t *testing.T, owner, caseNumber, fileID string, boxes int) *model.AnnotationRecord {
	t.Helper()
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	rec := &model.AnnotationRecord{
		SchemaVersion:       model.AnnotationSchemaVersion,
		ClassType:           "Bullet",
		SupportLevel:        "ID",
		IncludeConfirmation: true,
		AdditionalNotes:     "land impressions consistent",
		UpdatedAt:           at,
	}
	for i := 0; i < boxes; i++ {
		rec.BoxAnnotations = append(rec.BoxAnnotations, model.BoxAnnotation{
			ID:        fmt.Sprintf("box-%d", i+1),
			X:         0.1 * float64(i+1),
			Y:         0.2,
			Width:     0.1,
			Height:    0.1,
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, e.Annotations.Put(context.Background(), owner, caseNumber, fileID, rec))
	return rec
}

// BlobCount 统计 bucket 中指定前缀下的对象数。
func (e *Env) BlobCount(t *testing.T, prefix string) int {
	t.Helper()
	n := 0
	iter := e.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		_, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	return n
}

// Epoch 是测试用的固定时间点。
var Epoch = time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)
