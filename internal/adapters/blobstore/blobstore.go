// Package blobstore 基于 gocloud.dev/blob 实现图像与标注对象存储。
//
// 支持 mem://、file:///path、s3://bucket 等 URL；对象键布局：
//
//	images/<blobID>
//	annotations/<uid>/<case>/<fileID>.json
package blobstore

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
)

const (
	imagePrefix      = "images/"
	annotationPrefix = "annotations/"
)

// Buckets 缓存已打开的 bucket，同一 URL 只打开一次。
type Buckets struct {
	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

func NewBuckets() *Buckets {
	return &Buckets{buckets: map[string]*blob.Bucket{}}
}

// Open 打开（或复用）指定 URL 的 bucket，并检查可访问性。
func (b *Buckets) Open(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bucket, ok := b.buckets[bucketURL]; ok {
		return bucket, nil
	}
	if _, err := url.Parse(bucketURL); err != nil {
		return nil, errors.Wrapf(err, "parse bucket url %s", bucketURL)
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", bucketURL)
	}
	ok, err := bucket.IsAccessible(ctx)
	if err != nil {
		_ = bucket.Close()
		return nil, errors.Wrapf(err, "check bucket accessibility %s", bucketURL)
	}
	if !ok {
		_ = bucket.Close()
		return nil, errors.Newf("bucket %s is not accessible", bucketURL)
	}
	b.buckets[bucketURL] = bucket
	return bucket, nil
}

// Close 关闭全部已打开的 bucket。
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs error
	for key, bucket := range b.buckets {
		if err := bucket.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "close bucket %s", key))
		}
		delete(b.buckets, key)
	}
	return errs
}

// ImageStore 把图像保存为 images/<uuid>，ID 由本层分配。
type ImageStore struct {
	bucket *blob.Bucket
}

var _ storage.ImageStore = (*ImageStore)(nil)

func NewImageStore(bucket *blob.Bucket) *ImageStore {
	return &ImageStore{bucket: bucket}
}

func (s *ImageStore) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	blobID := uuid.NewString()
	opts := &blob.WriterOptions{
		ContentType: contentTypeFor(filename),
		Metadata:    map[string]string{"filename": path.Base(filename)},
	}
	if err := s.bucket.WriteAll(ctx, imagePrefix+blobID, data, opts); err != nil {
		return "", errors.Wrapf(err, "upload image %s", filename)
	}
	return blobID, nil
}

func (s *ImageStore) Download(ctx context.Context, blobID string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, imagePrefix+blobID)
	if err != nil {
		return nil, wrapNotFound(err, "image %s", blobID)
	}
	return data, nil
}

// Delete 删除图像；对象不存在不视为错误。
func (s *ImageStore) Delete(ctx context.Context, blobID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.bucket.Delete(ctx, imagePrefix+blobID)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errors.Wrapf(err, "delete image %s", blobID)
	}
	return nil
}

func (s *ImageStore) Metadata(ctx context.Context, blobID string) (storage.BlobMetadata, error) {
	attrs, err := s.bucket.Attributes(ctx, imagePrefix+blobID)
	if err != nil {
		return storage.BlobMetadata{}, wrapNotFound(err, "image %s", blobID)
	}
	return storage.BlobMetadata{
		LastModified: attrs.ModTime.UTC(),
		SizeBytes:    attrs.Size,
		ContentType:  attrs.ContentType,
	}, nil
}

// AnnotationStore 把每张图像的标注保存为独立 JSON 对象。
type AnnotationStore struct {
	bucket *blob.Bucket
}

var _ storage.AnnotationStore = (*AnnotationStore)(nil)

func NewAnnotationStore(bucket *blob.Bucket) *AnnotationStore {
	return &AnnotationStore{bucket: bucket}
}

func annotationKey(ownerUID, caseNumber, fileID string) string {
	return annotationPrefix + ownerUID + "/" + caseNumber + "/" + fileID + ".json"
}

// Get 读取标注；对象不存在时返回 (nil, nil)。
func (s *AnnotationStore) Get(ctx context.Context, ownerUID, caseNumber, fileID string) (*model.AnnotationRecord, error) {
	raw, err := s.bucket.ReadAll(ctx, annotationKey(ownerUID, caseNumber, fileID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read annotation %s/%s/%s", ownerUID, caseNumber, fileID)
	}
	return model.DecodeAnnotationRecord(raw)
}

func (s *AnnotationStore) Put(ctx context.Context, ownerUID, caseNumber, fileID string, rec *model.AnnotationRecord) error {
	if rec == nil {
		return errors.Wrap(model.ErrBadParameter, "nil annotation record")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal annotation")
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, annotationKey(ownerUID, caseNumber, fileID), raw, opts); err != nil {
		return errors.Wrapf(err, "write annotation %s/%s/%s", ownerUID, caseNumber, fileID)
	}
	return nil
}

// Delete 删除标注；对象不存在不视为错误。
func (s *AnnotationStore) Delete(ctx context.Context, ownerUID, caseNumber, fileID string) error {
	err := s.bucket.Delete(ctx, annotationKey(ownerUID, caseNumber, fileID))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errors.Wrapf(err, "delete annotation %s/%s/%s", ownerUID, caseNumber, fileID)
	}
	return nil
}

// LastModified 返回存储层维护的修改时间，文档内容中的时间戳不参与。
func (s *AnnotationStore) LastModified(ctx context.Context, ownerUID, caseNumber, fileID string) (time.Time, error) {
	attrs, err := s.bucket.Attributes(ctx, annotationKey(ownerUID, caseNumber, fileID))
	if err != nil {
		return time.Time{}, wrapNotFound(err, "annotation %s/%s/%s", ownerUID, caseNumber, fileID)
	}
	return attrs.ModTime.UTC(), nil
}

func wrapNotFound(err error, format string, args ...any) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return errors.Wrapf(model.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}
