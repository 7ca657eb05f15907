// Package storage 定义流水线依赖的外部存储协作者接口。
//
// 三个后端互相独立：blob（图像、标注对象）、案件记录、用户档案。
// 具体实现见 internal/adapters/blobstore 与 internal/adapters/store/sqlite。
package storage

import (
	"context"
	"time"

	"toolmark-review/internal/domain/model"
)

// BlobMetadata 是对象存储返回的元数据；LastModified 由存储层维护，不可由文档内容伪造。
type BlobMetadata struct {
	LastModified time.Time
	SizeBytes    int64
	ContentType  string
}

// ImageStore 保存图像 blob。标识符由存储层分配，不复用调用方提供的 ID。
type ImageStore interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
	Download(ctx context.Context, blobID string) ([]byte, error)
	Delete(ctx context.Context, blobID string) error
	Metadata(ctx context.Context, blobID string) (BlobMetadata, error)
}

// AnnotationStore 保存每张图像的标注文档。
type AnnotationStore interface {
	Get(ctx context.Context, ownerUID, caseNumber, fileID string) (*model.AnnotationRecord, error)
	Put(ctx context.Context, ownerUID, caseNumber, fileID string, rec *model.AnnotationRecord) error
	Delete(ctx context.Context, ownerUID, caseNumber, fileID string) error
	LastModified(ctx context.Context, ownerUID, caseNumber, fileID string) (time.Time, error)
}

// CaseStore 保存案件记录（JSON 文档，最后写入者生效）。
// GetCase 在案件不存在时返回 (nil, nil)。
type CaseStore interface {
	GetCase(ctx context.Context, ownerUID, caseNumber string) (*model.CaseRecord, error)
	PutCase(ctx context.Context, ownerUID string, rec *model.CaseRecord) error
	DeleteCase(ctx context.Context, ownerUID, caseNumber string) error
}

// UserDirectory 解析检验员身份。GetUser 在用户不存在时返回 (nil, nil)。
type UserDirectory interface {
	GetUser(ctx context.Context, uid string) (*model.User, error)
}

// ProfileStore 保存检验员的案件索引。
type ProfileStore interface {
	GetProfile(ctx context.Context, uid string) (*model.Profile, error)
	PutProfile(ctx context.Context, profile *model.Profile) error
}

// ConfirmationStore 保存确认台账（按原始图像 ID 追加）。
type ConfirmationStore interface {
	AppendConfirmation(ctx context.Context, ownerUID, caseNumber, originalImageID string, rec model.ConfirmationRecord) error
	ListConfirmations(ctx context.Context, ownerUID, caseNumber string) (model.ConfirmationMap, error)
	DeleteConfirmations(ctx context.Context, ownerUID, caseNumber string) error
}

// AuditSink 接收审计事件；Send 不得阻塞调用方。
type AuditSink interface {
	Send(evt model.AuditEvent)
}

// NopAudit 丢弃所有事件，便于测试或未配置审计的场景。
type NopAudit struct{}

func (NopAudit) Send(model.AuditEvent) {}
