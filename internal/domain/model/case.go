package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CaseSchemaVersion 是案件记录（case_records.record_json）当前的结构版本。
const CaseSchemaVersion = 2

var caseNumberRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateCaseNumber 校验案件编号格式，例如 "24-0001"。
func ValidateCaseNumber(caseNumber string) error {
	if !caseNumberRE.MatchString(caseNumber) {
		return errors.Wrapf(ErrInvalidCaseNumber, "%q", caseNumber)
	}
	return nil
}

// FileRecord 是案件中的一张图像证据。ID 是 blob 存储分配的标识。
type FileRecord struct {
	ID               string    `json:"id" validate:"required"`
	OriginalFilename string    `json:"originalFilename" validate:"required"`
	ContentType      string    `json:"contentType,omitempty"`
	SizeBytes        int64     `json:"sizeBytes,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// CaseRecord 是一个检验员名下的案件记录。
//
// 只读案件（IsReadOnly）来自导入复核；OriginalImageIDs 记录
// “原系统 blob ID -> 本系统 blob ID”，供之后的确认导入反查。
type CaseRecord struct {
	SchemaVersion int          `json:"schemaVersion"`
	CaseNumber    string       `json:"caseNumber"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Files         []FileRecord `json:"files"`

	IsReadOnly         bool              `json:"isReadOnly,omitempty"`
	ImportedAt         *time.Time        `json:"importedAt,omitempty"`
	OriginalImageIDs   map[string]string `json:"originalImageIds,omitempty"`
	SourceExporterUID  string            `json:"sourceExporterUid,omitempty"`
	SourceExportDate   *time.Time        `json:"sourceExportDate,omitempty"`
	SourceManifestHash string            `json:"sourceManifestHash,omitempty"`
}

// FileByID 按当前 blob ID 查找文件。
func (c *CaseRecord) FileByID(fileID string) (FileRecord, bool) {
	for _, f := range c.Files {
		if f.ID == fileID {
			return f, true
		}
	}
	return FileRecord{}, false
}

// OriginalIDFor 把当前 blob ID 反查为原始 ID。
//
// 没有任何映射的旧记录（或本人创建的案件）视为“ID 未变化”；
// 存在映射但查不到时返回 false，调用方必须拒绝。
func (c *CaseRecord) OriginalIDFor(currentID string) (string, bool) {
	if len(c.OriginalImageIDs) == 0 {
		return currentID, true
	}
	for orig, cur := range c.OriginalImageIDs {
		if cur == currentID {
			return orig, true
		}
	}
	return "", false
}

// CurrentIDFor 把原始 blob ID 解析为当前 blob ID；没有映射时按原值返回。
func (c *CaseRecord) CurrentIDFor(originalID string) string {
	if cur, ok := c.OriginalImageIDs[originalID]; ok && cur != "" {
		return cur
	}
	return originalID
}

// DecodeCaseRecord 解析并检查结构版本。v1 记录没有 schemaVersion 字段，按 v1 迁移。
func DecodeCaseRecord(raw []byte) (*CaseRecord, error) {
	var rec CaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(ErrFormat, "decode case record: "+err.Error())
	}
	switch rec.SchemaVersion {
	case 0, 1:
		// v1 没有 uploadedAt 以外的可选字段，直接升级版本号即可。
		rec.SchemaVersion = CaseSchemaVersion
	case CaseSchemaVersion:
	default:
		return nil, errors.Wrapf(ErrUnknownSchema, "case record version %d", rec.SchemaVersion)
	}
	if strings.TrimSpace(rec.CaseNumber) == "" {
		return nil, errors.Wrap(ErrFormat, "case record without case number")
	}
	return &rec, nil
}
