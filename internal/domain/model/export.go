package model

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

const ExportSchemaVersion = "2.0"

// ExportMetadata 是导出包的头部信息。
type ExportMetadata struct {
	CaseNumber             string    `json:"caseNumber" validate:"required"`
	CaseCreatedDate        time.Time `json:"caseCreatedDate"`
	ExportDate             time.Time `json:"exportDate" validate:"required"`
	ExportedBy             string    `json:"exportedBy,omitempty"`
	ExportedByUID          string    `json:"exportedByUid" validate:"required"`
	ExportedByName         string    `json:"exportedByName"`
	ExportedByOrganization string    `json:"exportedByOrganization,omitempty"`
	SchemaVersion          string    `json:"schemaVersion" validate:"required"`
	TotalFiles             int       `json:"totalFiles" validate:"gte=0"`
}

// ExportFile 是包内的一个条目：文件记录 + 可选标注。
type ExportFile struct {
	FileData       FileRecord        `json:"fileData"`
	Annotations    *AnnotationRecord `json:"annotations,omitempty"`
	HasAnnotations bool              `json:"hasAnnotations"`
}

// ExportSummary 是导出时扫描标注得到的汇总。
type ExportSummary struct {
	FilesWithAnnotations    int        `json:"filesWithAnnotations"`
	FilesWithoutAnnotations int        `json:"filesWithoutAnnotations"`
	TotalBoxAnnotations     int        `json:"totalBoxAnnotations"`
	ConfirmationsRequested  int        `json:"confirmationsRequested"`
	FilesConfirmed          int        `json:"filesConfirmed"`
	EarliestAnnotation      *time.Time `json:"earliestAnnotationDate,omitempty"`
	LatestAnnotation        *time.Time `json:"latestAnnotationDate,omitempty"`
	ExportWarnings          []string   `json:"exportWarnings,omitempty"`
}

// CaseExportPackage 是一次导出的完整数据文档。哈希计算完成后即不可变。
type CaseExportPackage struct {
	Metadata ExportMetadata `json:"metadata" validate:"required"`
	Files    []ExportFile   `json:"files" validate:"dive"`
	Summary  ExportSummary  `json:"summary"`
}

// DecodeExportPackage 解析数据文件并按 schemaVersion 分派。
func DecodeExportPackage(raw []byte) (*CaseExportPackage, error) {
	var pkg CaseExportPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, errors.Wrap(ErrFormat, "decode case data: "+err.Error())
	}
	switch pkg.Metadata.SchemaVersion {
	case ExportSchemaVersion:
	case "":
		return nil, errors.Wrap(ErrFormat, "case data without schema version")
	default:
		return nil, errors.Wrapf(ErrUnknownSchema, "case data version %q", pkg.Metadata.SchemaVersion)
	}
	if err := Validate(&pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}
