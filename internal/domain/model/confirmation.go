package model

import (
	"time"
)

const ConfirmationDocVersion = "1.0"

// ConfirmationRecord 是复核检验员对一张图像鉴定结论的确认。创建后不可修改。
//
// Timestamp 是人类可读时间；ConfirmedAt 是可比较的时刻，用于过期判断。
type ConfirmationRecord struct {
	FullName       string    `json:"fullName" validate:"required"`
	BadgeID        string    `json:"badgeId" validate:"required"`
	Email          string    `json:"confirmedByEmail" validate:"required,email"`
	Organization   string    `json:"confirmedByCompany"`
	ConfirmedByUID string    `json:"confirmedBy,omitempty"`
	ConfirmationID string    `json:"confirmationId" validate:"required"`
	Timestamp      string    `json:"timestamp"`
	ConfirmedAt    time.Time `json:"confirmedAt" validate:"required"`
}

// ConfirmationMap 以“原始图像 ID”为键，值为按追加顺序排列的确认记录。
type ConfirmationMap map[string][]ConfirmationRecord

// ConfirmationMetadata 是确认导出文档的头部。Checksum 本身不参与哈希计算。
type ConfirmationMetadata struct {
	CaseNumber             string    `json:"caseNumber" validate:"required"`
	ExportDate             time.Time `json:"exportDate" validate:"required"`
	ExportedByUID          string    `json:"exportedByUid" validate:"required"`
	ExportedByName         string    `json:"exportedByName,omitempty"`
	ExportedByEmail        string    `json:"exportedByEmail,omitempty"`
	ExportedByOrganization string    `json:"exportedByOrganization,omitempty"`
	TotalConfirmations     int       `json:"totalConfirmations"`
	Version                string    `json:"version" validate:"required"`
	Checksum               string    `json:"checksum,omitempty"`
}

// ConfirmationDocument 是可独立流转的确认导出文档。
type ConfirmationDocument struct {
	Metadata      ConfirmationMetadata `json:"metadata" validate:"required"`
	Confirmations ConfirmationMap      `json:"confirmations" validate:"dive,dive"`
}

// Authoritative 返回一组确认中具有权威性的一条：ConfirmedAt 最晚者；
// 时间相同取后追加者。空列表返回 false。
func Authoritative(records []ConfirmationRecord) (ConfirmationRecord, bool) {
	if len(records) == 0 {
		return ConfirmationRecord{}, false
	}
	best := records[0]
	for _, r := range records[1:] {
		if !r.ConfirmedAt.Before(best.ConfirmedAt) {
			best = r
		}
	}
	return best, true
}
