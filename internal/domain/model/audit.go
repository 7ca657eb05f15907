package model

import (
	"encoding/json"
	"strconv"

	"toolmark-review/internal/platform/hash"
)

// AuditEvent 是发往审计通道的结构化事件（fire-and-forget）。
type AuditEvent struct {
	CorrelationID string         `json:"correlation_id"`
	CaseNumber    string         `json:"case_number"`
	ActorUID      string         `json:"actor_uid,omitempty"`
	EventType     string         `json:"event_type"` // export|import|confirmation|rollback
	Action        string         `json:"action"`
	Status        string         `json:"status"` // started|success|failed|warning
	Source        string         `json:"source,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	OccurredAt    int64          `json:"occurred_at"`
}

// AuditLog 表示一条落库审计日志（audit_logs 表）。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CaseNumber    string          `json:"case_number"`
	ActorUID      string          `json:"actor_uid,omitempty"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Source        string          `json:"source,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// ReportInfo 表示导出产物登记信息（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	CaseNumber       string `json:"case_number"`
	OwnerUID         string `json:"owner_uid"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}

// ChainHashWith 按审计链公式计算本条记录的 chain_hash。
// detailJSON 必须是紧凑 JSON（入库时的 json.Marshal 输出）。
func (l AuditLog) ChainHashWith(prev, detailJSON string) string {
	return hash.Text(
		prev,
		l.CorrelationID,
		l.CaseNumber,
		l.EventType,
		l.Action,
		l.Status,
		strconv.FormatInt(l.OccurredAt, 10),
		detailJSON,
	)
}
