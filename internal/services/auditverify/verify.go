// Package auditverify 重算案件审计链，定位被改写或被删除的记录。
package auditverify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
)

// FailureItem 是一条校验失败的审计记录。
type FailureItem struct {
	Index int `json:"index"`

	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	OccurredAt    int64  `json:"occurred_at"`
	EventType     string `json:"event_type"`
	Action        string `json:"action"`
	Status        string `json:"status"`

	// PrevHashMismatch 表示 chain_prev_hash 与上一条记录的 chain_hash 不一致（记录被删除或重排）。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示按公式重算的 chain_hash 与存量值不一致（记录内容被改写）。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是一个案件审计链的校验结论。
type Result struct {
	CaseNumber string `json:"case_number"`
	OK         bool   `json:"ok"`
	Total      int    `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string        `json:"last_chain_hash,omitempty"`
	Failures      []FailureItem `json:"failures"`
}

// LogLister 读取案件审计日志（sqlite.Store 实现）。
type LogLister interface {
	ListAuditLogs(ctx context.Context, caseNumber string, limit int) ([]model.AuditLog, error)
}

// VerifyCase 读取并校验一个案件的审计链。
func VerifyCase(ctx context.Context, l LogLister, caseNumber string, limit int) (Result, error) {
	if err := model.ValidateCaseNumber(caseNumber); err != nil {
		return Result{}, err
	}
	logs, err := l.ListAuditLogs(ctx, caseNumber, limit)
	if err != nil {
		return Result{}, errors.Wrapf(err, "list audit logs for %s", caseNumber)
	}
	res := VerifyAuditLogs(logs)
	res.CaseNumber = caseNumber
	return res, nil
}

// VerifyAuditLogs 对按写入顺序排列的审计日志做两项检查：
// chain_prev_hash 的连续性，以及 chain_hash 的重算比对。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	res := Result{
		OK:       true,
		Total:    len(logs),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, it := range logs {
		expectedPrev := prev
		actualPrev := strings.TrimSpace(it.ChainPrevHash)

		// detail_json 入库时是紧凑 JSON；经过美化输出再读回时需要先 compact。
		expectedChain := it.ChainHashWith(expectedPrev, compactJSON(it.DetailJSON))
		actualChain := strings.TrimSpace(it.ChainHash)

		prevMismatch := actualPrev != expectedPrev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++
			msg := "chain_hash mismatch"
			switch {
			case prevMismatch && chainMismatch:
				msg = "chain_prev_hash and chain_hash mismatch"
				res.PrevHashFailed++
				res.ChainHashFailed++
			case prevMismatch:
				msg = "chain_prev_hash mismatch"
				res.PrevHashFailed++
			default:
				res.ChainHashFailed++
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:         i,
				EventID:       it.EventID,
				CorrelationID: it.CorrelationID,
				OccurredAt:    it.OccurredAt,
				EventType:     it.EventType,
				Action:        it.Action,
				Status:        it.Status,

				PrevHashMismatch: prevMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   actualPrev,

				ChainHashMismatch: chainMismatch,
				ExpectedChainHash: expectedChain,
				ActualChainHash:   actualChain,

				Message: msg,
			})
		}

		// 以存量 chain_hash 推进，单点篡改不会让后续记录全部报错。
		prev = actualChain
		res.LastChainHash = actualChain
	}
	return res
}

func compactJSON(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	return strings.TrimSpace(string(in))
}
