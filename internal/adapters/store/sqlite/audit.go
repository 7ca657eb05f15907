package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/id"
)

// AppendAudit 写入审计日志，并按案件编号生成链式 hash 以便后续校验完整性。
func (s *Store) AppendAudit(ctx context.Context, evt model.AuditEvent) error {
	detailJSON := []byte("{}")
	if len(evt.Detail) > 0 {
		raw, err := json.Marshal(evt.Detail)
		if err == nil {
			detailJSON = raw
		}
	}

	prev := ""
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE case_number = ?
		ORDER BY rowid DESC
		LIMIT 1
	`, evt.CaseNumber).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "query previous chain hash")
	}

	occurred := evt.OccurredAt
	if occurred <= 0 {
		occurred = time.Now().Unix()
	}
	entry := model.AuditLog{
		EventID:       id.New("evt"),
		CorrelationID: evt.CorrelationID,
		CaseNumber:    evt.CaseNumber,
		ActorUID:      evt.ActorUID,
		EventType:     evt.EventType,
		Action:        evt.Action,
		Status:        evt.Status,
		Source:        evt.Source,
		OccurredAt:    occurred,
	}
	chain := entry.ChainHashWith(prev, string(detailJSON))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, correlation_id, case_number, actor_uid, event_type, action, status,
			source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventID, nullIfEmpty(entry.CorrelationID), entry.CaseNumber, nullIfEmpty(entry.ActorUID),
		entry.EventType, entry.Action, entry.Status, nullIfEmpty(entry.Source),
		string(detailJSON), entry.OccurredAt, nullIfEmpty(prev), chain)
	if err != nil {
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// ListAuditLogs 返回案件审计日志（按写入顺序）。
func (s *Store) ListAuditLogs(ctx context.Context, caseNumber string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			COALESCE(correlation_id, ''),
			case_number,
			COALESCE(actor_uid, ''),
			event_type,
			action,
			status,
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE case_number = ?
		ORDER BY rowid ASC
		LIMIT ?
	`, caseNumber, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query audit logs")
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.CorrelationID,
			&item.CaseNumber,
			&item.ActorUID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Source,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, errors.Wrap(err, "scan audit log")
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate audit logs")
	}
	return out, nil
}
