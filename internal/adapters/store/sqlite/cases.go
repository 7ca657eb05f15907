package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
)

// GetCase 返回案件记录；不存在时返回 (nil, nil)。
func (s *Store) GetCase(ctx context.Context, ownerUID, caseNumber string) (*model.CaseRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_json
		FROM case_records
		WHERE owner_uid = ? AND case_number = ?
	`, ownerUID, caseNumber).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "query case %s/%s", ownerUID, caseNumber)
	}
	return model.DecodeCaseRecord([]byte(raw))
}

// PutCase 写入案件记录（无乐观锁，最后写入者生效）。
func (s *Store) PutCase(ctx context.Context, ownerUID string, rec *model.CaseRecord) error {
	if rec == nil {
		return errors.Wrap(model.ErrBadParameter, "nil case record")
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = model.CaseSchemaVersion
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	rec.UpdatedAt = now.UTC()

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal case record")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO case_records(owner_uid, case_number, record_json, is_read_only, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_uid, case_number) DO UPDATE SET
			record_json=excluded.record_json,
			is_read_only=excluded.is_read_only,
			updated_at=excluded.updated_at
	`, ownerUID, rec.CaseNumber, string(raw), boolToInt(rec.IsReadOnly), rec.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return errors.Wrapf(err, "upsert case %s/%s", ownerUID, rec.CaseNumber)
	}
	return nil
}

// DeleteCase 删除案件记录；记录不存在不视为错误。
func (s *Store) DeleteCase(ctx context.Context, ownerUID, caseNumber string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM case_records WHERE owner_uid = ? AND case_number = ?
	`, ownerUID, caseNumber); err != nil {
		return errors.Wrapf(err, "delete case %s/%s", ownerUID, caseNumber)
	}
	return nil
}

// CaseSummary 是案件列表用的轻量结构。
type CaseSummary struct {
	CaseNumber string `json:"case_number"`
	IsReadOnly bool   `json:"is_read_only"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ListCases 返回检验员名下案件，按更新时间倒序。
func (s *Store) ListCases(ctx context.Context, ownerUID string) ([]CaseSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_number, is_read_only, created_at, updated_at
		FROM case_records
		WHERE owner_uid = ?
		ORDER BY updated_at DESC, case_number ASC
	`, ownerUID)
	if err != nil {
		return nil, errors.Wrap(err, "query cases")
	}
	defer rows.Close()

	out := []CaseSummary{}
	for rows.Next() {
		var (
			item CaseSummary
			ro   int
		)
		if err := rows.Scan(&item.CaseNumber, &ro, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan case summary")
		}
		item.IsReadOnly = ro == 1
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate case summaries")
	}
	return out, nil
}
