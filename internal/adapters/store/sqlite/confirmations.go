package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
)

// AppendConfirmation 在 (案件, 原始图像 ID) 的列表末尾追加一条确认。
// seq 在同一事务内按 MAX(seq)+1 分配，保持追加顺序。
func (s *Store) AppendConfirmation(ctx context.Context, ownerUID, caseNumber, originalImageID string, rec model.ConfirmationRecord) (err error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal confirmation")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx append confirmation")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int
	if err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM confirmations
		WHERE owner_uid = ? AND case_number = ? AND original_image_id = ?
	`, ownerUID, caseNumber, originalImageID).Scan(&seq); err != nil {
		return errors.Wrap(err, "next confirmation seq")
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO confirmations(
			owner_uid, case_number, original_image_id, seq, confirmation_id,
			record_json, confirmed_at, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, ownerUID, caseNumber, originalImageID, seq, rec.ConfirmationID,
		string(raw), rec.ConfirmedAt.UnixMilli(), time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "insert confirmation %s", rec.ConfirmationID)
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit append confirmation")
	}
	return nil
}

// ListConfirmations 返回案件的完整确认台账，每个列表按追加顺序排列。
func (s *Store) ListConfirmations(ctx context.Context, ownerUID, caseNumber string) (model.ConfirmationMap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT original_image_id, record_json
		FROM confirmations
		WHERE owner_uid = ? AND case_number = ?
		ORDER BY original_image_id ASC, seq ASC
	`, ownerUID, caseNumber)
	if err != nil {
		return nil, errors.Wrap(err, "query confirmations")
	}
	defer rows.Close()

	out := model.ConfirmationMap{}
	for rows.Next() {
		var imageID, raw string
		if err := rows.Scan(&imageID, &raw); err != nil {
			return nil, errors.Wrap(err, "scan confirmation")
		}
		var rec model.ConfirmationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrapf(model.ErrFormat, "decode confirmation for %s: %v", imageID, err)
		}
		out[imageID] = append(out[imageID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate confirmations")
	}
	return out, nil
}

// DeleteConfirmations 删除案件全部确认（仅在整案删除/覆盖导入时使用）。
func (s *Store) DeleteConfirmations(ctx context.Context, ownerUID, caseNumber string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM confirmations WHERE owner_uid = ? AND case_number = ?
	`, ownerUID, caseNumber); err != nil {
		return errors.Wrapf(err, "delete confirmations %s/%s", ownerUID, caseNumber)
	}
	return nil
}
