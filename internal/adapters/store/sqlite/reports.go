package sqlite

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/id"
)

// SaveReport 登记导出产物（案件包 ZIP、确认导出、复核 PDF），供追溯使用。
func (s *Store) SaveReport(ctx context.Context, info model.ReportInfo) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()
	if info.Status == "" {
		info.Status = "ready"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, case_number, owner_uid, report_type, file_path, sha256,
			generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, info.CaseNumber, info.OwnerUID, info.ReportType, info.FilePath, info.SHA256,
		now, info.GeneratorVersion, info.Status)
	if err != nil {
		return "", errors.Wrap(err, "insert report")
	}
	return reportID, nil
}

// ListReportsByCase 返回案件全部导出登记，按生成时间倒序。
func (s *Store) ListReportsByCase(ctx context.Context, ownerUID, caseNumber string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, case_number, owner_uid, report_type, file_path, sha256,
			generated_at, generator_version, status
		FROM reports
		WHERE owner_uid = ? AND case_number = ?
		ORDER BY generated_at DESC, report_id DESC
	`, ownerUID, caseNumber)
	if err != nil {
		return nil, errors.Wrap(err, "query reports by case")
	}
	defer rows.Close()

	out := []model.ReportInfo{}
	for rows.Next() {
		var item model.ReportInfo
		if err := rows.Scan(
			&item.ReportID,
			&item.CaseNumber,
			&item.OwnerUID,
			&item.ReportType,
			&item.FilePath,
			&item.SHA256,
			&item.GeneratedAt,
			&item.GeneratorVersion,
			&item.Status,
		); err != nil {
			return nil, errors.Wrap(err, "scan report")
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate reports")
	}
	return out, nil
}
