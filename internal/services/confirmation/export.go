package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/platform/id"
)

const generatorVersion = "confirmation-export-1.0.0"

// Exporter 把案件确认台账打包为带校验和的独立 JSON 文档。
type Exporter struct {
	d   Deps
	now func() time.Time
}

func NewExporter(d Deps) *Exporter {
	d.defaults()
	return &Exporter{d: d, now: time.Now}
}

// Checksum 计算确认文档的校验和：metadata.checksum 置空后的规范 JSON 的 SHA-256。
func Checksum(doc model.ConfirmationDocument) (string, error) {
	doc.Metadata.Checksum = ""
	canon, err := hash.CanonicalOf(doc)
	if err != nil {
		return "", errors.Wrap(err, "canonicalize confirmation document")
	}
	return hash.SecureDigest(canon), nil
}

// Export 生成确认文档及其序列化字节。台账为空时返回 ErrBadParameter。
func (e *Exporter) Export(ctx context.Context, user model.User, caseNumber string) (model.ConfirmationDocument, []byte, error) {
	correlationID := id.New("wf")
	logger := e.d.Logger.With(slog.String("correlation_id", correlationID), slog.String("case_number", caseNumber))

	doc, raw, err := e.export(ctx, user, caseNumber)
	status := "success"
	detail := map[string]any{}
	if err != nil {
		status = "failed"
		detail["error"] = err.Error()
		logger.Warn("confirmation export failed", "error", err)
	} else {
		detail["total_confirmations"] = doc.Metadata.TotalConfirmations
		detail["checksum"] = doc.Metadata.Checksum
		logger.Info("confirmation export finished", "total_confirmations", doc.Metadata.TotalConfirmations)
	}
	e.d.Audit.Send(model.AuditEvent{
		CorrelationID: correlationID,
		CaseNumber:    caseNumber,
		ActorUID:      user.UID,
		EventType:     "confirmation",
		Action:        "export",
		Status:        status,
		Source:        "confirmation.Exporter.Export",
		Detail:        detail,
	})
	return doc, raw, err
}

func (e *Exporter) export(ctx context.Context, user model.User, caseNumber string) (model.ConfirmationDocument, []byte, error) {
	if err := model.ValidateCaseNumber(caseNumber); err != nil {
		return model.ConfirmationDocument{}, nil, err
	}
	rec, err := e.d.Cases.GetCase(ctx, user.UID, caseNumber)
	if err != nil {
		return model.ConfirmationDocument{}, nil, err
	}
	if rec == nil {
		return model.ConfirmationDocument{}, nil, errors.Wrapf(model.ErrNotFound, "case %s", caseNumber)
	}
	confs, err := e.d.Confirmations.ListConfirmations(ctx, user.UID, caseNumber)
	if err != nil {
		return model.ConfirmationDocument{}, nil, err
	}
	total := 0
	for _, list := range confs {
		total += len(list)
	}
	if total == 0 {
		return model.ConfirmationDocument{}, nil, errors.Wrapf(model.ErrBadParameter, "case %s has no confirmations", caseNumber)
	}

	doc := model.ConfirmationDocument{
		Metadata: model.ConfirmationMetadata{
			CaseNumber:             caseNumber,
			ExportDate:             e.now().UTC(),
			ExportedByUID:          user.UID,
			ExportedByName:         user.DisplayName,
			ExportedByEmail:        user.Email,
			ExportedByOrganization: user.Organization,
			TotalConfirmations:     total,
			Version:                model.ConfirmationDocVersion,
		},
		Confirmations: confs,
	}
	sum, err := Checksum(doc)
	if err != nil {
		return model.ConfirmationDocument{}, nil, err
	}
	doc.Metadata.Checksum = sum

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.ConfirmationDocument{}, nil, errors.Wrap(err, "marshal confirmation document")
	}
	return doc, raw, nil
}

// FileResult 描述写入磁盘的确认导出文件。
type FileResult struct {
	Path     string                     `json:"path"`
	SHA256   string                     `json:"sha256"`
	ReportID string                     `json:"report_id,omitempty"`
	Document model.ConfirmationDocument `json:"document"`
}

// ExportToFile 把确认文档写入 dir，文件名为 <case>_confirmations_<unix>.json，并登记到 reports。
func (e *Exporter) ExportToFile(ctx context.Context, dir string, user model.User, caseNumber string) (FileResult, error) {
	doc, raw, err := e.Export(ctx, user, caseNumber)
	if err != nil {
		return FileResult{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FileResult{}, errors.Wrap(err, "create export dir")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_confirmations_%d.json", caseNumber, doc.Metadata.ExportDate.Unix()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return FileResult{}, errors.Wrap(err, "write confirmation export")
	}

	out := FileResult{Path: path, SHA256: hash.SecureDigest(raw), Document: doc}
	if e.d.Reports != nil {
		rid, err := e.d.Reports.SaveReport(ctx, model.ReportInfo{
			CaseNumber:       caseNumber,
			OwnerUID:         user.UID,
			ReportType:       "confirmation_export",
			FilePath:         path,
			SHA256:           out.SHA256,
			GeneratorVersion: generatorVersion,
		})
		if err != nil {
			return out, errors.Wrap(err, "register confirmation export")
		}
		out.ReportID = rid
	}
	return out, nil
}
