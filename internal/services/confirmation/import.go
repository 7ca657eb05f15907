package confirmation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/platform/id"
)

// Importer 把其他检验员导出的确认文档合并回本人的案件。
type Importer struct {
	d Deps
}

func NewImporter(d Deps) *Importer {
	d.defaults()
	return &Importer{d: d}
}

// VerifyChecksum 重算原始文档（去掉 metadata.checksum）的规范摘要并与声明值比较。
// 通过后返回解码好的文档。
func VerifyChecksum(raw []byte) (model.ConfirmationDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return model.ConfirmationDocument{}, errors.Wrapf(model.ErrFormat, "decode confirmation document: %v", err)
	}
	meta, ok := generic["metadata"].(map[string]any)
	if !ok {
		return model.ConfirmationDocument{}, errors.Wrap(model.ErrFormat, "confirmation document without metadata")
	}
	declared, _ := meta["checksum"].(string)
	if declared == "" {
		return model.ConfirmationDocument{}, errors.Wrap(model.ErrChecksumMismatch, "checksum missing")
	}
	delete(meta, "checksum")

	canon, err := hash.CanonicalValue(generic)
	if err != nil {
		return model.ConfirmationDocument{}, errors.Wrap(model.ErrFormat, err.Error())
	}
	if actual := hash.SecureDigest(canon); !hash.Equal(actual, declared) {
		return model.ConfirmationDocument{}, errors.Wrapf(model.ErrChecksumMismatch, "expected %s, got %s", declared, actual)
	}

	var doc model.ConfirmationDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.ConfirmationDocument{}, errors.Wrapf(model.ErrFormat, "decode confirmation document: %v", err)
	}
	if err := model.Validate(&doc); err != nil {
		return model.ConfirmationDocument{}, err
	}
	if doc.Metadata.Version != model.ConfirmationDocVersion {
		return model.ConfirmationDocument{}, errors.Wrapf(model.ErrUnknownSchema, "confirmation document version %q", doc.Metadata.Version)
	}
	return doc, nil
}

// Import 校验并合并确认文档，永远返回结构化结果。
//
// 校验和不一致、导出人无效、案件不存在会阻断整个导入；
// 单条确认的过期或图像缺失只拒绝该条；已有确认的图像跳过并给出警告。
func (im *Importer) Import(ctx context.Context, user model.User, raw []byte) model.ConfirmationImportResult {
	res := model.ConfirmationImportResult{
		CorrelationID: id.New("wf"),
		Errors:        []model.ResultEntry{},
		Warnings:      []model.ResultEntry{},
	}
	logger := im.d.Logger.With(slog.String("correlation_id", res.CorrelationID))

	err := im.run(ctx, user, raw, &res)
	if err != nil {
		res.Errors = append(res.Errors, model.ResultEntry{Kind: model.ErrorKind(err), Message: err.Error()})
	}
	res.Success = len(res.Errors) == 0

	status := "success"
	if !res.Success {
		status = "failed"
		logger.Warn("confirmation import finished with errors",
			"case_number", res.CaseNumber,
			"errors", len(res.Errors),
			"imported", res.ConfirmationsImported,
		)
	} else {
		logger.Info("confirmation import finished",
			"case_number", res.CaseNumber,
			"imported", res.ConfirmationsImported,
			"images_updated", res.ImagesUpdated,
			"skipped", len(res.Skipped),
		)
	}
	im.d.Audit.Send(model.AuditEvent{
		CorrelationID: res.CorrelationID,
		CaseNumber:    res.CaseNumber,
		ActorUID:      user.UID,
		EventType:     "confirmation",
		Action:        "import",
		Status:        status,
		Source:        "confirmation.Importer.Import",
		Detail: map[string]any{
			"imported":       res.ConfirmationsImported,
			"images_updated": res.ImagesUpdated,
			"rejected":       len(res.Rejected),
			"skipped":        len(res.Skipped),
		},
	})
	return res
}

func (im *Importer) run(ctx context.Context, user model.User, raw []byte, res *model.ConfirmationImportResult) error {
	doc, err := VerifyChecksum(raw)
	if err != nil {
		return err
	}
	meta := doc.Metadata
	res.CaseNumber = meta.CaseNumber

	if meta.ExportedByUID == user.UID {
		return errors.Wrap(model.ErrSelfImport, "confirmations were exported by the importing user")
	}
	exporter, err := im.d.Users.GetUser(ctx, meta.ExportedByUID)
	if err != nil {
		return err
	}
	if exporter == nil {
		return errors.Wrapf(model.ErrUnknownExporter, "uid %s", meta.ExportedByUID)
	}

	rec, err := im.d.Cases.GetCase(ctx, user.UID, meta.CaseNumber)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Wrapf(model.ErrNotFound, "case %s", meta.CaseNumber)
	}

	existing, err := im.d.Confirmations.ListConfirmations(ctx, user.UID, meta.CaseNumber)
	if err != nil {
		return err
	}

	originals := make([]string, 0, len(doc.Confirmations))
	for orig := range doc.Confirmations {
		originals = append(originals, orig)
	}
	sort.Strings(originals)

	for _, orig := range originals {
		records := doc.Confirmations[orig]
		if len(records) == 0 {
			continue
		}
		// 本人的案件里 key 是本地 ID：先按映射解析，再以解析后的 ID 反查本地台账键。
		current := rec.CurrentIDFor(orig)
		if _, ok := rec.FileByID(current); !ok {
			res.Rejected = append(res.Rejected, orig)
			res.Errors = append(res.Errors, model.ResultEntry{
				Kind:    model.ErrorKind(model.ErrNotFound),
				Message: errors.Wrapf(model.ErrNotFound, "image %s in case %s", orig, meta.CaseNumber).Error(),
			})
			continue
		}
		ledgerKey, ok := rec.OriginalIDFor(current)
		if !ok {
			ledgerKey = orig
		}
		if len(existing[ledgerKey]) > 0 {
			res.Skipped = append(res.Skipped, orig)
			res.Warnings = append(res.Warnings, model.ResultEntry{
				Kind:    model.ErrorKind(model.ErrConflict),
				Message: "image " + orig + " already has confirmation data, skipped",
			})
			continue
		}

		lastMod, hasAnnotation, err := im.annotationModTime(ctx, user.UID, meta.CaseNumber, current)
		if err != nil {
			return err
		}

		accepted := 0
		for _, c := range records {
			if reason := im.rejectReason(user, c, lastMod, hasAnnotation); reason != nil {
				res.Rejected = append(res.Rejected, c.ConfirmationID)
				res.Errors = append(res.Errors, model.ResultEntry{Kind: model.ErrorKind(reason), Message: reason.Error()})
				continue
			}
			if err := im.d.Confirmations.AppendConfirmation(ctx, user.UID, meta.CaseNumber, ledgerKey, c); err != nil {
				return err
			}
			accepted++
		}
		if accepted > 0 {
			res.ConfirmationsImported += accepted
			res.ImagesUpdated++
		}
	}
	return nil
}

// annotationModTime 读取存储层维护的标注修改时间；标注不存在时 ok=false。
func (im *Importer) annotationModTime(ctx context.Context, uid, caseNumber, fileID string) (time.Time, bool, error) {
	t, err := im.d.Annotations.LastModified(ctx, uid, caseNumber, fileID)
	if err == nil {
		return t, true, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return time.Time{}, false, nil
	}
	return time.Time{}, false, err
}

func (im *Importer) rejectReason(user model.User, c model.ConfirmationRecord, lastMod time.Time, hasAnnotation bool) error {
	if c.ConfirmedByUID != "" && c.ConfirmedByUID == user.UID {
		return errors.Wrapf(model.ErrSelfConfirmation, "confirmation %s", c.ConfirmationID)
	}
	if hasAnnotation && c.ConfirmedAt.Before(lastMod) {
		return errors.Wrapf(model.ErrStaleConfirmation, "confirmation %s at %s, annotation modified at %s",
			c.ConfirmationID,
			c.ConfirmedAt.UTC().Format(time.RFC3339),
			lastMod.UTC().Format(time.RFC3339))
	}
	return nil
}
