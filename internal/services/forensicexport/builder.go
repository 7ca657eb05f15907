// Package forensicexport 把案件记录与标注组装为可移交的案件包（数据文件 + 图像 + FORENSIC_MANIFEST.json）。
package forensicexport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
)

// ReportRegistry 登记导出产物（sqlite.Store 实现）。
type ReportRegistry interface {
	SaveReport(ctx context.Context, info model.ReportInfo) (string, error)
}

// Deps 是 Builder 依赖的外部协作者。Confirmations/Reports/Audit 可为空。
type Deps struct {
	Cases         storage.CaseStore
	Annotations   storage.AnnotationStore
	Images        storage.ImageStore
	Confirmations storage.ConfirmationStore
	Reports       ReportRegistry
	Audit         storage.AuditSink
	Logger        *slog.Logger
}

type Builder struct {
	cases         storage.CaseStore
	annotations   storage.AnnotationStore
	images        storage.ImageStore
	confirmations storage.ConfirmationStore
	reports       ReportRegistry
	audit         storage.AuditSink
	logger        *slog.Logger
	now           func() time.Time
}

func NewBuilder(d Deps) *Builder {
	b := &Builder{
		cases:         d.Cases,
		annotations:   d.Annotations,
		images:        d.Images,
		confirmations: d.Confirmations,
		reports:       d.Reports,
		audit:         d.Audit,
		logger:        d.Logger,
		now:           time.Now,
	}
	if b.audit == nil {
		b.audit = storage.NopAudit{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// BuildOptions 控制数据文档的头部信息。
type BuildOptions struct {
	// Organization 在用户档案没有机构信息时作为导出机构。
	Organization string
}

// BuildCasePackage 读取案件文件列表与逐个文件的标注，组装导出数据文档。
//
// 单个文件的标注读取失败不影响整体：该文件记为 hasAnnotations=false，
// 失败信息只写入 summary.exportWarnings。
// 仅在案件编号非法、案件不存在或案件没有文件时返回错误。
func (b *Builder) BuildCasePackage(ctx context.Context, user model.User, caseNumber string, opts BuildOptions) (*model.CaseExportPackage, error) {
	caseNumber = strings.TrimSpace(caseNumber)
	if err := model.ValidateCaseNumber(caseNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(user.UID) == "" {
		return nil, errors.Wrap(model.ErrBadParameter, "exporting user uid is required")
	}

	rec, err := b.cases.GetCase(ctx, user.UID, caseNumber)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(model.ErrNotFound, "case %s", caseNumber)
	}
	if rec.IsReadOnly {
		return nil, errors.Wrapf(model.ErrConflict, "case %s is a read-only review copy and cannot be exported", caseNumber)
	}
	if len(rec.Files) == 0 {
		return nil, errors.Wrapf(model.ErrBadParameter, "case %s has no files", caseNumber)
	}

	org := strings.TrimSpace(user.Organization)
	if org == "" {
		org = strings.TrimSpace(opts.Organization)
	}

	pkg := &model.CaseExportPackage{
		Metadata: model.ExportMetadata{
			CaseNumber:             rec.CaseNumber,
			CaseCreatedDate:        rec.CreatedAt.UTC(),
			ExportDate:             b.now().UTC(),
			ExportedBy:             user.Email,
			ExportedByUID:          user.UID,
			ExportedByName:         user.DisplayName,
			ExportedByOrganization: org,
			SchemaVersion:          model.ExportSchemaVersion,
			TotalFiles:             len(rec.Files),
		},
		Files: make([]model.ExportFile, 0, len(rec.Files)),
	}

	var warnings []string
	for _, f := range rec.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := model.ExportFile{FileData: f}
		ann, err := b.annotations.Get(ctx, user.UID, rec.CaseNumber, f.ID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("annotations for %s unavailable: %v", f.OriginalFilename, err))
			b.logger.Warn("annotation fetch failed, exporting file without annotations",
				"case_number", rec.CaseNumber,
				"file_id", f.ID,
				"error", err,
			)
		} else if ann.HasAnnotations() {
			entry.Annotations = ann
			entry.HasAnnotations = true
		}
		pkg.Files = append(pkg.Files, entry)
	}

	confirmed, cwarn := b.confirmedFiles(ctx, user.UID, rec)
	warnings = append(warnings, cwarn...)

	pkg.Summary = Summarize(pkg.Files, confirmed)
	pkg.Summary.ExportWarnings = warnings
	return pkg, nil
}

// confirmedFiles 返回已有确认的当前文件 ID 集合；确认台账读取失败只记警告。
func (b *Builder) confirmedFiles(ctx context.Context, ownerUID string, rec *model.CaseRecord) (map[string]bool, []string) {
	out := map[string]bool{}
	if b.confirmations == nil {
		return out, nil
	}
	ledger, err := b.confirmations.ListConfirmations(ctx, ownerUID, rec.CaseNumber)
	if err != nil {
		return out, []string{fmt.Sprintf("confirmations unavailable: %v", err)}
	}
	for _, f := range rec.Files {
		orig, ok := rec.OriginalIDFor(f.ID)
		if ok && len(ledger[orig]) > 0 {
			out[f.ID] = true
		}
	}
	return out, nil
}

// Summarize 扫描已收集的标注，计算汇总计数与最早/最晚标注时间。
func Summarize(files []model.ExportFile, confirmed map[string]bool) model.ExportSummary {
	var (
		s                model.ExportSummary
		earliest, latest time.Time
	)
	for _, f := range files {
		if confirmed[f.FileData.ID] {
			s.FilesConfirmed++
		}
		if !f.HasAnnotations || f.Annotations == nil {
			s.FilesWithoutAnnotations++
			continue
		}
		s.FilesWithAnnotations++
		a := f.Annotations
		s.TotalBoxAnnotations += len(a.BoxAnnotations)
		if a.IncludeConfirmation {
			s.ConfirmationsRequested++
		}

		stamps := []time.Time{a.UpdatedAt}
		for _, box := range a.BoxAnnotations {
			stamps = append(stamps, box.CreatedAt)
		}
		for _, ts := range stamps {
			if ts.IsZero() {
				continue
			}
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
			if ts.After(latest) {
				latest = ts
			}
		}
	}
	if !earliest.IsZero() {
		e := earliest.UTC()
		s.EarliestAnnotation = &e
	}
	if !latest.IsZero() {
		l := latest.UTC()
		s.LatestAnnotation = &l
	}
	return s
}
