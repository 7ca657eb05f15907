// Package caseview 组装案件详情的只读视图，供 CLI show 与 HTTP API 使用。
package caseview

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	sqliteadapter "toolmark-review/internal/adapters/store/sqlite"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/services/privacy"
)

// FileView 是案件中一张图像的展示行。
type FileView struct {
	ID               string                    `json:"id"`
	OriginalID       string                    `json:"original_id,omitempty"`
	OriginalFilename string                    `json:"original_filename"`
	HasAnnotations   bool                      `json:"has_annotations"`
	BoxAnnotations   int                       `json:"box_annotations"`
	AnnotatedAt      *time.Time                `json:"annotated_at,omitempty"`
	Confirmations    int                       `json:"confirmations"`
	Authoritative    *model.ConfirmationRecord `json:"authoritative_confirmation,omitempty"`
}

// CaseView 是案件详情视图。
type CaseView struct {
	CaseNumber         string                        `json:"case_number"`
	IsReadOnly         bool                          `json:"is_read_only"`
	CreatedAt          time.Time                     `json:"created_at"`
	UpdatedAt          time.Time                     `json:"updated_at"`
	Source             *model.ReadOnlyCaseDescriptor `json:"source,omitempty"`
	SourceManifestHash string                        `json:"source_manifest_hash,omitempty"`
	Files              []FileView                    `json:"files"`
	Reports            []model.ReportInfo            `json:"reports"`
	Warnings           []string                      `json:"warnings,omitempty"`
}

// ReportView 是报告登记信息与可选的文件内容。
type ReportView struct {
	Report        model.ReportInfo `json:"report"`
	Content       string           `json:"content,omitempty"`
	ContentLength int              `json:"content_length,omitempty"`
}

// Service 读取案件记录、标注、确认与报告登记。
type Service struct {
	store       *sqliteadapter.Store
	annotations storage.AnnotationStore
}

func New(store *sqliteadapter.Store, annotations storage.AnnotationStore) *Service {
	return &Service{store: store, annotations: annotations}
}

// ListCases 返回检验员名下案件摘要。
func (s *Service) ListCases(ctx context.Context, uid string) ([]sqliteadapter.CaseSummary, error) {
	return s.store.ListCases(ctx, uid)
}

// Get 返回案件详情；masked 为 true 时对确认人与导出人信息脱敏。
// 单张图像的标注读取失败只记 warning。
func (s *Service) Get(ctx context.Context, uid, caseNumber string, masked bool) (*CaseView, error) {
	if err := model.ValidateCaseNumber(caseNumber); err != nil {
		return nil, err
	}
	rec, err := s.store.GetCase(ctx, uid, caseNumber)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(model.ErrNotFound, "case %s", caseNumber)
	}

	confs, err := s.store.ListConfirmations(ctx, uid, caseNumber)
	if err != nil {
		return nil, err
	}
	if masked {
		confs = privacy.MaskConfirmations(confs)
	}
	reports, err := s.store.ListReportsByCase(ctx, uid, caseNumber)
	if err != nil {
		return nil, err
	}
	if masked {
		for i := range reports {
			reports[i].FilePath = privacy.MaskPath(reports[i].FilePath)
		}
	}

	view := &CaseView{
		CaseNumber:         rec.CaseNumber,
		IsReadOnly:         rec.IsReadOnly,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		SourceManifestHash: rec.SourceManifestHash,
		Files:              make([]FileView, 0, len(rec.Files)),
		Reports:            reports,
	}

	if rec.IsReadOnly {
		p, err := s.store.GetProfile(ctx, uid)
		if err != nil {
			return nil, err
		}
		for _, d := range p.ReadOnlyCases {
			if d.CaseNumber == caseNumber {
				if masked {
					d = privacy.MaskDescriptor(d)
				}
				view.Source = &d
				break
			}
		}
	}

	for _, f := range rec.Files {
		fv := FileView{ID: f.ID, OriginalFilename: f.OriginalFilename}
		orig, ok := rec.OriginalIDFor(f.ID)
		if ok && orig != f.ID {
			fv.OriginalID = orig
		}
		if !ok {
			orig = f.ID
		}

		ann, err := s.annotations.Get(ctx, uid, caseNumber, f.ID)
		if err != nil {
			view.Warnings = append(view.Warnings, "annotations for "+f.OriginalFilename+": "+err.Error())
		} else if ann.HasAnnotations() {
			fv.HasAnnotations = true
			fv.BoxAnnotations = len(ann.BoxAnnotations)
			at := ann.LatestActivity()
			fv.AnnotatedAt = &at
		}

		list := confs[orig]
		fv.Confirmations = len(list)
		if c, ok := model.Authoritative(list); ok {
			fv.Authoritative = &c
		}
		view.Files = append(view.Files, fv)
	}
	sort.SliceStable(view.Files, func(i, j int) bool {
		return view.Files[i].OriginalFilename < view.Files[j].OriginalFilename
	})
	return view, nil
}

// GetReport 返回案件的一条报告登记；reportID 为空时取最新一条。
// includeContent 只对 JSON 类产物有意义，ZIP/PDF 需通过下载接口获取。
func (s *Service) GetReport(ctx context.Context, uid, caseNumber, reportID string, includeContent bool) (*ReportView, error) {
	reports, err := s.store.ListReportsByCase(ctx, uid, caseNumber)
	if err != nil {
		return nil, err
	}
	var found *model.ReportInfo
	for i := range reports {
		if reportID == "" || reports[i].ReportID == reportID {
			found = &reports[i]
			break
		}
	}
	if found == nil {
		return nil, errors.Wrapf(model.ErrNotFound, "report %q for case %s", reportID, caseNumber)
	}

	out := &ReportView{Report: *found}
	if includeContent {
		raw, err := os.ReadFile(found.FilePath)
		if err != nil {
			return nil, errors.Wrap(err, "read report file")
		}
		out.Content = string(raw)
		out.ContentLength = len(raw)
	}
	return out, nil
}
