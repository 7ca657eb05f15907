// Package forensicpdf 生成案件复核 PDF：图像哈希、标注摘要、权威确认与审计链状态。
//
// PDF 是展示产物，不参与完整性判定；完整证据链以案件包 ZIP 的 manifest 为准。
package forensicpdf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/phpdave11/gofpdf"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/platform/id"
	"toolmark-review/internal/services/auditverify"
	"toolmark-review/internal/services/privacy"
)

const pdfGeneratorVer = "forensicpdf-1.0.0"

// ReportRegistry 登记生成的 PDF（sqlite.Store 实现）。
type ReportRegistry interface {
	SaveReport(ctx context.Context, info model.ReportInfo) (string, error)
}

type Deps struct {
	Cases         storage.CaseStore
	Images        storage.ImageStore
	Annotations   storage.AnnotationStore
	Confirmations storage.ConfirmationStore
	AuditLogs     auditverify.LogLister
	Reports       ReportRegistry
	Audit         storage.AuditSink
	Logger        *slog.Logger
}

type Options struct {
	User       model.User
	CaseNumber string
	OutputDir  string
	Masked     bool
	Note       string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

// fileRow 是 PDF 中一张图像的全部展示数据。
type fileRow struct {
	File         model.FileRecord
	OriginalID   string
	SHA256       string
	Annotation   *model.AnnotationRecord
	Confirmation *model.ConfirmationRecord
	ConfirmCount int
}

type reportData struct {
	Case        *model.CaseRecord
	Rows        []fileRow
	Audit       *auditverify.Result
	Operator    string
	Note        string
	Masked      bool
	Warnings    []string
	GeneratedAt time.Time
}

// Generator 生成复核 PDF。
type Generator struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Generator {
	if d.Audit == nil {
		d.Audit = storage.NopAudit{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Generator{d: d, now: time.Now}
}

// Generate 生成 PDF 并登记为 report_type=review_pdf。
// 单张图像读取失败只记 warning，PDF 仍会生成。
func (g *Generator) Generate(ctx context.Context, opts Options) (*Result, error) {
	if err := model.ValidateCaseNumber(opts.CaseNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.Wrap(model.ErrBadParameter, "output dir is required")
	}
	rec, err := g.d.Cases.GetCase(ctx, opts.User.UID, opts.CaseNumber)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(model.ErrNotFound, "case %s", opts.CaseNumber)
	}

	data := g.collect(ctx, opts, rec)

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir reports")
	}
	pdfPath := filepath.Join(opts.OutputDir, fmt.Sprintf("%s_review_%d.pdf", opts.CaseNumber, data.GeneratedAt.Unix()))

	pdf, utf8OK := buildPDF(data)
	if !utf8OK {
		data.Warnings = append(data.Warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, errors.Wrap(err, "write pdf")
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, errors.Wrap(err, "sha256 pdf")
	}

	out := &Result{
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    data.Warnings,
		GeneratedAt: data.GeneratedAt.Unix(),
	}
	if g.d.Reports != nil {
		out.ReportID, err = g.d.Reports.SaveReport(ctx, model.ReportInfo{
			CaseNumber:       opts.CaseNumber,
			OwnerUID:         opts.User.UID,
			ReportType:       "review_pdf",
			FilePath:         pdfPath,
			SHA256:           sum,
			GeneratorVersion: pdfGeneratorVer,
		})
		if err != nil {
			return nil, errors.Wrap(err, "save report")
		}
	}

	g.d.Logger.Info("review pdf generated", "case_number", opts.CaseNumber, "path", pdfPath, "warnings", len(data.Warnings))
	g.d.Audit.Send(model.AuditEvent{
		CorrelationID: id.New("wf"),
		CaseNumber:    opts.CaseNumber,
		ActorUID:      opts.User.UID,
		EventType:     "export",
		Action:        "review_pdf",
		Status:        "success",
		Source:        "forensicpdf.Generate",
		Detail: map[string]any{
			"pdf":        privacy.MaskPath(pdfPath),
			"pdf_sha256": sum,
			"files":      len(data.Rows),
			"masked":     opts.Masked,
			"warnings":   data.Warnings,
		},
	})
	return out, nil
}

func (g *Generator) collect(ctx context.Context, opts Options, rec *model.CaseRecord) reportData {
	data := reportData{
		Case:        rec,
		Operator:    opts.User.DisplayName,
		Note:        strings.TrimSpace(opts.Note),
		Masked:      opts.Masked,
		Warnings:    []string{},
		GeneratedAt: g.now().UTC(),
	}
	if data.Operator == "" {
		data.Operator = opts.User.UID
	}
	if opts.Masked {
		data.Operator = privacy.MaskName(data.Operator)
	}

	confs := model.ConfirmationMap{}
	if g.d.Confirmations != nil {
		m, err := g.d.Confirmations.ListConfirmations(ctx, opts.User.UID, rec.CaseNumber)
		if err != nil {
			data.Warnings = append(data.Warnings, "list confirmations failed: "+err.Error())
		} else {
			confs = m
		}
	}
	if opts.Masked {
		confs = privacy.MaskConfirmations(confs)
	}

	for _, f := range rec.Files {
		row := fileRow{File: f, OriginalID: f.ID}
		if orig, ok := rec.OriginalIDFor(f.ID); ok {
			row.OriginalID = orig
		}

		if raw, err := g.d.Images.Download(ctx, f.ID); err != nil {
			data.Warnings = append(data.Warnings, fmt.Sprintf("download %s failed: %v", f.OriginalFilename, err))
		} else {
			row.SHA256 = hash.SecureDigest(raw)
		}

		ann, err := g.d.Annotations.Get(ctx, opts.User.UID, rec.CaseNumber, f.ID)
		if err != nil {
			data.Warnings = append(data.Warnings, fmt.Sprintf("annotations for %s: %v", f.OriginalFilename, err))
		} else if ann.HasAnnotations() {
			row.Annotation = ann
		}

		list := confs[row.OriginalID]
		row.ConfirmCount = len(list)
		if c, ok := model.Authoritative(list); ok {
			row.Confirmation = &c
		}
		data.Rows = append(data.Rows, row)
	}

	if g.d.AuditLogs != nil {
		res, err := auditverify.VerifyCase(ctx, g.d.AuditLogs, rec.CaseNumber, 5000)
		if err != nil {
			data.Warnings = append(data.Warnings, "verify audit chain failed: "+err.Error())
		} else {
			data.Audit = &res
		}
	}
	return data
}

func buildPDF(d reportData) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Toolmark Review - Case Review Report", false)

	font, utf8OK := initPDFUnicodeFont(pdf)
	w := &writer{pdf: pdf, font: font, utf8OK: utf8OK}

	pdf.AddPage()
	pdf.SetFont(font, "B", 16)
	pdf.CellFormat(0, 9, "Toolmark Review - Case Review Report", "", 1, "L", false, 0, "")

	pdf.SetFont(font, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, "Generated at: "+fmtTime(d.GeneratedAt), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Operator: "+w.safe(d.Operator), "", 1, "L", false, 0, "")
	if d.Masked {
		pdf.CellFormat(0, 6, "Privacy mode: masked", "", 1, "L", false, 0, "")
	}
	if d.Note != "" {
		pdf.MultiCell(0, 5, "Note: "+w.safe(d.Note), "", "L", false)
	}
	pdf.Ln(2)

	c := d.Case
	w.section("1. Case Overview")
	w.kv("Case Number", c.CaseNumber)
	w.kv("Files", fmt.Sprintf("%d", len(c.Files)))
	w.kv("Created At", fmtTime(c.CreatedAt))
	w.kv("Read Only", fmt.Sprintf("%v", c.IsReadOnly))
	if c.IsReadOnly {
		exporter := c.SourceExporterUID
		w.kv("Source Exporter", exporter)
		if c.SourceExportDate != nil {
			w.kv("Source Export Date", fmtTime(*c.SourceExportDate))
		}
		if c.ImportedAt != nil {
			w.kv("Imported At", fmtTime(*c.ImportedAt))
		}
		w.kv("Manifest Hash", c.SourceManifestHash)
	}
	pdf.Ln(2)

	if len(d.Warnings) > 0 || !utf8OK {
		w.section("Warnings")
		pdf.SetFont(font, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, msg := range d.Warnings {
			pdf.MultiCell(0, 4.5, "- "+w.safe(msg), "", "L", false)
		}
		if !utf8OK {
			pdf.MultiCell(0, 4.5, "- pdf utf8 font not available; non-ascii text may be replaced with '?'", "", "L", false)
		}
		pdf.Ln(2)
	}

	w.section("2. Images")
	rows := append([]fileRow{}, d.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].File.OriginalFilename < rows[j].File.OriginalFilename })
	if len(rows) == 0 {
		w.empty()
	}
	for i, r := range rows {
		pdf.SetFont(font, "B", 11)
		pdf.SetTextColor(20, 20, 20)
		pdf.CellFormat(0, 6, fmt.Sprintf("#%d %s", i+1, w.safe(r.File.OriginalFilename)), "", 1, "L", false, 0, "")
		w.kv("File ID", r.File.ID)
		if r.OriginalID != r.File.ID {
			w.kv("Original ID", r.OriginalID)
		}
		w.kv("SHA-256", r.SHA256)
		if a := r.Annotation; a != nil {
			w.kv("Class", strings.TrimSpace(a.ClassType+" "+a.ClassNote))
			w.kv("Support Level", a.SupportLevel)
			w.kv("Regions", fmt.Sprintf("%d", len(a.BoxAnnotations)))
			if a.AdditionalNotes != "" {
				w.kv("Notes", a.AdditionalNotes)
			}
		} else {
			w.kv("Annotations", "none")
		}
		if cf := r.Confirmation; cf != nil {
			w.kv("Confirmed By", fmt.Sprintf("%s (%s)", cf.FullName, cf.BadgeID))
			w.kv("Confirmer Email", cf.Email)
			w.kv("Confirmation", fmt.Sprintf("%s at %s (%d on record)", cf.ConfirmationID, fmtTime(cf.ConfirmedAt), r.ConfirmCount))
		} else {
			w.kv("Confirmation", "unconfirmed")
		}
		pdf.Ln(1)
	}
	pdf.Ln(2)

	w.section("3. Audit Chain")
	if d.Audit == nil {
		w.empty()
	} else {
		status := "intact"
		if !d.Audit.OK {
			status = fmt.Sprintf("BROKEN (%d failures)", d.Audit.Failed)
		}
		w.kv("Events", fmt.Sprintf("%d", d.Audit.Total))
		w.kv("Status", status)
		w.kv("Last Hash", d.Audit.LastChainHash)
	}

	pdf.Ln(2)
	pdf.SetFont(font, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "This PDF is a presentation artifact. The case package ZIP (FORENSIC_MANIFEST.json) is the integrity record.", "", "L", false)
	return pdf, utf8OK
}

type writer struct {
	pdf    *gofpdf.Fpdf
	font   string
	utf8OK bool
}

func (w *writer) section(title string) {
	w.pdf.SetFont(w.font, "B", 12)
	w.pdf.SetTextColor(0, 0, 0)
	w.pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	w.pdf.SetDrawColor(200, 200, 200)
	w.pdf.Line(w.pdf.GetX(), w.pdf.GetY(), 196, w.pdf.GetY())
	w.pdf.Ln(2)
}

func (w *writer) kv(key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	w.pdf.SetFont(w.font, "B", 10)
	w.pdf.SetTextColor(30, 30, 30)
	w.pdf.CellFormat(38, 5.2, key+":", "", 0, "L", false, 0, "")
	w.pdf.SetFont(w.font, "", 10)
	w.pdf.SetTextColor(20, 20, 20)
	w.pdf.MultiCell(0, 5.2, w.safe(value), "", "L", false)
}

func (w *writer) empty() {
	w.pdf.SetFont(w.font, "", 10)
	w.pdf.SetTextColor(90, 90, 90)
	w.pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

// safe 在没有 UTF-8 字体时把非 ASCII 字符替换为 '?'，保证 PDF 一定能生成。
func (w *writer) safe(s string) string {
	return safeText(s, w.utf8OK)
}

func safeText(s string, utf8OK bool) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// initPDFUnicodeFont 尝试加载 UTF-8 TrueType 字体：
// 先看 TOOLMARK_REVIEW_PDF_FONT，再按平台探测常见系统字体，都失败则回退 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("TOOLMARK_REVIEW_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		// bold 注册失败不致命，清错后仍可用 regular
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}
	return "Helvetica", false
}
