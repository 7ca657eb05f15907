package forensicexport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/app"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/platform/id"
)

const generatorVersion = "forensic-export-2.0.0"

// Request 描述一次案件包导出。
type Request struct {
	User         model.User
	CaseNumber   string
	Format       string // json|csv
	Organization string
}

// Result 是一次导出的摘要输出。
type Result struct {
	CorrelationID string                 `json:"correlation_id"`
	CaseNumber    string                 `json:"case_number"`
	DataFile      string                 `json:"data_file"`
	Manifest      model.ForensicManifest `json:"manifest"`
	Summary       model.ExportSummary    `json:"summary"`
	ReportID      string                 `json:"report_id,omitempty"`
	ZipPath       string                 `json:"zip_path,omitempty"`
	ZipSHA256     string                 `json:"zip_sha256,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	StartedAt     int64                  `json:"started_at"`
	FinishedAt    int64                  `json:"finished_at"`
}

// Export 组装案件包并以 ZIP 写入 w。
//
// 包内：<case>_data.json|csv、images/<原始文件名>、FORENSIC_MANIFEST.json、README.txt。
// 图像下载失败会使导出失败（不允许生成缺证据的包）。
func (b *Builder) Export(ctx context.Context, w io.Writer, req Request) (*Result, error) {
	return b.export(ctx, w, req, id.New("wf"))
}

func (b *Builder) export(ctx context.Context, w io.Writer, req Request, correlationID string) (res *Result, err error) {
	startedAt := b.now()
	logger := b.logger.With("correlation_id", correlationID, "case_number", req.CaseNumber)

	b.audit.Send(model.AuditEvent{
		CorrelationID: correlationID,
		CaseNumber:    req.CaseNumber,
		ActorUID:      req.User.UID,
		EventType:     "export",
		Action:        "case_package",
		Status:        "started",
		Source:        "forensicexport.Export",
	})
	defer func() {
		status, detail := "success", map[string]any{}
		if err != nil {
			status = "failed"
			detail["error"] = err.Error()
			logger.Warn("case package export failed", "error", err)
		} else {
			detail["manifest_hash"] = res.Manifest.ManifestHash
			detail["total_files"] = res.Manifest.TotalFiles
			detail["warnings"] = len(res.Warnings)
			logger.Info("case package exported", "manifest_hash", res.Manifest.ManifestHash, "total_files", res.Manifest.TotalFiles)
		}
		b.audit.Send(model.AuditEvent{
			CorrelationID: correlationID,
			CaseNumber:    req.CaseNumber,
			ActorUID:      req.User.UID,
			EventType:     "export",
			Action:        "case_package",
			Status:        status,
			Source:        "forensicexport.Export",
			Detail:        detail,
		})
	}()

	format, err := NormalizeFormat(req.Format)
	if err != nil {
		return nil, err
	}

	pkg, err := b.BuildCasePackage(ctx, req.User, req.CaseNumber, BuildOptions{Organization: req.Organization})
	if err != nil {
		return nil, err
	}

	images := make(map[string][]byte, len(pkg.Files))
	order := make([]string, 0, len(pkg.Files))
	for _, f := range pkg.Files {
		name := filepath.Base(f.FileData.OriginalFilename)
		if name != f.FileData.OriginalFilename || name == "." || name == "" {
			return nil, errors.Wrapf(model.ErrFormat, "file %s has invalid original filename %q", f.FileData.ID, f.FileData.OriginalFilename)
		}
		if err := archive.ValidImageName(name); err != nil {
			return nil, errors.Wrapf(err, "file %s", f.FileData.ID)
		}
		if _, dup := images[name]; dup {
			return nil, errors.Wrapf(model.ErrFormat, "duplicate image filename %s in case %s", name, pkg.Metadata.CaseNumber)
		}
		data, err := b.images.Download(ctx, f.FileData.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "download image %s", name)
		}
		images[name] = data
		order = append(order, name)
	}

	data, err := Render(pkg, format)
	if err != nil {
		return nil, err
	}
	manifest := BuildManifest(data, images, b.now())
	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal manifest")
	}

	dataFile := archive.DataFileName(pkg.Metadata.CaseNumber, format == FormatCSV)
	err = archive.Write(w, &archive.Package{
		DataFileName: dataFile,
		Data:         AddBanner(data, format, pkg.Metadata.CaseNumber, pkg.Metadata.ExportDate),
		Manifest:     manifestRaw,
		Images:       images,
		ImageOrder:   order,
		Readme:       readme(pkg, manifest, dataFile),
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		CorrelationID: correlationID,
		CaseNumber:    pkg.Metadata.CaseNumber,
		DataFile:      dataFile,
		Manifest:      manifest,
		Summary:       pkg.Summary,
		Warnings:      pkg.Summary.ExportWarnings,
		StartedAt:     startedAt.Unix(),
		FinishedAt:    b.now().Unix(),
	}, nil
}

// ExportToDir 把案件包写到 dir 下并在 reports 表登记（report_type=case_package）。
func (b *Builder) ExportToDir(ctx context.Context, dir string, req Request) (*Result, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = app.DefaultConfig().ExportDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create export dir")
	}

	correlationID := id.New("wf")
	zipName := fmt.Sprintf("%s_case_package_%d.zip", strings.TrimSpace(req.CaseNumber), time.Now().Unix())
	zipPath := filepath.Join(dir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, errors.Wrap(err, "create zip")
	}

	res, err := b.export(ctx, f, req, correlationID)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close zip file")
	}
	if err != nil {
		_ = os.Remove(zipPath)
		return nil, err
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, errors.Wrap(err, "hash zip")
	}
	res.ZipPath = zipPath
	res.ZipSHA256 = zipSum

	if b.reports != nil {
		reportID, err := b.reports.SaveReport(ctx, model.ReportInfo{
			CaseNumber:       res.CaseNumber,
			OwnerUID:         req.User.UID,
			ReportType:       "case_package",
			FilePath:         zipPath,
			SHA256:           zipSum,
			GeneratorVersion: generatorVersion,
		})
		if err != nil {
			return nil, err
		}
		res.ReportID = reportID
	}
	return res, nil
}

func readme(pkg *model.CaseExportPackage, m model.ForensicManifest, dataFile string) []byte {
	lines := []string{
		"Forensic case package",
		"",
		"Case number:   " + pkg.Metadata.CaseNumber,
		"Exported by:   " + strings.TrimSpace(pkg.Metadata.ExportedByName+" "+pkg.Metadata.ExportedByOrganization),
		"Export date:   " + formatTime(pkg.Metadata.ExportDate),
		"Data file:     " + dataFile,
		fmt.Sprintf("Images:        %d (images/)", m.TotalFiles),
		"Manifest hash: " + m.ManifestHash,
		"",
		"Do not edit any file in this package. " + model.ManifestFileName + " binds the data file",
		"and every image by SHA-256; any change makes the package fail verification and import.",
		"CSV data files are for reading only and cannot be imported.",
		"",
		"Generator: " + generatorVersion + " (" + app.Version + ")",
		"",
	}
	return []byte(strings.Join(lines, "\n"))
}
