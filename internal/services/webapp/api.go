package webapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/auditverify"
	"toolmark-review/internal/services/confirmation"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/services/forensicpdf"
	"toolmark-review/internal/services/importverify"
	"toolmark-review/internal/services/privacy"
)

// ExaminerHeader 由上游鉴权代理注入。
const ExaminerHeader = "X-Examiner-Uid"

type examinerHandler func(w http.ResponseWriter, r *http.Request, user model.User)

// withExaminer 解析请求头中的检验员身份；缺失返回 401，未注册返回 403。
func (s *Server) withExaminer(next examinerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(ExaminerHeader))
		if uid == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", ExaminerHeader))
			return
		}
		user, err := s.rt.Store.GetUser(r.Context(), uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if user == nil {
			writeError(w, http.StatusForbidden, fmt.Errorf("unknown examiner: %s", uid))
			return
		}
		next(w, r, *user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request, user model.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.views.ListCases(r.Context(), user.UID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
}

// handleCaseRoutes 分派 /api/cases/{case}/{action}/...
func (s *Server) handleCaseRoutes(w http.ResponseWriter, r *http.Request, user model.User) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cases/"), "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	caseNumber := parts[0]
	if err := model.ValidateCaseNumber(caseNumber); err != nil {
		writeServiceError(w, err)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	tail := []string{}
	if len(parts) > 2 {
		tail = parts[2:]
	}

	switch action {
	case "":
		s.handleCaseView(w, r, user, caseNumber)
	case "audits":
		s.handleCaseAudits(w, r, caseNumber)
	case "reports":
		s.handleCaseReports(w, r, user, caseNumber, tail)
	case "exports":
		s.handleCaseExports(w, r, user, caseNumber, tail)
	case "confirmations":
		s.handleCaseConfirmations(w, r, user, caseNumber, tail)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCaseView(w http.ResponseWriter, r *http.Request, user model.User, caseNumber string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view, err := s.views.Get(r.Context(), user.UID, caseNumber, s.masked)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCaseAudits 返回审计日志与链校验结果。
func (s *Server) handleCaseAudits(w http.ResponseWriter, r *http.Request, caseNumber string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 500)
	logs, err := s.rt.Store.ListAuditLogs(r.Context(), caseNumber, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audits": logs,
		"verify": auditverify.VerifyAuditLogs(logs),
	})
}

// handleCaseReports:
//
//	GET /api/cases/{case}/reports
//	GET /api/cases/{case}/reports/{id}?content=true
//	GET /api/cases/{case}/reports/{id}/download
func (s *Server) handleCaseReports(w http.ResponseWriter, r *http.Request, user model.User, caseNumber string, tail []string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(tail) == 0 {
		view, err := s.views.Get(r.Context(), user.UID, caseNumber, s.masked)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": view.Reports})
		return
	}

	reportID := tail[0]
	download := len(tail) > 1 && tail[1] == "download"
	includeContent := !download && parseBool(r.URL.Query().Get("content"), false)
	rv, err := s.views.GetReport(r.Context(), user.UID, caseNumber, reportID, includeContent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if download {
		serveFile(w, r, rv.Report.FilePath, "report_"+reportID)
		return
	}
	if s.masked {
		rv.Report.FilePath = privacy.MaskPath(rv.Report.FilePath)
	}
	writeJSON(w, http.StatusOK, rv)
}

// handleCaseExports:
//
//	POST /api/cases/{case}/exports/package?format=json|csv  写入导出目录并登记
//	GET  /api/cases/{case}/exports/package?format=json|csv  直接下载 ZIP
//	POST /api/cases/{case}/exports/pdf
func (s *Server) handleCaseExports(w http.ResponseWriter, r *http.Request, user model.User, caseNumber string, tail []string) {
	if len(tail) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch tail[0] {
	case "package":
		req := forensicexport.Request{
			User:         user,
			CaseNumber:   caseNumber,
			Format:       r.URL.Query().Get("format"),
			Organization: s.rt.Config.Organization,
		}
		switch r.Method {
		case http.MethodGet:
			if _, err := forensicexport.NormalizeFormat(req.Format); err != nil {
				writeServiceError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", caseNumber+"_case_package.zip"))
			cw := &countingWriter{w: w}
			if _, err := s.exporter.Export(r.Context(), cw, req); err != nil {
				if cw.n == 0 {
					w.Header().Del("Content-Disposition")
					writeServiceError(w, err)
					return
				}
				// 已开始输出 ZIP，只能记录日志。
				s.logger.Error("stream case package failed", "case_number", caseNumber, "error", err)
			}
		case http.MethodPost:
			res, err := s.exporter.ExportToDir(r.Context(), s.rt.Config.ExportDir, req)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if s.masked {
				res.ZipPath = privacy.MaskPath(res.ZipPath)
			}
			writeJSON(w, http.StatusOK, res)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "pdf":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Note string `json:"note,omitempty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		res, err := s.pdf.Generate(r.Context(), forensicpdf.Options{
			User:       user,
			CaseNumber: caseNumber,
			OutputDir:  s.rt.Config.ExportDir,
			Masked:     s.masked,
			Note:       body.Note,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if s.masked {
			res.PDFPath = privacy.MaskPath(res.PDFPath)
		}
		writeJSON(w, http.StatusOK, res)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type storeConfirmationRequest struct {
	ImageID      string `json:"image_id"`
	FullName     string `json:"full_name,omitempty"`
	BadgeID      string `json:"badge_id,omitempty"`
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// handleCaseConfirmations:
//
//	GET  /api/cases/{case}/confirmations         读取台账
//	POST /api/cases/{case}/confirmations         追加一条确认
//	GET  /api/cases/{case}/confirmations/export  下载确认文档
func (s *Server) handleCaseConfirmations(w http.ResponseWriter, r *http.Request, user model.User, caseNumber string, tail []string) {
	if len(tail) == 1 && tail[0] == "export" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		doc, raw, err := s.confExporter.Export(r.Context(), user, caseNumber)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		name := fmt.Sprintf("%s_confirmations_%d.json", caseNumber, doc.Metadata.ExportDate.Unix())
		serveBytes(w, name, "application/json; charset=utf-8", raw)
		return
	}
	if len(tail) != 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m, err := s.ledger.Read(r.Context(), user, caseNumber)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if s.masked {
			m = privacy.MaskConfirmations(m)
		}
		writeJSON(w, http.StatusOK, map[string]any{"confirmations": m})
	case http.MethodPost:
		var req storeConfirmationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if strings.TrimSpace(req.ImageID) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("image_id is required"))
			return
		}
		conf, err := s.ledger.Store(r.Context(), user, caseNumber, req.ImageID, confirmation.StoreInput{
			FullName:     req.FullName,
			BadgeID:      req.BadgeID,
			Email:        req.Email,
			Organization: req.Organization,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conf)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConfirmationImport 的请求体是确认文档原文；结果为结构化 ConfirmationImportResult。
func (s *Server) handleConfirmationImport(w http.ResponseWriter, r *http.Request, user model.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read document: %w", err))
		return
	}
	res := s.confImporter.Import(r.Context(), user, raw)
	status := http.StatusOK
	if !res.Success && res.ConfirmationsImported == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// handlePackageVerify 只做解包与完整性校验，不写入任何存储。
func (s *Server) handlePackageVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read package: %w", err))
		return
	}
	pkg, err := archive.ReadBytes(raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, manifest := importverify.VerifyPackage(pkg)
	writeJSON(w, http.StatusOK, map[string]any{
		"data_file":    pkg.DataFileName,
		"images":       len(pkg.Images),
		"manifest":     manifest,
		"validation":   res,
		"extra_images": importverify.ExtraImages(pkg.Images, manifest),
	})
}

// --- helpers ---

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

// writeServiceError 按错误分类映射 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrBadParameter), errors.Is(err, model.ErrFormat):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrIntegrity):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  model.ErrorKind(err),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
