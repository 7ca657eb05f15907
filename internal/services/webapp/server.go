package webapp

import (
	"log/slog"
	"net/http"

	"toolmark-review/internal/app"
	"toolmark-review/internal/bootstrap"
	"toolmark-review/internal/services/caseimport"
	"toolmark-review/internal/services/caseview"
	"toolmark-review/internal/services/confirmation"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/services/forensicpdf"
	"toolmark-review/internal/services/privacy"
)

// Server 持有 API 处理所需的服务对象。
type Server struct {
	rt     *app.Runtime
	logger *slog.Logger

	exporter      *forensicexport.Builder
	importer      *caseimport.Orchestrator
	ledger        *confirmation.Ledger
	confExporter  *confirmation.Exporter
	confImporter  *confirmation.Importer
	pdf           *forensicpdf.Generator
	views         *caseview.Service
	masked        bool
	maxUploadSize int64

	jobs *jobManager
}

// NewServer 基于运行时装配全部服务。
func NewServer(rt *app.Runtime) *Server {
	svc := bootstrap.New(rt)
	return &Server{
		rt:            rt,
		logger:        rt.Logger.With("component", "webapp"),
		exporter:      svc.Exporter,
		importer:      svc.Importer,
		ledger:        svc.Ledger,
		confExporter:  svc.ConfExporter,
		confImporter:  svc.ConfImporter,
		pdf:           svc.PDF,
		views:         svc.Views,
		masked:        privacy.Enabled(rt.Config.PrivacyMode),
		maxUploadSize: 1 << 30,
		jobs:          newJobManager(),
	}
}

// Handler 返回注册好全部路由的 mux。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/cases", s.withExaminer(s.handleCases))
	mux.HandleFunc("/api/cases/", s.withExaminer(s.handleCaseRoutes))
	mux.HandleFunc("/api/packages/verify", s.handlePackageVerify)
	mux.HandleFunc("/api/imports", s.withExaminer(s.handleImportJob))
	mux.HandleFunc("/api/confirmations/import", s.withExaminer(s.handleConfirmationImport))
	mux.HandleFunc("/api/jobs/", s.withExaminer(s.handleJobRoutes))
	return mux
}
