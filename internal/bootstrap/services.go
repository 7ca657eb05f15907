// Package bootstrap 基于 app.Runtime 装配各业务服务，供 CLI 与 webapp 共用。
package bootstrap

import (
	"toolmark-review/internal/app"
	"toolmark-review/internal/services/caseimport"
	"toolmark-review/internal/services/caseview"
	"toolmark-review/internal/services/confirmation"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/services/forensicpdf"
)

// Services 是一次进程内的服务集合，全部共享同一个 Runtime。
type Services struct {
	Exporter     *forensicexport.Builder
	Importer     *caseimport.Orchestrator
	Ledger       *confirmation.Ledger
	ConfExporter *confirmation.Exporter
	ConfImporter *confirmation.Importer
	PDF          *forensicpdf.Generator
	Views        *caseview.Service
}

func New(rt *app.Runtime) *Services {
	confDeps := confirmation.Deps{
		Cases:         rt.Store,
		Annotations:   rt.Annotations,
		Users:         rt.Store,
		Confirmations: rt.Store,
		Reports:       rt.Store,
		Audit:         rt.Audit,
		Logger:        rt.Logger,
	}
	return &Services{
		Exporter: forensicexport.NewBuilder(forensicexport.Deps{
			Cases:         rt.Store,
			Annotations:   rt.Annotations,
			Images:        rt.Images,
			Confirmations: rt.Store,
			Reports:       rt.Store,
			Audit:         rt.Audit,
			Logger:        rt.Logger,
		}),
		Importer: caseimport.New(caseimport.Deps{
			Images:            rt.Images,
			Annotations:       rt.Annotations,
			Cases:             rt.Store,
			Users:             rt.Store,
			Profiles:          rt.Store,
			Confirmations:     rt.Store,
			Audit:             rt.Audit,
			Logger:            rt.Logger,
			UploadConcurrency: rt.Config.UploadConcurrency,
		}),
		Ledger:       confirmation.NewLedger(confDeps),
		ConfExporter: confirmation.NewExporter(confDeps),
		ConfImporter: confirmation.NewImporter(confDeps),
		PDF: forensicpdf.New(forensicpdf.Deps{
			Cases:         rt.Store,
			Images:        rt.Images,
			Annotations:   rt.Annotations,
			Confirmations: rt.Store,
			AuditLogs:     rt.Store,
			Reports:       rt.Store,
			Audit:         rt.Audit,
			Logger:        rt.Logger,
		}),
		Views: caseview.New(rt.Store, rt.Annotations),
	}
}
