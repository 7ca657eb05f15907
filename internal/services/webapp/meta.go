package webapp

import (
	"net/http"
	"time"

	"toolmark-review/internal/app"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/privacy"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.rt.Store.GetSchemaMetaValue(r.Context(), "schema_version")
	schemaName, _ := s.rt.Store.GetSchemaMetaValue(r.Context(), "schema_name")

	dbPath := s.rt.Config.DBPath
	if s.masked {
		dbPath = privacy.MaskPath(dbPath)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"schema_name":    schemaName,
			"path":           dbPath,
		},
		"formats": map[string]any{
			"export_schema":        model.ExportSchemaVersion,
			"manifest_version":     model.ManifestVersion,
			"confirmation_version": model.ConfirmationDocVersion,
			"case_record_version":  model.CaseSchemaVersion,
			"annotation_version":   model.AnnotationSchemaVersion,
		},
		"privacy_mode":  s.rt.Config.PrivacyMode,
		"audit_dropped": s.rt.Audit.Dropped(),
	})
}
