// Package caseimport 把案件包导入为当前检验员名下的只读复核案件。
//
// 流程为线性状态机：
//
//	ParsePackage → ValidateIntegrity → ResolveConflicts → UploadBlobs →
//	WriteCaseRecord → ImportAnnotations → RegisterForUser → Done
//
// 任一步失败都转入 Rollback：按追加式动作日志执行逆操作后返回失败结果。
// Import 永远返回 model.ImportResult，不向调用方抛出 error。
package caseimport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/platform/id"
)

type Step string

const (
	StepStart             Step = "Start"
	StepParsePackage      Step = "ParsePackage"
	StepValidateIntegrity Step = "ValidateIntegrity"
	StepResolveConflicts  Step = "ResolveConflicts"
	StepUploadBlobs       Step = "UploadBlobs"
	StepWriteCaseRecord   Step = "WriteCaseRecord"
	StepImportAnnotations Step = "ImportAnnotations"
	StepRegisterForUser   Step = "RegisterForUser"
	StepRollback          Step = "Rollback"
	StepDone              Step = "Done"
	StepFailed            Step = "Failed"
)

const defaultUploadConcurrency = 4

// Deps 是导入依赖的存储协作者。Confirmations 用于覆盖导入时清理旧确认，可为空。
type Deps struct {
	Images        storage.ImageStore
	Annotations   storage.AnnotationStore
	Cases         storage.CaseStore
	Users         storage.UserDirectory
	Profiles      storage.ProfileStore
	Confirmations storage.ConfirmationStore
	Audit         storage.AuditSink
	Logger        *slog.Logger

	UploadConcurrency int
}

type Orchestrator struct {
	images        storage.ImageStore
	annotations   storage.AnnotationStore
	cases         storage.CaseStore
	users         storage.UserDirectory
	profiles      storage.ProfileStore
	confirmations storage.ConfirmationStore
	audit         storage.AuditSink
	logger        *slog.Logger
	concurrency   int
	now           func() time.Time
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		images:        d.Images,
		annotations:   d.Annotations,
		cases:         d.Cases,
		users:         d.Users,
		profiles:      d.Profiles,
		confirmations: d.Confirmations,
		audit:         d.Audit,
		logger:        d.Logger,
		concurrency:   d.UploadConcurrency,
		now:           time.Now,
	}
	if o.audit == nil {
		o.audit = storage.NopAudit{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.concurrency <= 0 {
		o.concurrency = defaultUploadConcurrency
	}
	return o
}

// Request 描述一次导入。
type Request struct {
	User model.User
	// Archive 是完整的 ZIP 字节。
	Archive []byte
	// OverwriteExisting 允许覆盖同编号的只读案件。
	OverwriteExisting bool
	// OnStep 在每一步开始时回调（可为空），用于后台任务展示进度。
	OnStep func(step Step)
	// CorrelationID 为空时自动生成。
	CorrelationID string
}

// run 持有一次导入尝试的全部状态，导入结束即丢弃，从不持久化。
type run struct {
	o       *Orchestrator
	req     Request
	logger  *slog.Logger
	result  *model.ImportResult
	actions actionLog

	pkg      *archive.Package
	doc      *model.CaseExportPackage
	manifest *model.ForensicManifest

	importedAt time.Time
	// uploads: 原始文件名 -> 新 blob ID；mapping: 原始 blob ID -> 新 blob ID。
	uploads map[string]string
	mapping map[string]string
	files   []model.FileRecord
}

// Import 执行完整导入流程。
func (o *Orchestrator) Import(ctx context.Context, req Request) model.ImportResult {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = id.New("wf")
	}
	r := &run{
		o:       o,
		req:     req,
		logger:  o.logger.With("correlation_id", correlationID, "actor_uid", req.User.UID),
		result:  &model.ImportResult{CorrelationID: correlationID, Errors: []model.ResultEntry{}, Warnings: []model.ResultEntry{}},
		uploads: map[string]string{},
		mapping: map[string]string{},
	}
	r.importedAt = o.now().UTC()
	r.enter(StepStart)
	r.event("import", "case_package", "started", nil)

	steps := []struct {
		step Step
		fn   func(ctx context.Context) error
	}{
		{StepParsePackage, r.parsePackage},
		{StepValidateIntegrity, r.validateIntegrity},
		{StepResolveConflicts, r.resolveConflicts},
		{StepUploadBlobs, r.uploadBlobs},
		{StepWriteCaseRecord, r.writeCaseRecord},
		{StepImportAnnotations, r.importAnnotations},
		{StepRegisterForUser, r.registerForUser},
	}
	for _, s := range steps {
		r.enter(s.step)
		if err := s.fn(ctx); err != nil {
			r.fail(ctx, s.step, err)
			return *r.result
		}
	}

	r.result.Success = true
	r.enter(StepDone)
	r.logger.Info("case package imported",
		"files", r.result.FilesImported,
		"annotations", r.result.AnnotationsImported,
		"warnings", len(r.result.Warnings),
	)
	r.event("import", "case_package", "success", map[string]any{
		"files_imported":       r.result.FilesImported,
		"annotations_imported": r.result.AnnotationsImported,
		"warnings":             len(r.result.Warnings),
		"manifest_hash":        r.manifest.ManifestHash,
	})
	return *r.result
}

func (r *run) enter(step Step) {
	r.logger.Debug("import step", "step", string(step))
	if r.req.OnStep != nil {
		r.req.OnStep(step)
	}
}

// fail 记录阻断性错误，并在已有写操作时执行回滚；回滚失败只作为警告。
func (r *run) fail(ctx context.Context, step Step, err error) {
	r.result.Success = false
	r.result.FailedStep = string(step)
	r.result.Errors = append(r.result.Errors, model.ResultEntry{
		Kind:    model.ErrorKind(err),
		Step:    string(step),
		Message: err.Error(),
	})
	r.logger.Warn("case package import failed", "step", string(step), "error", err)
	r.event("import", string(step), "failed", map[string]any{"error": err.Error(), "kind": model.ErrorKind(err)})

	if n := r.actions.len(); n > 0 {
		r.enter(StepRollback)
		failures := r.actions.rollback(ctx)
		for _, ferr := range failures {
			r.warn(StepRollback, "rollback", ferr.Error())
		}
		status := "success"
		if len(failures) > 0 {
			status = "warning"
		}
		r.logger.Warn("import rolled back", "actions", n, "rollback_failures", len(failures))
		r.event("rollback", "case_package", status, map[string]any{"actions": n, "failures": len(failures)})
	}
	r.enter(StepFailed)
}

func (r *run) warn(step Step, kind, msg string) {
	r.result.Warnings = append(r.result.Warnings, model.ResultEntry{Kind: kind, Step: string(step), Message: msg})
}

func (r *run) event(eventType, action, status string, detail map[string]any) {
	r.o.audit.Send(model.AuditEvent{
		CorrelationID: r.result.CorrelationID,
		CaseNumber:    r.result.CaseNumber,
		ActorUID:      r.req.User.UID,
		EventType:     eventType,
		Action:        action,
		Status:        status,
		Source:        "caseimport.Import",
		Detail:        detail,
	})
}

func (r *run) warnf(step Step, kind, format string, args ...any) {
	r.warn(step, kind, fmt.Sprintf(format, args...))
}
