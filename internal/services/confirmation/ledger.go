// Package confirmation 实现确认台账以及确认文档的导出/导入。
//
// 确认一律以“原始图像 ID”为键保存，这样无论案件被导入多少次都能寻址到同一张图像。
package confirmation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/platform/id"
)

// Deps 是确认相关服务共用的协作者。Reports/Audit 可为空。
type Deps struct {
	Cases         storage.CaseStore
	Annotations   storage.AnnotationStore
	Users         storage.UserDirectory
	Confirmations storage.ConfirmationStore
	Reports       ReportRegistry
	Audit         storage.AuditSink
	Logger        *slog.Logger
}

// ReportRegistry 登记确认导出文件（sqlite.Store 实现）。
type ReportRegistry interface {
	SaveReport(ctx context.Context, info model.ReportInfo) (string, error)
}

func (d *Deps) defaults() {
	if d.Audit == nil {
		d.Audit = storage.NopAudit{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Ledger 是案件的确认台账：原始图像 ID -> 按追加顺序排列的确认记录。
type Ledger struct {
	d   Deps
	now func() time.Time
}

func NewLedger(d Deps) *Ledger {
	d.defaults()
	return &Ledger{d: d, now: time.Now}
}

// StoreInput 是复核检验员提交确认时填写的身份信息；空字段取自用户档案。
type StoreInput struct {
	FullName     string
	BadgeID      string
	Email        string
	Organization string
}

// Store 为只读复核案件中的一张图像（当前 blob ID）追加一条确认。
//
// 要求案件记录能把当前 ID 反查为原始 ID；确认人不能是案件的原检验员；
// 确认时间不能早于该图像标注在存储层的最后修改时间。
func (l *Ledger) Store(ctx context.Context, user model.User, caseNumber, currentImageID string, in StoreInput) (model.ConfirmationRecord, error) {
	rec, err := l.d.Cases.GetCase(ctx, user.UID, caseNumber)
	if err != nil {
		return model.ConfirmationRecord{}, err
	}
	if rec == nil {
		return model.ConfirmationRecord{}, errors.Wrapf(model.ErrNotFound, "case %s", caseNumber)
	}
	if !rec.IsReadOnly {
		return model.ConfirmationRecord{}, errors.Wrapf(model.ErrSelfConfirmation, "case %s is your own case", caseNumber)
	}
	if rec.SourceExporterUID == user.UID {
		return model.ConfirmationRecord{}, errors.Wrapf(model.ErrSelfConfirmation, "case %s was exported by you", caseNumber)
	}
	if _, ok := rec.FileByID(currentImageID); !ok {
		return model.ConfirmationRecord{}, errors.Wrapf(model.ErrNotFound, "image %s in case %s", currentImageID, caseNumber)
	}
	originalID, ok := rec.OriginalIDFor(currentImageID)
	if !ok {
		return model.ConfirmationRecord{}, errors.Wrapf(model.ErrConflict, "image %s has no original id mapping", currentImageID)
	}

	now := l.now().UTC()
	lastMod, err := l.d.Annotations.LastModified(ctx, user.UID, caseNumber, currentImageID)
	switch {
	case err == nil:
		if now.Before(lastMod) {
			return model.ConfirmationRecord{}, errors.Wrapf(model.ErrStaleConfirmation, "annotation modified at %s", lastMod.Format(time.RFC3339))
		}
	case errors.Is(err, model.ErrNotFound):
	default:
		return model.ConfirmationRecord{}, err
	}

	conf := model.ConfirmationRecord{
		FullName:       firstNonEmpty(in.FullName, user.DisplayName),
		BadgeID:        firstNonEmpty(in.BadgeID, user.BadgeID),
		Email:          firstNonEmpty(in.Email, user.Email),
		Organization:   firstNonEmpty(in.Organization, user.Organization),
		ConfirmedByUID: user.UID,
		ConfirmationID: id.Confirmation(now),
		Timestamp:      now.Format("January 2, 2006 at 15:04 MST"),
		ConfirmedAt:    now,
	}
	if err := model.Validate(&conf); err != nil {
		return model.ConfirmationRecord{}, err
	}
	if err := l.d.Confirmations.AppendConfirmation(ctx, user.UID, caseNumber, originalID, conf); err != nil {
		return model.ConfirmationRecord{}, err
	}

	l.d.Logger.Info("confirmation stored",
		"case_number", caseNumber,
		"original_image_id", originalID,
		"confirmation_id", conf.ConfirmationID,
	)
	l.d.Audit.Send(model.AuditEvent{
		CorrelationID: id.New("wf"),
		CaseNumber:    caseNumber,
		ActorUID:      user.UID,
		EventType:     "confirmation",
		Action:        "store",
		Status:        "success",
		Source:        "confirmation.Ledger.Store",
		Detail: map[string]any{
			"confirmation_id":   conf.ConfirmationID,
			"original_image_id": originalID,
		},
	})
	return conf, nil
}

// Read 返回案件的完整确认台账。
func (l *Ledger) Read(ctx context.Context, user model.User, caseNumber string) (model.ConfirmationMap, error) {
	return l.d.Confirmations.ListConfirmations(ctx, user.UID, caseNumber)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
