package forensicpdf

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/testutil"
)

func newGenerator(env *testutil.Env) *Generator {
	g := New(Deps{
		Cases:         env.Store,
		Images:        env.Images,
		Annotations:   env.Annotations,
		Confirmations: env.Store,
		AuditLogs:     env.Store,
		Reports:       env.Store,
		Logger:        env.Logger,
	})
	g.now = func() time.Time { return testutil.Epoch }
	return g
}

func TestGenerateCreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	user := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, user, "24-0001", 2)
	env.Annotate(t, user.UID, "24-0001", rec.Files[0].ID, 2)
	require.NoError(t, env.Store.AppendConfirmation(ctx, user.UID, "24-0001", rec.Files[0].ID, model.ConfirmationRecord{
		FullName:       "Blair Reviewer",
		BadgeID:        "FW-077",
		Email:          "blair@lab.test",
		ConfirmationID: "CONF-20260115-ABCD-EFGH",
		ConfirmedAt:    testutil.Epoch,
	}))
	require.NoError(t, env.Store.AppendAudit(ctx, model.AuditEvent{CorrelationID: "wf_1", CaseNumber: "24-0001", EventType: "export", Action: "export", Status: "success"}))

	out, err := newGenerator(env).Generate(ctx, Options{
		User:       user,
		CaseNumber: "24-0001",
		OutputDir:  t.TempDir(),
		Masked:     true,
		Note:       "peer review copy",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.ReportID)
	require.Equal(t, testutil.Epoch.Unix(), out.GeneratedAt)

	st, err := os.Stat(out.PDFPath)
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(500))

	sum, _, err := hash.File(out.PDFPath)
	require.NoError(t, err)
	require.Equal(t, sum, out.PDFSHA256)

	reports, err := env.Store.ListReportsByCase(ctx, user.UID, "24-0001")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "review_pdf", reports[0].ReportType)
}

func TestGenerateWarnsOnMissingImage(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	user := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, user, "24-0002", 2)
	require.NoError(t, env.Images.Delete(ctx, rec.Files[1].ID))

	out, err := newGenerator(env).Generate(ctx, Options{User: user, CaseNumber: "24-0002", OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.NotEmpty(t, out.Warnings)
	require.Contains(t, out.Warnings[0], "image2.png")
}

func TestGenerateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	user := env.AddUser(t, "examiner-a", "Alex Examiner")
	g := newGenerator(env)

	_, err := g.Generate(ctx, Options{User: user, CaseNumber: "24-0404", OutputDir: t.TempDir()})
	require.True(t, errors.Is(err, model.ErrNotFound))

	_, err = g.Generate(ctx, Options{User: user, CaseNumber: "../x", OutputDir: t.TempDir()})
	require.True(t, errors.Is(err, model.ErrInvalidCaseNumber))

	_, err = g.Generate(ctx, Options{User: user, CaseNumber: "24-0001"})
	require.True(t, errors.Is(err, model.ErrBadParameter))
}

func TestSafeText(t *testing.T) {
	require.Equal(t, "a b", safeText(" a\nb ", true))
	require.Equal(t, "caf?", safeText("café", false))
}
