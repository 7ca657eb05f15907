package caseview

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/testutil"
)

func TestGetCaseView(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	user := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, user, "24-0001", 3)
	env.Annotate(t, user.UID, "24-0001", rec.Files[1].ID, 2)

	for i, cid := range []string{"CONF-OLD", "CONF-NEW"} {
		require.NoError(t, env.Store.AppendConfirmation(ctx, user.UID, "24-0001", rec.Files[1].ID, model.ConfirmationRecord{
			FullName:       "Blair Reviewer",
			BadgeID:        "FW-077",
			Email:          "blair@lab.test",
			ConfirmationID: cid,
			ConfirmedAt:    testutil.Epoch.Add(time.Duration(i) * time.Hour),
		}))
	}

	svc := New(env.Store, env.Annotations)
	view, err := svc.Get(ctx, user.UID, "24-0001", false)
	require.NoError(t, err)
	require.False(t, view.IsReadOnly)
	require.Len(t, view.Files, 3)
	require.Equal(t, "image2.png", view.Files[1].OriginalFilename)
	require.True(t, view.Files[1].HasAnnotations)
	require.Equal(t, 2, view.Files[1].BoxAnnotations)
	require.Equal(t, 2, view.Files[1].Confirmations)
	require.Equal(t, "CONF-NEW", view.Files[1].Authoritative.ConfirmationID)
	require.False(t, view.Files[0].HasAnnotations)

	masked, err := svc.Get(ctx, user.UID, "24-0001", true)
	require.NoError(t, err)
	require.Equal(t, "B. R.", masked.Files[1].Authoritative.FullName)

	_, err = svc.Get(ctx, user.UID, "24-9999", false)
	require.True(t, errors.Is(err, model.ErrNotFound))

	list, err := svc.ListCases(ctx, user.UID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGetReport(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"metadata":{}}`), 0o644))
	rid, err := env.Store.SaveReport(ctx, model.ReportInfo{CaseNumber: "24-0001", OwnerUID: "u1", ReportType: "confirmation_export", FilePath: path, SHA256: "x", GeneratorVersion: "v"})
	require.NoError(t, err)

	svc := New(env.Store, env.Annotations)
	rv, err := svc.GetReport(ctx, "u1", "24-0001", "", true)
	require.NoError(t, err)
	require.Equal(t, rid, rv.Report.ReportID)
	require.Equal(t, `{"metadata":{}}`, rv.Content)

	_, err = svc.GetReport(ctx, "u1", "24-0001", "nope", false)
	require.True(t, errors.Is(err, model.ErrNotFound))
}
