package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/domain/model"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestMigratorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewMigrator(db).Up(ctx))

	s := NewStore(db)
	v, err := s.GetSchemaMetaValue(ctx, "schema_name")
	require.NoError(t, err)
	require.Equal(t, "toolmark_review", v)
}

func TestUserAndProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, u)

	require.NoError(t, s.PutUser(ctx, model.User{UID: "u1", Email: "a@lab.test", DisplayName: "A. Examiner"}))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "A. Examiner", u.DisplayName)

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, p.ReadOnlyCases)

	p.ReadOnlyCases = append(p.ReadOnlyCases, model.ReadOnlyCaseDescriptor{CaseNumber: "24-0001"})
	require.NoError(t, s.PutProfile(ctx, p))

	// 再次 PutUser 不覆盖档案
	require.NoError(t, s.PutUser(ctx, model.User{UID: "u1", Email: "a@lab.test", DisplayName: "A. Examiner II"}))
	p, err = s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, p.HasReadOnlyCase("24-0001"))

	err = s.PutProfile(ctx, &model.Profile{UID: "ghost"})
	require.True(t, errors.Is(err, model.ErrNotFound))
}

func TestCaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &model.CaseRecord{
		CaseNumber:       "24-0001",
		Files:            []model.FileRecord{{ID: "new-1", OriginalFilename: "a.png"}},
		IsReadOnly:       true,
		OriginalImageIDs: map[string]string{"orig-1": "new-1"},
	}
	require.NoError(t, s.PutCase(ctx, "u1", rec))

	got, err := s.GetCase(ctx, "u1", "24-0001")
	require.NoError(t, err)
	require.True(t, got.IsReadOnly)
	require.Equal(t, "new-1", got.CurrentIDFor("orig-1"))

	list, err := s.ListCases(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsReadOnly)

	require.NoError(t, s.DeleteCase(ctx, "u1", "24-0001"))
	got, err = s.GetCase(ctx, "u1", "24-0001")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestConfirmationsAppendInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, cid := range []string{"CONF-1", "CONF-2"} {
		require.NoError(t, s.AppendConfirmation(ctx, "u1", "24-0001", "orig-1", model.ConfirmationRecord{
			ConfirmationID: cid,
			ConfirmedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendConfirmation(ctx, "u1", "24-0001", "orig-2", model.ConfirmationRecord{ConfirmationID: "CONF-3", ConfirmedAt: base}))

	m, err := s.ListConfirmations(ctx, "u1", "24-0001")
	require.NoError(t, err)
	require.Len(t, m, 2)
	require.Equal(t, "CONF-1", m["orig-1"][0].ConfirmationID)
	require.Equal(t, "CONF-2", m["orig-1"][1].ConfirmationID)

	require.NoError(t, s.DeleteConfirmations(ctx, "u1", "24-0001"))
	m, err = s.ListConfirmations(ctx, "u1", "24-0001")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestAppendAuditChains(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendAudit(ctx, model.AuditEvent{CorrelationID: "wf_1", CaseNumber: "24-0001", EventType: "import", Action: "start", Status: "started"}))
	require.NoError(t, s.AppendAudit(ctx, model.AuditEvent{CorrelationID: "wf_1", CaseNumber: "24-0001", EventType: "import", Action: "finish", Status: "success", Detail: map[string]any{"files": 3}}))

	logs, err := s.ListAuditLogs(ctx, "24-0001", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Empty(t, logs[0].ChainPrevHash)
	require.Equal(t, logs[0].ChainHash, logs[1].ChainPrevHash)
	require.Equal(t, logs[1].ChainHashWith(logs[1].ChainPrevHash, string(logs[1].DetailJSON)), logs[1].ChainHash)
}

func TestSaveReport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rid, err := s.SaveReport(ctx, model.ReportInfo{CaseNumber: "24-0001", OwnerUID: "u1", ReportType: "case_package", FilePath: "x.zip", SHA256: "abc", GeneratorVersion: "v"})
	require.NoError(t, err)
	require.NotEmpty(t, rid)

	list, err := s.ListReportsByCase(ctx, "u1", "24-0001")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "ready", list[0].Status)
}
