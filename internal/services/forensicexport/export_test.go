package forensicexport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/testutil"
)

func newBuilder(env *testutil.Env) *Builder {
	return NewBuilder(Deps{
		Cases:         env.Store,
		Annotations:   env.Annotations,
		Images:        env.Images,
		Confirmations: env.Store,
		Reports:       env.Store,
		Logger:        env.Logger,
	})
}

func TestExportScenarioThreeImages(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, owner, "24-0001", 3)
	env.Annotate(t, owner.UID, "24-0001", rec.Files[0].ID, 2)

	var buf bytes.Buffer
	res, err := newBuilder(env).Export(context.Background(), &buf, Request{User: owner, CaseNumber: "24-0001"})
	require.NoError(t, err)

	require.Len(t, res.Manifest.ImageHashes, 3)
	require.Equal(t, 3, res.Manifest.TotalFiles)
	require.Equal(t, 2, res.Summary.TotalBoxAnnotations)
	require.Equal(t, 1, res.Summary.FilesWithAnnotations)
	require.Equal(t, 2, res.Summary.FilesWithoutAnnotations)
	require.Equal(t, 1, res.Summary.ConfirmationsRequested)
	require.NotNil(t, res.Summary.EarliestAnnotation)
	require.True(t, res.Summary.LatestAnnotation.After(*res.Summary.EarliestAnnotation))

	pkg, err := archive.ReadBytes(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "24-0001_data.json", pkg.DataFileName)
	require.True(t, bytes.HasPrefix(pkg.Data, []byte(JSONBannerOpen)))
	require.NotNil(t, pkg.Manifest)
	require.Len(t, pkg.Images, 3)
	require.Contains(t, string(pkg.Readme), res.Manifest.ManifestHash)

	// 哈希覆盖的是横幅之后的数据
	end := bytes.Index(pkg.Data, []byte("*/\n"))
	require.Positive(t, end)
	body := pkg.Data[end+3:]
	require.Equal(t, res.Manifest.DataHash, hash.SecureDigest(body))

	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(pkg.Manifest, &m))
	require.Equal(t, res.Manifest.ManifestHash, m.ManifestHash)
	require.Equal(t, ManifestHash(m.DataHash, m.ImageHashes), m.ManifestHash)

	doc, err := model.DecodeExportPackage(body)
	require.NoError(t, err)
	require.Equal(t, "examiner-a", doc.Metadata.ExportedByUID)
	require.Equal(t, "State Crime Lab", doc.Metadata.ExportedByOrganization)
	require.True(t, doc.Files[0].HasAnnotations)
	require.False(t, doc.Files[1].HasAnnotations)
}

func TestExportIsDeterministicForSameClock(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	env.SeedCase(t, owner, "24-0002", 2)

	b := newBuilder(env)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	var one, two bytes.Buffer
	r1, err := b.Export(context.Background(), &one, Request{User: owner, CaseNumber: "24-0002"})
	require.NoError(t, err)
	r2, err := b.Export(context.Background(), &two, Request{User: owner, CaseNumber: "24-0002"})
	require.NoError(t, err)
	require.Equal(t, r1.Manifest.ManifestHash, r2.Manifest.ManifestHash)
	require.Equal(t, r1.Manifest.DataHash, r2.Manifest.DataHash)
}

type flakyAnnotations struct {
	storage.AnnotationStore
	failFor string
}

func (f flakyAnnotations) Get(ctx context.Context, owner, caseNumber, fileID string) (*model.AnnotationRecord, error) {
	if fileID == f.failFor {
		return nil, errors.New("backend timeout")
	}
	return f.AnnotationStore.Get(ctx, owner, caseNumber, fileID)
}

func TestBuildCasePackageAnnotationFailureIsSoft(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, owner, "24-0003", 2)
	env.Annotate(t, owner.UID, "24-0003", rec.Files[0].ID, 1)

	b := NewBuilder(Deps{
		Cases:       env.Store,
		Annotations: flakyAnnotations{AnnotationStore: env.Annotations, failFor: rec.Files[0].ID},
		Images:      env.Images,
		Logger:      env.Logger,
	})
	pkg, err := b.BuildCasePackage(context.Background(), owner, "24-0003", BuildOptions{})
	require.NoError(t, err)
	require.False(t, pkg.Files[0].HasAnnotations)
	require.Nil(t, pkg.Files[0].Annotations)
	require.Len(t, pkg.Summary.ExportWarnings, 1)
	require.Equal(t, 0, pkg.Summary.TotalBoxAnnotations)
}

func TestBuildCasePackageFailures(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	env.SeedCase(t, owner, "24-0004", 0)
	b := newBuilder(env)
	ctx := context.Background()

	_, err := b.BuildCasePackage(ctx, owner, "../etc", BuildOptions{})
	require.True(t, errors.Is(err, model.ErrInvalidCaseNumber))

	_, err = b.BuildCasePackage(ctx, owner, "24-9999", BuildOptions{})
	require.True(t, errors.Is(err, model.ErrNotFound))

	_, err = b.BuildCasePackage(ctx, owner, "24-0004", BuildOptions{})
	require.True(t, errors.Is(err, model.ErrBadParameter))
}

func TestExportRejectsReadOnlyCase(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	require.NoError(t, env.Store.PutCase(context.Background(), owner.UID, &model.CaseRecord{
		CaseNumber: "24-0005",
		IsReadOnly: true,
		Files:      []model.FileRecord{{ID: "x", OriginalFilename: "x.png"}},
	}))

	_, err := newBuilder(env).BuildCasePackage(context.Background(), owner, "24-0005", BuildOptions{})
	require.True(t, errors.Is(err, model.ErrConflict))
}

func TestExportCSV(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, owner, "24-0006", 2)
	env.Annotate(t, owner.UID, "24-0006", rec.Files[1].ID, 3)

	var buf bytes.Buffer
	res, err := newBuilder(env).Export(context.Background(), &buf, Request{User: owner, CaseNumber: "24-0006", Format: "CSV"})
	require.NoError(t, err)
	require.Equal(t, "24-0006_data.csv", res.DataFile)

	pkg, err := archive.ReadBytes(buf.Bytes())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(pkg.Data), CSVBannerFirstLine))
	idx := bytes.Index(pkg.Data, []byte(CSVBannerEnd))
	body := pkg.Data[idx+len(CSVBannerEnd):]
	require.Equal(t, res.Manifest.DataHash, hash.SecureDigest(body))
	require.True(t, strings.HasPrefix(string(body), "Case Number,File ID"))
	require.Contains(t, string(body), ",3,")
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	env.SeedCase(t, owner, "24-0007", 1)

	var buf bytes.Buffer
	_, err := newBuilder(env).Export(context.Background(), &buf, Request{User: owner, CaseNumber: "24-0007", Format: "xlsx"})
	require.True(t, errors.Is(err, model.ErrBadParameter))
}

func TestExportToDirRegistersReport(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	env.SeedCase(t, owner, "24-0008", 1)

	dir := t.TempDir()
	res, err := newBuilder(env).ExportToDir(context.Background(), dir, Request{User: owner, CaseNumber: "24-0008"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReportID)

	sum, _, err := hash.File(res.ZipPath)
	require.NoError(t, err)
	require.Equal(t, sum, res.ZipSHA256)

	reports, err := env.Store.ListReportsByCase(context.Background(), owner.UID, "24-0008")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "case_package", reports[0].ReportType)
}

func TestManifestHashOrderIndependent(t *testing.T) {
	a := ManifestHash("AB", map[string]string{"x.png": "01", "a.png": "02"})
	b := ManifestHash("ab", map[string]string{"a.png": "02", "x.png": "01"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, ManifestHash("ab", map[string]string{"a.png": "01", "x.png": "02"}))
}

func TestManifestHashKeepsFilenameWhitespace(t *testing.T) {
	a := ManifestHash("ab", map[string]string{"a.png": "01"})
	require.NotEqual(t, a, ManifestHash("ab", map[string]string{" a.png": "01"}))
	require.NotEqual(t, a, ManifestHash("ab", map[string]string{"a.png ": "01"}))
}
