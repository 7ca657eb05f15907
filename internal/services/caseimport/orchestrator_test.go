package caseimport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/domain/storage"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/testutil"
)

type fixture struct {
	env      *testutil.Env
	exporter model.User
	importer model.User
	zip      []byte
	source   *model.CaseRecord
}

// newFixture: examiner-a 导出 24-0001（3 张图像，第一张带 2 个区域标注）。
func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	f := &fixture{
		env:      env,
		exporter: env.AddUser(t, "examiner-a", "Alex Examiner"),
		importer: env.AddUser(t, "examiner-b", "Blair Reviewer"),
	}
	f.source = env.SeedCase(t, f.exporter, "24-0001", 3)
	env.Annotate(t, f.exporter.UID, "24-0001", f.source.Files[0].ID, 2)
	f.zip = exportZip(t, env, f.exporter, "24-0001", "json")
	return f
}

func exportZip(t *testing.T, env *testutil.Env, user model.User, caseNumber, format string) []byte {
	t.Helper()
	b := forensicexport.NewBuilder(forensicexport.Deps{
		Cases:       env.Store,
		Annotations: env.Annotations,
		Images:      env.Images,
		Logger:      env.Logger,
	})
	var buf bytes.Buffer
	_, err := b.Export(context.Background(), &buf, forensicexport.Request{User: user, CaseNumber: caseNumber, Format: format})
	require.NoError(t, err)
	return buf.Bytes()
}

func (f *fixture) orchestrator(mod func(d *Deps)) *Orchestrator {
	d := Deps{
		Images:        f.env.Images,
		Annotations:   f.env.Annotations,
		Cases:         f.env.Store,
		Users:         f.env.Store,
		Profiles:      f.env.Store,
		Confirmations: f.env.Store,
		Logger:        f.env.Logger,
	}
	if mod != nil {
		mod(&d)
	}
	return New(d)
}

func rezip(t *testing.T, raw []byte, mutate func(p *archive.Package)) []byte {
	t.Helper()
	p, err := archive.ReadBytes(raw)
	require.NoError(t, err)
	mutate(p)
	var buf bytes.Buffer
	require.NoError(t, archive.Write(&buf, p))
	return buf.Bytes()
}

func TestImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var steps []Step
	res := f.orchestrator(nil).Import(ctx, Request{
		User:    f.importer,
		Archive: f.zip,
		OnStep:  func(s Step) { steps = append(steps, s) },
	})
	require.True(t, res.Success, res.Errors)
	require.Equal(t, "24-0001", res.CaseNumber)
	require.Equal(t, 3, res.FilesImported)
	require.Equal(t, 1, res.AnnotationsImported)
	require.Empty(t, res.Errors)
	require.True(t, res.Validation.IsValid)
	require.NotEmpty(t, res.CorrelationID)
	require.Equal(t, []Step{
		StepStart, StepParsePackage, StepValidateIntegrity, StepResolveConflicts, StepUploadBlobs,
		StepWriteCaseRecord, StepImportAnnotations, StepRegisterForUser, StepDone,
	}, steps)

	rec, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.True(t, rec.IsReadOnly)
	require.NotNil(t, rec.ImportedAt)
	require.Len(t, rec.Files, 3)
	require.Len(t, rec.OriginalImageIDs, 3)
	require.Equal(t, f.exporter.UID, rec.SourceExporterUID)

	newIDs := map[string]bool{}
	for _, orig := range f.source.Files {
		cur := rec.CurrentIDFor(orig.ID)
		require.NotEqual(t, orig.ID, cur)
		require.False(t, newIDs[cur], "mapping must be bijective")
		newIDs[cur] = true
		back, ok := rec.OriginalIDFor(cur)
		require.True(t, ok)
		require.Equal(t, orig.ID, back)
	}

	ann, err := f.env.Annotations.Get(ctx, f.importer.UID, "24-0001", rec.CurrentIDFor(f.source.Files[0].ID))
	require.NoError(t, err)
	require.Len(t, ann.BoxAnnotations, 2)

	p, err := f.env.Store.GetProfile(ctx, f.importer.UID)
	require.NoError(t, err)
	require.Len(t, p.ReadOnlyCases, 1)
	require.Equal(t, f.exporter.UID, p.ReadOnlyCases[0].OriginalExportedBy)
	require.Equal(t, rec.SourceManifestHash, p.ReadOnlyCases[0].SourceManifestHash)
	require.Equal(t, 6, f.env.BlobCount(t, "images/"))
}

func TestImportKeepsUnmodeledAnnotationFields(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	exporter := env.AddUser(t, "examiner-a", "Alex Examiner")
	importer := env.AddUser(t, "examiner-b", "Blair Reviewer")
	src := env.SeedCase(t, exporter, "24-0001", 1)
	ann := env.Annotate(t, exporter.UID, "24-0001", src.Files[0].ID, 1)
	ann.Extra = map[string]json.RawMessage{"labNotes": json.RawMessage(`{"bench":"B-2"}`)}
	require.NoError(t, env.Annotations.Put(ctx, exporter.UID, "24-0001", src.Files[0].ID, ann))

	zipped := exportZip(t, env, exporter, "24-0001", "json")
	res := New(Deps{
		Images:      env.Images,
		Annotations: env.Annotations,
		Cases:       env.Store,
		Users:       env.Store,
		Profiles:    env.Store,
		Logger:      env.Logger,
	}).Import(ctx, Request{User: importer, Archive: zipped})
	require.True(t, res.Success, res.Errors)

	rec, err := env.Store.GetCase(ctx, importer.UID, "24-0001")
	require.NoError(t, err)
	got, err := env.Annotations.Get(ctx, importer.UID, "24-0001", rec.CurrentIDFor(src.Files[0].ID))
	require.NoError(t, err)
	require.JSONEq(t, `{"bench":"B-2"}`, string(got.Extra["labNotes"]))
}

func TestSecondImportWithoutOverwriteUploadsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(nil)

	require.True(t, o.Import(ctx, Request{User: f.importer, Archive: f.zip}).Success)
	before := f.env.BlobCount(t, "images/")

	res := o.Import(ctx, Request{User: f.importer, Archive: f.zip})
	require.False(t, res.Success)
	require.Equal(t, string(StepResolveConflicts), res.FailedStep)
	require.Equal(t, "conflict", res.Errors[0].Kind)
	require.Contains(t, res.Errors[0].Message, "already exists")
	require.Equal(t, before, f.env.BlobCount(t, "images/"))
}

func TestOverwriteReplacesPriorReadOnlyCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(nil)

	require.True(t, o.Import(ctx, Request{User: f.importer, Archive: f.zip}).Success)
	first, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.NoError(t, f.env.Store.AppendConfirmation(ctx, f.importer.UID, "24-0001", f.source.Files[0].ID, model.ConfirmationRecord{ConfirmationID: "CONF-X", ConfirmedAt: testutil.Epoch}))

	res := o.Import(ctx, Request{User: f.importer, Archive: f.zip, OverwriteExisting: true})
	require.True(t, res.Success, res.Errors)

	second, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.NotEqual(t, first.Files[0].ID, second.Files[0].ID)
	_, err = f.env.Images.Download(ctx, first.Files[0].ID)
	require.True(t, errors.Is(err, model.ErrNotFound))
	require.Equal(t, 6, f.env.BlobCount(t, "images/"))

	conf, err := f.env.Store.ListConfirmations(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Empty(t, conf)

	p, err := f.env.Store.GetProfile(ctx, f.importer.UID)
	require.NoError(t, err)
	require.Len(t, p.ReadOnlyCases, 1)
}

func TestImportKeepsSingleReadOnlySlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.env.SeedCase(t, f.exporter, "24-0002", 1)
	other := exportZip(t, f.env, f.exporter, "24-0002", "json")
	o := f.orchestrator(nil)

	require.True(t, o.Import(ctx, Request{User: f.importer, Archive: f.zip}).Success)
	require.True(t, o.Import(ctx, Request{User: f.importer, Archive: other}).Success)

	old, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Nil(t, old)
	p, err := f.env.Store.GetProfile(ctx, f.importer.UID)
	require.NoError(t, err)
	require.Len(t, p.ReadOnlyCases, 1)
	require.Equal(t, "24-0002", p.ReadOnlyCases[0].CaseNumber)
}

func TestSelfImportRejectedRegardlessOfIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(nil)

	res := o.Import(ctx, Request{User: f.exporter, Archive: f.zip})
	require.False(t, res.Success)
	require.Equal(t, "conflict", res.Errors[0].Kind)

	tampered := rezip(t, f.zip, func(p *archive.Package) {
		p.Images["image1.png"] = []byte("forged")
	})
	res = o.Import(ctx, Request{User: f.exporter, Archive: tampered})
	require.False(t, res.Success)
	require.Equal(t, "conflict", res.Errors[0].Kind)
	require.Equal(t, 3, f.env.BlobCount(t, "images/"))
}

func TestImporterOwningRegularCaseIsRejected(t *testing.T) {
	f := newFixture(t)
	f.env.SeedCase(t, f.importer, "24-0001", 1)
	before := f.env.BlobCount(t, "images/")

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: f.zip, OverwriteExisting: true})
	require.False(t, res.Success)
	require.Equal(t, string(StepResolveConflicts), res.FailedStep)
	require.Equal(t, "conflict", res.Errors[0].Kind)
	require.Equal(t, before, f.env.BlobCount(t, "images/"))
}

func TestUnknownExporterIsRejected(t *testing.T) {
	f := newFixture(t)
	other := testutil.NewEnv(t)
	importer := other.AddUser(t, "examiner-b", "Blair Reviewer")

	o := New(Deps{
		Images:      other.Images,
		Annotations: other.Annotations,
		Cases:       other.Store,
		Users:       other.Store,
		Profiles:    other.Store,
		Logger:      other.Logger,
	})
	res := o.Import(context.Background(), Request{User: importer, Archive: f.zip})
	require.False(t, res.Success)
	require.Equal(t, "conflict", res.Errors[0].Kind)
	require.Contains(t, res.Errors[0].Message, "exporting user does not exist")
	require.Zero(t, other.BlobCount(t, "images/"))
}

func TestTamperedPackageBlocksImport(t *testing.T) {
	f := newFixture(t)
	tampered := rezip(t, f.zip, func(p *archive.Package) {
		p.Images["image2.png"] = append([]byte{}, p.Images["image2.png"]...)
		p.Images["image2.png"][0] ^= 0x01
	})

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: tampered})
	require.False(t, res.Success)
	require.Equal(t, string(StepValidateIntegrity), res.FailedStep)
	require.Equal(t, "integrity", res.Errors[0].Kind)
	require.False(t, res.Validation.ImageValidation["image2.png"])
	require.Equal(t, 3, f.env.BlobCount(t, "images/"))
}

// dropManifestEntry 删除一张图像的 manifest 条目，把 totalFiles 改为 totalFiles，
// 并按剩余条目重算 manifestHash，使 manifest 自身保持一致。
func dropManifestEntry(t *testing.T, p *archive.Package, name string, totalFiles int) {
	t.Helper()
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	delete(m.ImageHashes, name)
	m.TotalFiles = totalFiles
	m.ManifestHash = forensicexport.ManifestHash(m.DataHash, m.ImageHashes)
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	p.Manifest = raw
}

func TestImageWithoutManifestEntryBlocksImport(t *testing.T) {
	f := newFixture(t)
	forged := rezip(t, f.zip, func(p *archive.Package) {
		p.Images["image2.png"] = []byte("NOT THE EVIDENCE")
		dropManifestEntry(t, p, "image2.png", 2)
	})
	before := f.env.BlobCount(t, "images/")

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: forged})
	require.False(t, res.Success)
	require.Equal(t, string(StepValidateIntegrity), res.FailedStep)
	require.Equal(t, "integrity", res.Errors[0].Kind)
	require.Contains(t, res.Errors[0].Message, "image2.png")
	require.False(t, res.Validation.IsValid)
	require.Zero(t, res.FilesImported)
	require.Equal(t, before, f.env.BlobCount(t, "images/"))

	rec, err := f.env.Store.GetCase(context.Background(), f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestImageMissingFromManifestAndArchiveBlocksImport(t *testing.T) {
	f := newFixture(t)
	forged := rezip(t, f.zip, func(p *archive.Package) {
		delete(p.Images, "image3.png")
		p.ImageOrder = []string{"image1.png", "image2.png"}
		dropManifestEntry(t, p, "image3.png", 2)
	})
	before := f.env.BlobCount(t, "images/")

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: forged})
	require.False(t, res.Success)
	require.Equal(t, string(StepValidateIntegrity), res.FailedStep)
	require.Equal(t, "integrity", res.Errors[0].Kind)
	require.Empty(t, res.Warnings)
	require.Equal(t, before, f.env.BlobCount(t, "images/"))
}

func TestUnderstatedTotalFilesBlocksImport(t *testing.T) {
	f := newFixture(t)
	forged := rezip(t, f.zip, func(p *archive.Package) {
		var m model.ForensicManifest
		require.NoError(t, json.Unmarshal(p.Manifest, &m))
		m.TotalFiles = 2
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		p.Manifest = raw
	})
	before := f.env.BlobCount(t, "images/")

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: forged})
	require.False(t, res.Success)
	require.Equal(t, string(StepValidateIntegrity), res.FailedStep)
	require.Equal(t, "integrity", res.Errors[0].Kind)
	require.Contains(t, res.Errors[0].Message, "totalFiles 2")
	require.Equal(t, before, f.env.BlobCount(t, "images/"))
}

func TestMissingManifestBlocksImport(t *testing.T) {
	f := newFixture(t)
	stripped := rezip(t, f.zip, func(p *archive.Package) { p.Manifest = nil })

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: stripped})
	require.False(t, res.Success)
	require.Equal(t, "integrity", res.Errors[0].Kind)
}

func TestCSVPackageIsUnsupported(t *testing.T) {
	f := newFixture(t)
	csvZip := exportZip(t, f.env, f.exporter, "24-0001", "csv")

	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: csvZip})
	require.False(t, res.Success)
	require.Equal(t, string(StepParsePackage), res.FailedStep)
	require.Equal(t, "format", res.Errors[0].Kind)
}

func TestGarbageArchiveIsFormatError(t *testing.T) {
	f := newFixture(t)
	res := f.orchestrator(nil).Import(context.Background(), Request{User: f.importer, Archive: []byte("PK nope")})
	require.False(t, res.Success)
	require.Equal(t, "format", res.Errors[0].Kind)
	require.Empty(t, res.Warnings)
}

type failingAnnotations struct {
	storage.AnnotationStore
}

func (failingAnnotations) Put(context.Context, string, string, string, *model.AnnotationRecord) error {
	return errors.New("annotation backend unavailable")
}

func TestRollbackCompletenessAtImportAnnotations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	baseline := f.env.BlobCount(t, "images/")

	var steps []Step
	res := f.orchestrator(func(d *Deps) {
		d.Annotations = failingAnnotations{AnnotationStore: f.env.Annotations}
	}).Import(ctx, Request{User: f.importer, Archive: f.zip, OnStep: func(s Step) { steps = append(steps, s) }})

	require.False(t, res.Success)
	require.Equal(t, string(StepImportAnnotations), res.FailedStep)
	require.Empty(t, res.Warnings)
	require.Contains(t, steps, StepRollback)
	require.Equal(t, StepFailed, steps[len(steps)-1])

	require.Equal(t, baseline, f.env.BlobCount(t, "images/"))
	rec, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Nil(t, rec)
	p, err := f.env.Store.GetProfile(ctx, f.importer.UID)
	require.NoError(t, err)
	require.Empty(t, p.ReadOnlyCases)
}

type flakyImages struct {
	storage.ImageStore
	failUpload map[string]bool
	failAll    bool
	failDelete bool

	mu      sync.Mutex
	deletes int
}

func (f *flakyImages) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if f.failAll || f.failUpload[filename] {
		return "", errors.New("quota exceeded")
	}
	return f.ImageStore.Upload(ctx, data, filename)
}

func (f *flakyImages) Delete(ctx context.Context, blobID string) error {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	if f.failDelete {
		return errors.New("delete refused")
	}
	return f.ImageStore.Delete(ctx, blobID)
}

func TestPartialUploadFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	images := &flakyImages{ImageStore: f.env.Images, failUpload: map[string]bool{"image2.png": true}}

	res := f.orchestrator(func(d *Deps) { d.Images = images }).Import(context.Background(), Request{User: f.importer, Archive: f.zip})
	require.True(t, res.Success, res.Errors)
	require.Equal(t, 2, res.FilesImported)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "partial_io", res.Warnings[0].Kind)
	require.Contains(t, res.Warnings[0].Message, "image2.png")

	rec, err := f.env.Store.GetCase(context.Background(), f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Len(t, rec.Files, 2)
	require.Len(t, rec.OriginalImageIDs, 2)
}

func TestAllUploadsFailingFailsStep(t *testing.T) {
	f := newFixture(t)
	images := &flakyImages{ImageStore: f.env.Images, failAll: true}

	res := f.orchestrator(func(d *Deps) { d.Images = images }).Import(context.Background(), Request{User: f.importer, Archive: f.zip})
	require.False(t, res.Success)
	require.Equal(t, string(StepUploadBlobs), res.FailedStep)
	require.Equal(t, "partial_io", res.Errors[0].Kind)
	require.Len(t, res.Warnings, 3)
	require.Zero(t, images.deletes)
}

func TestRollbackFailuresBecomeWarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	images := &flakyImages{ImageStore: f.env.Images, failDelete: true}

	res := f.orchestrator(func(d *Deps) {
		d.Images = images
		d.Annotations = failingAnnotations{AnnotationStore: f.env.Annotations}
	}).Import(ctx, Request{User: f.importer, Archive: f.zip})

	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Len(t, res.Warnings, 3)
	for _, w := range res.Warnings {
		require.Equal(t, "rollback", w.Kind)
	}
	require.Equal(t, 3, images.deletes)

	// 其它分区的逆操作照常执行
	rec, err := f.env.Store.GetCase(ctx, f.importer.UID, "24-0001")
	require.NoError(t, err)
	require.Nil(t, rec)
}
