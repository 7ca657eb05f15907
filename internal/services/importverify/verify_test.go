package importverify

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/testutil"
)

func exportPackage(t *testing.T, format string) *archive.Package {
	t.Helper()
	env := testutil.NewEnv(t)
	owner := env.AddUser(t, "examiner-a", "Alex Examiner")
	rec := env.SeedCase(t, owner, "24-0001", 3)
	env.Annotate(t, owner.UID, "24-0001", rec.Files[0].ID, 2)

	b := forensicexport.NewBuilder(forensicexport.Deps{
		Cases:       env.Store,
		Annotations: env.Annotations,
		Images:      env.Images,
		Logger:      env.Logger,
	})
	var buf bytes.Buffer
	_, err := b.Export(context.Background(), &buf, forensicexport.Request{User: owner, CaseNumber: "24-0001", Format: format})
	require.NoError(t, err)

	p, err := archive.ReadBytes(buf.Bytes())
	require.NoError(t, err)
	return p
}

func TestUntouchedPackageIsValid(t *testing.T) {
	p := exportPackage(t, "json")
	res, m := VerifyPackage(p)
	require.True(t, res.IsValid, res.Errors)
	require.True(t, res.DataValid)
	require.True(t, res.ManifestValid)
	require.Len(t, res.ImageValidation, 3)
	require.Equal(t, 3, m.TotalFiles)
	require.Equal(t, 3, res.Summary.ImagesValid)
	require.Empty(t, res.Errors)
}

func TestUntouchedCSVPackageIsValid(t *testing.T) {
	p := exportPackage(t, "csv")
	res, _ := VerifyPackage(p)
	require.True(t, res.IsValid, res.Errors)
}

func TestTamperDataFile(t *testing.T) {
	p := exportPackage(t, "json")
	idx := bytes.Index(p.Data, []byte("land impressions"))
	require.Positive(t, idx)
	p.Data[idx] = 'L'

	res, _ := VerifyPackage(p)
	require.False(t, res.IsValid)
	require.False(t, res.DataValid)
	for name, ok := range res.ImageValidation {
		require.True(t, ok, name)
	}
}

func TestTamperImage(t *testing.T) {
	p := exportPackage(t, "json")
	p.Images["image2.png"][0] ^= 0xff

	res, _ := VerifyPackage(p)
	require.False(t, res.IsValid)
	require.True(t, res.DataValid)
	require.False(t, res.ImageValidation["image2.png"])
	require.True(t, res.ImageValidation["image1.png"])
}

func TestTamperManifestHash(t *testing.T) {
	p := exportPackage(t, "json")
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	flipped := []byte(m.ManifestHash)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	m.ManifestHash = string(flipped)

	res := Validate(p.Data, p.Images, &m)
	require.False(t, res.IsValid)
	require.True(t, res.DataValid)
	require.False(t, res.ManifestValid)
	for _, ok := range res.ImageValidation {
		require.True(t, ok)
	}
}

func TestClaimedImageHashTamperedButManifestRecomputed(t *testing.T) {
	// 篡改者同时改动图像与 manifest 中的图像哈希，但无法重算 manifestHash
	p := exportPackage(t, "json")
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	p.Images["image3.png"] = []byte("swapped")
	m.ImageHashes["image3.png"] = "00"

	res := Validate(p.Data, p.Images, &m)
	require.False(t, res.IsValid)
	require.False(t, res.ManifestValid)
}

func TestMissingImageAndExtraBlob(t *testing.T) {
	p := exportPackage(t, "json")
	delete(p.Images, "image1.png")
	p.Images["stray.png"] = []byte("x")

	res, m := VerifyPackage(p)
	require.False(t, res.IsValid)
	require.False(t, res.ImageValidation["image1.png"])
	require.Equal(t, 1, res.Summary.ExtraBlobs)
	require.Equal(t, []string{"stray.png"}, ExtraImages(p.Images, m))
}

// dropFromManifest 删除一张图像的 manifest 条目并按剩余条目重算 manifestHash。
func dropFromManifest(t *testing.T, p *archive.Package, name string, totalFiles int) {
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

func TestImageMissingFromManifestIsInvalid(t *testing.T) {
	p := exportPackage(t, "json")
	p.Images["image2.png"] = []byte("NOT THE EVIDENCE")
	dropFromManifest(t, p, "image2.png", 2)

	res, m := VerifyPackage(p)
	require.NotNil(t, m)
	require.True(t, res.DataValid)
	require.True(t, res.ManifestValid)
	require.False(t, res.IsValid)
	require.NotContains(t, res.ImageValidation, "image2.png")
	require.Contains(t, res.Errors, "image image2.png referenced by case data but not listed in manifest")
	require.Contains(t, res.Errors, "manifest totalFiles 2 does not match 3 files in case data")
}

func TestUnderstatedTotalFilesIsInvalid(t *testing.T) {
	p := exportPackage(t, "json")
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	m.TotalFiles = 1
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	p.Manifest = raw

	res, _ := VerifyPackage(p)
	require.False(t, res.IsValid)
	require.Equal(t, []string{"manifest totalFiles 1 does not match 3 files in case data"}, res.Errors)
}

func TestCheckCoverage(t *testing.T) {
	doc := &model.CaseExportPackage{Files: []model.ExportFile{
		{FileData: model.FileRecord{OriginalFilename: "a.png"}},
		{FileData: model.FileRecord{OriginalFilename: "b.png"}},
	}}
	m := &model.ForensicManifest{ImageHashes: map[string]string{"a.png": "01", "b.png": "02"}, TotalFiles: 2}
	require.NoError(t, CheckCoverage(doc, m))

	delete(m.ImageHashes, "b.png")
	err := CheckCoverage(doc, m)
	require.True(t, errors.Is(err, model.ErrIntegrity))
	require.Contains(t, err.Error(), "b.png")
}

func TestMissingManifestIsNeverValid(t *testing.T) {
	p := exportPackage(t, "json")
	p.Manifest = nil

	res, m := VerifyPackage(p)
	require.Nil(t, m)
	require.False(t, res.IsValid)
	require.NotEmpty(t, res.Errors)

	_, err := ParseManifest(nil)
	require.True(t, errors.Is(err, model.ErrNoManifest))
	require.True(t, errors.Is(err, model.ErrIntegrity))
}

func TestManifestWithoutDataHashIsInvalid(t *testing.T) {
	p := exportPackage(t, "json")
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	m.DataHash = ""

	res := Validate(p.Data, p.Images, &m)
	require.False(t, res.IsValid)
	require.False(t, res.ManifestValid)
}

func TestUppercaseHashesAccepted(t *testing.T) {
	p := exportPackage(t, "json")
	var m model.ForensicManifest
	require.NoError(t, json.Unmarshal(p.Manifest, &m))
	m.DataHash = string(bytes.ToUpper([]byte(m.DataHash)))

	res := Validate(p.Data, p.Images, &m)
	require.True(t, res.IsValid, res.Errors)
}

func TestStripBanner(t *testing.T) {
	body := []byte(`{"a":1}`)
	out, err := StripBanner(forensicexport.AddBanner(body, "json", "24-0001", testutil.Epoch))
	require.NoError(t, err)
	require.Equal(t, body, out)

	csvBody := []byte("h1,h2\nv1,v2\n")
	out, err = StripBanner(forensicexport.AddBanner(csvBody, "csv", "24-0001", testutil.Epoch))
	require.NoError(t, err)
	require.Equal(t, csvBody, out)

	out, err = StripBanner(body)
	require.NoError(t, err)
	require.Equal(t, body, out)

	_, err = StripBanner([]byte("/*\n * never closed"))
	require.True(t, errors.Is(err, model.ErrFormat))
}
