// Package importverify 在导入前重算案件包的全部哈希，给出分项校验结论。
//
// 本包只做纯计算，不访问任何存储，也不尝试恢复；调用方负责把结论转换为导入结果。
package importverify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-set/v2"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/hash"
	"toolmark-review/internal/services/forensicexport"
)

// StripBanner 精确移除导出时加在数据文件前的提示横幅；没有横幅时原样返回。
//
// 支持两种格式：JSON 的块注释横幅（/* ... */）和 CSV 的带引号行横幅（以空行结束）。
func StripBanner(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, []byte(forensicexport.JSONBannerOpen)):
		end := bytes.Index(data, []byte("*/\n"))
		if end < 0 {
			return nil, errors.Wrap(model.ErrFormat, "unterminated banner comment")
		}
		return data[end+len("*/\n"):], nil
	case bytes.HasPrefix(data, []byte(forensicexport.CSVBannerFirstLine)):
		end := bytes.Index(data, []byte(forensicexport.CSVBannerEnd))
		if end < 0 {
			return nil, errors.Wrap(model.ErrFormat, "unterminated csv banner")
		}
		return data[end+len(forensicexport.CSVBannerEnd):], nil
	default:
		return data, nil
	}
}

// ParseManifest 解析 FORENSIC_MANIFEST.json；raw 为 nil 时返回 ErrNoManifest。
func ParseManifest(raw []byte) (*model.ForensicManifest, error) {
	if raw == nil {
		return nil, errors.WithStack(model.ErrNoManifest)
	}
	var m model.ForensicManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(model.ErrFormat, "decode manifest: %v", err)
	}
	if m.Version != "" && m.Version != model.ManifestVersion {
		return nil, errors.Wrapf(model.ErrUnknownSchema, "manifest version %q", m.Version)
	}
	return &m, nil
}

// Validate 重算数据哈希、每张图像哈希与 manifest 哈希。
//
// dataContent 可带横幅（会先被剥离）。manifest 中列出但未提供的图像判为失败；
// 提供了但 manifest 未列出的图像只计入 Summary.ExtraBlobs。
// manifest 为 nil 时结论恒为无效：不支持无清单导入。
func Validate(dataContent []byte, images map[string][]byte, manifest *model.ForensicManifest) model.ValidationResult {
	res := model.ValidationResult{
		ImageValidation: map[string]bool{},
		Errors:          []string{},
	}

	if manifest == nil {
		res.Errors = append(res.Errors, "forensic manifest missing: unverified import is not supported")
		res.Summary.Message = "no forensic manifest"
		return res
	}
	if missing := manifest.MissingFields(); len(missing) > 0 {
		res.Errors = append(res.Errors, "manifest incomplete: missing "+strings.Join(missing, ", "))
	}

	// 1. 数据文件
	body, err := StripBanner(dataContent)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else {
		res.ComputedDataHash = hash.SecureDigest(body)
		res.DataValid = hash.Equal(res.ComputedDataHash, manifest.DataHash)
		if !res.DataValid {
			res.Errors = append(res.Errors, fmt.Sprintf("data file hash mismatch: expected %s, got %s", manifest.DataHash, res.ComputedDataHash))
		}
	}

	// 2. 图像
	claimed := make([]string, 0, len(manifest.ImageHashes))
	for name := range manifest.ImageHashes {
		claimed = append(claimed, name)
	}
	sort.Strings(claimed)

	recomputed := make(map[string]string, len(claimed))
	for _, name := range claimed {
		blob, ok := images[name]
		if !ok {
			res.ImageValidation[name] = false
			res.Errors = append(res.Errors, fmt.Sprintf("image %s listed in manifest but missing from package", name))
			continue
		}
		actual := hash.SecureDigest(blob)
		recomputed[name] = actual
		res.ImageValidation[name] = hash.Equal(actual, manifest.ImageHashes[name])
		if !res.ImageValidation[name] {
			res.Errors = append(res.Errors, fmt.Sprintf("image %s hash mismatch", name))
		}
	}

	supplied := make([]string, 0, len(images))
	for name := range images {
		supplied = append(supplied, name)
	}
	extra := set.From(supplied).Difference(set.From(claimed)).(*set.Set[string])
	res.Summary.ExtraBlobs = extra.Size()

	// 3. manifest 哈希用重算值计算，不使用包内声明的图像哈希
	res.ComputedManifestHash = forensicexport.ManifestHash(res.ComputedDataHash, recomputed)
	res.ManifestValid = len(recomputed) == len(claimed) &&
		res.ComputedDataHash != "" &&
		len(manifest.MissingFields()) == 0 &&
		hash.Equal(res.ComputedManifestHash, manifest.ManifestHash)
	if !res.ManifestValid && len(recomputed) == len(claimed) {
		res.Errors = append(res.Errors, fmt.Sprintf("manifest hash mismatch: expected %s, got %s", manifest.ManifestHash, res.ComputedManifestHash))
	}

	allImages := true
	for _, ok := range res.ImageValidation {
		if !ok {
			allImages = false
			res.Summary.ImagesFailed++
		} else {
			res.Summary.ImagesValid++
		}
	}
	res.Summary.ImagesExpected = len(claimed)
	res.IsValid = res.DataValid && res.ManifestValid && allImages

	switch {
	case res.IsValid:
		res.Summary.Message = fmt.Sprintf("package verified: data + %d images", res.Summary.ImagesValid)
	default:
		res.Summary.Message = fmt.Sprintf("package failed verification: %d error(s)", len(res.Errors))
	}
	return res
}

// ExtraImages 返回包内提供但 manifest 未列出的图像名（排序后）。
func ExtraImages(images map[string][]byte, manifest *model.ForensicManifest) []string {
	if manifest == nil {
		return nil
	}
	var out []string
	for name := range images {
		if _, ok := manifest.ImageHashes[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Coverage 检查数据文档中的每个文件都在 manifest 中有图像哈希，且 totalFiles 与文件数一致。
// 返回发现的问题（排序后），为空表示 manifest 覆盖了全部文件。
func Coverage(doc *model.CaseExportPackage, m *model.ForensicManifest) []string {
	if doc == nil || m == nil {
		return nil
	}
	var problems []string
	for _, f := range doc.Files {
		name := f.FileData.OriginalFilename
		if _, ok := m.ImageHashes[name]; !ok {
			problems = append(problems, fmt.Sprintf("image %s referenced by case data but not listed in manifest", name))
		}
	}
	sort.Strings(problems)
	if m.TotalFiles != len(doc.Files) {
		problems = append(problems, fmt.Sprintf("manifest totalFiles %d does not match %d files in case data", m.TotalFiles, len(doc.Files)))
	}
	return problems
}

// CheckCoverage 是 Coverage 的错误形式，问题归类为 ErrIntegrity。
func CheckCoverage(doc *model.CaseExportPackage, m *model.ForensicManifest) error {
	problems := Coverage(doc, m)
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrap(model.ErrIntegrity, strings.Join(problems, "; "))
}

// VerifyPackage 对解包结果执行完整校验，返回结论与（可能为 nil 的）manifest。
// manifest 缺失或无法解析时结论无效，错误写入 Errors。
func VerifyPackage(p *archive.Package) (model.ValidationResult, *model.ForensicManifest) {
	m, err := ParseManifest(p.Manifest)
	if err != nil {
		res := Validate(p.Data, p.Images, nil)
		if !errors.Is(err, model.ErrNoManifest) {
			res.Errors = []string{err.Error()}
			res.Summary.Message = "forensic manifest unreadable"
		}
		return res, nil
	}
	res := Validate(p.Data, p.Images, m)
	// JSON 数据文件还要核对 manifest 是否覆盖了全部文件；CSV 不可导入，只做哈希校验。
	if p.RequireImportable() == nil {
		body, err := StripBanner(p.Data)
		if err == nil {
			if doc, err := model.DecodeExportPackage(body); err == nil {
				markCoverage(&res, Coverage(doc, m))
			}
		}
	}
	return res, m
}

func markCoverage(res *model.ValidationResult, problems []string) {
	if len(problems) == 0 {
		return
	}
	res.Errors = append(res.Errors, problems...)
	res.IsValid = false
	res.Summary.Message = fmt.Sprintf("package failed verification: %d error(s)", len(res.Errors))
}
