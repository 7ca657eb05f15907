package caseimport

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/importverify"
)

// parsePackage 解包并解析数据文件。导出者即导入者时直接拒绝（与完整性无关）。
func (r *run) parsePackage(ctx context.Context) error {
	if strings.TrimSpace(r.req.User.UID) == "" {
		return errors.Wrap(model.ErrBadParameter, "importing user uid is required")
	}
	if len(r.req.Archive) == 0 {
		return errors.Wrap(model.ErrFormat, "empty package")
	}
	pkg, err := archive.ReadBytes(r.req.Archive)
	if err != nil {
		return err
	}
	if err := pkg.RequireImportable(); err != nil {
		return err
	}
	r.pkg = pkg
	for _, name := range pkg.Ignored {
		r.logger.Debug("package entry ignored", "entry", name)
	}

	body, err := importverify.StripBanner(pkg.Data)
	if err != nil {
		return err
	}
	doc, err := model.DecodeExportPackage(body)
	if err != nil {
		return err
	}
	if err := model.ValidateCaseNumber(doc.Metadata.CaseNumber); err != nil {
		return errors.Mark(err, model.ErrFormat)
	}
	r.doc = doc
	r.result.CaseNumber = doc.Metadata.CaseNumber
	r.logger = r.logger.With("case_number", doc.Metadata.CaseNumber)

	seenIDs := map[string]bool{}
	seenNames := map[string]bool{}
	for _, f := range doc.Files {
		if seenIDs[f.FileData.ID] {
			return errors.Wrapf(model.ErrFormat, "duplicate file id %s in case data", f.FileData.ID)
		}
		if seenNames[f.FileData.OriginalFilename] {
			return errors.Wrapf(model.ErrFormat, "duplicate filename %s in case data", f.FileData.OriginalFilename)
		}
		seenIDs[f.FileData.ID] = true
		seenNames[f.FileData.OriginalFilename] = true
	}

	if doc.Metadata.ExportedByUID == r.req.User.UID {
		return errors.Wrapf(model.ErrSelfImport, "package %s was exported by the importing user", doc.Metadata.CaseNumber)
	}
	return nil
}

// validateIntegrity 重算全部哈希；任何一项不通过都在写入之前中止。
func (r *run) validateIntegrity(ctx context.Context) error {
	res, manifest := importverify.VerifyPackage(r.pkg)
	r.result.Validation = &res
	if manifest == nil {
		if r.pkg.Manifest != nil {
			return errors.Wrapf(model.ErrFormat, "forensic manifest unreadable: %s", strings.Join(res.Errors, "; "))
		}
		return errors.Wrap(model.ErrNoManifest, "unverified import is not supported")
	}
	if !res.IsValid {
		return errors.Wrapf(model.ErrIntegrity, "package failed verification: %s", strings.Join(res.Errors, "; "))
	}
	if err := importverify.CheckCoverage(r.doc, manifest); err != nil {
		res.IsValid = false
		return errors.Wrap(err, "package failed verification")
	}
	for _, name := range importverify.ExtraImages(r.pkg.Images, manifest) {
		r.logger.Info("package image not referenced by manifest, ignored", "image", name)
	}
	r.manifest = manifest
	return nil
}

// resolveConflicts 检查导出者身份与同编号案件，然后清空只读案件槽位。
func (r *run) resolveConflicts(ctx context.Context) error {
	o := r.o
	uid := r.req.User.UID
	caseNumber := r.doc.Metadata.CaseNumber
	exporterUID := r.doc.Metadata.ExportedByUID

	exporter, err := o.users.GetUser(ctx, exporterUID)
	if err != nil {
		return errors.Wrapf(err, "resolve exporter %s", exporterUID)
	}
	if exporter == nil {
		return errors.Wrapf(model.ErrUnknownExporter, "uid %s", exporterUID)
	}
	if exporter.UID == uid {
		return errors.Wrapf(model.ErrSelfImport, "exporter %s is the importing user", exporterUID)
	}

	profile, err := o.profiles.GetProfile(ctx, uid)
	if err != nil {
		return errors.Wrapf(err, "load profile %s", uid)
	}
	existing, err := o.cases.GetCase(ctx, uid, caseNumber)
	if err != nil {
		return errors.Wrapf(err, "look up case %s", caseNumber)
	}

	if profile.HasRegularCase(caseNumber) || (existing != nil && !existing.IsReadOnly) {
		return errors.Wrapf(model.ErrCaseExists, "you own regular case %s; an examiner cannot review their own case", caseNumber)
	}
	if (profile.HasReadOnlyCase(caseNumber) || existing != nil) && !r.req.OverwriteExisting {
		return errors.Wrapf(model.ErrCaseExists, "read-only case %s already exists; import again with overwrite to replace it", caseNumber)
	}

	// 每个用户同时只保留一个只读案件：删除全部旧的只读案件（含覆盖目标）。
	stale := map[string]bool{}
	for _, c := range profile.ReadOnlyCases {
		stale[c.CaseNumber] = true
	}
	if existing != nil {
		stale[caseNumber] = true
	}
	numbers := make([]string, 0, len(stale))
	for number := range stale {
		numbers = append(numbers, number)
	}
	sort.Strings(numbers)
	for _, number := range numbers {
		if err := r.deleteReadOnlyCase(ctx, number); err != nil {
			return err
		}
	}
	return nil
}

// deleteReadOnlyCase 删除旧只读案件的图像、标注、确认、记录与档案条目。
// 图像与标注删除失败只记警告；记录与档案删除失败则中止导入。
func (r *run) deleteReadOnlyCase(ctx context.Context, caseNumber string) error {
	o := r.o
	uid := r.req.User.UID

	rec, err := o.cases.GetCase(ctx, uid, caseNumber)
	if err != nil {
		return errors.Wrapf(err, "load prior read-only case %s", caseNumber)
	}
	if rec != nil {
		if !rec.IsReadOnly {
			return errors.Wrapf(model.ErrConflict, "case %s is not read-only", caseNumber)
		}
		for _, f := range rec.Files {
			if err := o.images.Delete(ctx, f.ID); err != nil {
				r.warnf(StepResolveConflicts, "partial_io", "delete prior image %s: %v", f.ID, err)
			}
			if err := o.annotations.Delete(ctx, uid, caseNumber, f.ID); err != nil {
				r.warnf(StepResolveConflicts, "partial_io", "delete prior annotation %s: %v", f.ID, err)
			}
		}
		if o.confirmations != nil {
			if err := o.confirmations.DeleteConfirmations(ctx, uid, caseNumber); err != nil {
				r.warnf(StepResolveConflicts, "partial_io", "delete prior confirmations for %s: %v", caseNumber, err)
			}
		}
		if err := o.cases.DeleteCase(ctx, uid, caseNumber); err != nil {
			return errors.Wrapf(err, "delete prior read-only case %s", caseNumber)
		}
	}

	profile, err := o.profiles.GetProfile(ctx, uid)
	if err != nil {
		return errors.Wrapf(err, "load profile %s", uid)
	}
	if profile.HasReadOnlyCase(caseNumber) {
		next := profile.WithoutReadOnlyCase(caseNumber)
		if err := o.profiles.PutProfile(ctx, &next); err != nil {
			return errors.Wrapf(err, "remove %s from profile", caseNumber)
		}
	}
	r.logger.Info("prior read-only case removed", "removed_case", caseNumber)
	r.event("import", "remove_prior_read_only", "success", map[string]any{"removed_case": caseNumber})
	return nil
}

type uploadOutcome struct {
	blobID string
	err    error
}

// uploadBlobs 以新标识上传全部已校验图像。上传可并发，映射表只在 Wait 之后由当前 goroutine 写入。
// 单个文件失败记为警告并跳过；全部失败时本步失败。
func (r *run) uploadBlobs(ctx context.Context) error {
	o := r.o
	files := r.doc.Files
	outcomes := make([]uploadOutcome, len(files))

	// 只上传已与 manifest 核对过的图像。
	for _, f := range files {
		name := f.FileData.OriginalFilename
		if !r.result.Validation.ImageValidation[name] {
			return errors.Wrapf(model.ErrIntegrity, "image %s was not verified against the manifest", name)
		}
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, f := range files {
		name := f.FileData.OriginalFilename
		data := r.pkg.Images[name]
		g.Go(func() error {
			blobID, err := o.images.Upload(ctx, data, name)
			outcomes[i] = uploadOutcome{blobID: blobID, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range files {
		out := outcomes[i]
		name := f.FileData.OriginalFilename
		if out.err != nil {
			r.warnf(StepUploadBlobs, "partial_io", "upload %s skipped: %v", name, out.err)
			r.logger.Warn("image upload failed", "image", name, "error", out.err)
			continue
		}
		blobID := out.blobID
		r.actions.record("upload "+name, partitionBlob, func(ctx context.Context) error {
			return o.images.Delete(ctx, blobID)
		})
		r.uploads[name] = blobID
		r.mapping[f.FileData.ID] = blobID
		r.files = append(r.files, model.FileRecord{
			ID:               blobID,
			OriginalFilename: name,
			ContentType:      f.FileData.ContentType,
			SizeBytes:        int64(len(r.pkg.Images[name])),
			UploadedAt:       r.importedAt,
		})
	}

	if len(r.files) == 0 {
		return errors.Wrapf(model.ErrPartialIO, "none of %d images could be uploaded", len(files))
	}
	r.result.FilesImported = len(r.files)
	return nil
}

// writeCaseRecord 写入只读案件记录（新 blob ID + 原始 ID 映射）。
func (r *run) writeCaseRecord(ctx context.Context) error {
	o := r.o
	uid := r.req.User.UID
	meta := r.doc.Metadata
	importedAt := r.importedAt
	exportDate := meta.ExportDate.UTC()

	rec := &model.CaseRecord{
		SchemaVersion:      model.CaseSchemaVersion,
		CaseNumber:         meta.CaseNumber,
		CreatedAt:          meta.CaseCreatedDate.UTC(),
		Files:              r.files,
		IsReadOnly:         true,
		ImportedAt:         &importedAt,
		OriginalImageIDs:   r.mapping,
		SourceExporterUID:  meta.ExportedByUID,
		SourceExportDate:   &exportDate,
		SourceManifestHash: r.manifest.ManifestHash,
	}
	if err := o.cases.PutCase(ctx, uid, rec); err != nil {
		return errors.Wrapf(err, "write case record %s", meta.CaseNumber)
	}
	r.actions.record("case record "+meta.CaseNumber, partitionRecord, func(ctx context.Context) error {
		return o.cases.DeleteCase(ctx, uid, meta.CaseNumber)
	})
	return nil
}

// importAnnotations 按“文件名 -> 新 ID”把标注原样写入只读案件。
// 只读案件不走常规写权限校验；任何写入失败都使导入失败并回滚。
func (r *run) importAnnotations(ctx context.Context) error {
	o := r.o
	uid := r.req.User.UID
	caseNumber := r.doc.Metadata.CaseNumber

	for _, f := range r.doc.Files {
		if !f.HasAnnotations || f.Annotations == nil {
			continue
		}
		name := f.FileData.OriginalFilename
		newID, ok := r.uploads[name]
		if !ok {
			r.warnf(StepImportAnnotations, "partial_io", "annotations for %s skipped: image not imported", name)
			continue
		}
		if err := o.annotations.Put(ctx, uid, caseNumber, newID, f.Annotations); err != nil {
			return errors.Wrapf(err, "write annotations for %s", name)
		}
		r.actions.record("annotation "+name, partitionBlob, func(ctx context.Context) error {
			return o.annotations.Delete(ctx, uid, caseNumber, newID)
		})
		r.result.AnnotationsImported++
	}
	return nil
}

// registerForUser 把只读案件登记到导入者档案。
func (r *run) registerForUser(ctx context.Context) error {
	o := r.o
	uid := r.req.User.UID
	meta := r.doc.Metadata

	profile, err := o.profiles.GetProfile(ctx, uid)
	if err != nil {
		return errors.Wrapf(err, "load profile %s", uid)
	}
	profile.ReadOnlyCases = append(profile.ReadOnlyCases, model.ReadOnlyCaseDescriptor{
		CaseNumber:         meta.CaseNumber,
		ImportedAt:         r.importedAt,
		OriginalExportDate: meta.ExportDate.UTC(),
		OriginalExportedBy: meta.ExportedByUID,
		ExporterName:       meta.ExportedByName,
		SourceManifestHash: r.manifest.ManifestHash,
	})
	if err := o.profiles.PutProfile(ctx, profile); err != nil {
		return errors.Wrapf(err, "register case %s for %s", meta.CaseNumber, uid)
	}
	r.actions.record("profile entry "+meta.CaseNumber, partitionProfile, func(ctx context.Context) error {
		p, err := o.profiles.GetProfile(ctx, uid)
		if err != nil {
			return err
		}
		next := p.WithoutReadOnlyCase(meta.CaseNumber)
		return o.profiles.PutProfile(ctx, &next)
	})
	return nil
}
