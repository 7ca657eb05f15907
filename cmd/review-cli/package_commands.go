package main

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"toolmark-review/internal/adapters/archive"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/auditverify"
	"toolmark-review/internal/services/caseimport"
	"toolmark-review/internal/services/forensicexport"
	"toolmark-review/internal/services/importverify"
)

func newExportCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export case packages",
	}

	var format, outDir string
	pkg := &cobra.Command{
		Use:   "package CASE_NUMBER",
		Short: "Write a case package ZIP with a forensic manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			user, err := c.requireExaminer(cmd.Context(), s)
			if err != nil {
				return err
			}
			dir := outDir
			if strings.TrimSpace(dir) == "" {
				dir = s.rt.Config.ExportDir
			}
			res, err := s.svc.Exporter.ExportToDir(cmd.Context(), dir, forensicexport.Request{
				User:         user,
				CaseNumber:   args[0],
				Format:       format,
				Organization: s.rt.Config.Organization,
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, res, func() {
				printf(cmd, "case package exported\n")
				printf(cmd, "zip=%s\n", res.ZipPath)
				printf(cmd, "zip_sha256=%s\n", res.ZipSHA256)
				printf(cmd, "manifest_hash=%s files=%d\n", res.Manifest.ManifestHash, res.Manifest.TotalFiles)
				printf(cmd, "report_id=%s\n", res.ReportID)
				for _, w := range res.Warnings {
					printf(cmd, "warning: %s\n", w)
				}
			})
		},
	}
	pkg.Flags().StringVar(&format, "format", forensicexport.FormatJSON, "data file format: json|csv (csv is not importable)")
	pkg.Flags().StringVarP(&outDir, "out", "o", "", "output directory (defaults to export_dir)")

	cmd.AddCommand(pkg)
	return cmd
}

func newImportCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import case packages for review",
	}

	var overwrite bool
	pkg := &cobra.Command{
		Use:   "package ZIP",
		Short: "Validate and import a case package as a read-only review case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read package %s", args[0])
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			user, err := c.requireExaminer(cmd.Context(), s)
			if err != nil {
				return err
			}
			res := s.svc.Importer.Import(cmd.Context(), caseimport.Request{
				User:              user,
				Archive:           raw,
				OverwriteExisting: overwrite,
				OnStep: func(step caseimport.Step) {
					if !c.jsonOutput {
						printf(cmd, "step %s\n", step)
					}
				},
			})
			if err := c.emit(cmd, res, func() {
				printf(cmd, "import success=%v case=%s files=%d annotations=%d correlation_id=%s\n",
					res.Success, res.CaseNumber, res.FilesImported, res.AnnotationsImported, res.CorrelationID)
				printEntries(cmd, "error", res.Errors)
				printEntries(cmd, "warning", res.Warnings)
			}); err != nil {
				return err
			}
			if !res.Success {
				return errors.Newf("import failed at step %s", res.FailedStep)
			}
			return nil
		},
	}
	pkg.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing read-only case with the same number")

	cmd.AddCommand(pkg)
	return cmd
}

func newVerifyCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify packages and audit chains",
	}
	cmd.AddCommand(newVerifyPackageCommand(c))
	cmd.AddCommand(newVerifyAuditsCommand(c))
	return cmd
}

// newVerifyPackageCommand 离线校验案件包，不打开数据库。
func newVerifyPackageCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "package ZIP",
		Short: "Re-hash a case package against its forensic manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrapf(err, "open package %s", args[0])
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return errors.Wrap(err, "stat package")
			}
			pkg, err := archive.Read(f, st.Size())
			if err != nil {
				return err
			}
			res, manifest := importverify.VerifyPackage(pkg)
			extra := importverify.ExtraImages(pkg.Images, manifest)

			out := struct {
				Package     string                 `json:"package"`
				DataFile    string                 `json:"data_file"`
				Validation  model.ValidationResult `json:"validation"`
				ExtraImages []string               `json:"extra_images,omitempty"`
			}{args[0], pkg.DataFileName, res, extra}
			if err := c.emit(cmd, out, func() {
				printf(cmd, "package=%s data_file=%s\n", args[0], pkg.DataFileName)
				printf(cmd, "data_valid=%v manifest_valid=%v images=%d/%d\n",
					res.DataValid, res.ManifestValid, res.Summary.ImagesValid, res.Summary.ImagesExpected)
				for _, e := range res.Errors {
					printf(cmd, "FAIL %s\n", e)
				}
				for _, name := range extra {
					printf(cmd, "warning: image %s is not listed in the manifest\n", name)
				}
			}); err != nil {
				return err
			}
			if !res.IsValid {
				return errors.Wrapf(model.ErrIntegrity, "package verification failed: %s", res.Summary.Message)
			}
			return nil
		},
	}
}

func newVerifyAuditsCommand(c *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audits CASE_NUMBER",
		Short: "Recompute the audit hash chain of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := auditverify.VerifyCase(cmd.Context(), s.rt.Store, args[0], limit)
			if err != nil {
				return err
			}
			if err := c.emit(cmd, res, func() {
				printf(cmd, "audit_chain case=%s total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n",
					res.CaseNumber, res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed)
				for _, f := range res.Failures {
					printf(cmd, "FAIL index=%d event_id=%s correlation_id=%s %s/%s: %s\n",
						f.Index, f.EventID, f.CorrelationID, f.EventType, f.Action, f.Message)
				}
			}); err != nil {
				return err
			}
			if !res.OK {
				return errors.Wrapf(model.ErrIntegrity, "audit chain broken for case %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5000, "maximum number of audit records to check")
	return cmd
}
