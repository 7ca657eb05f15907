package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"toolmark-review/internal/app"
	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/privacy"
)

func newMigrateCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := s.rt.Store.GetSchemaMetaValue(cmd.Context(), "schema_version")
			if err != nil {
				return err
			}
			printf(cmd, "migrations applied: db=%s schema_version=%s\n", s.rt.Config.DBPath, v)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printf(cmd, "review-cli %s (commit %s, built %s)\n", app.Version, app.Commit, app.BuildTime)
			return nil
		},
	}
}

func newUserCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registered examiners",
	}

	var u model.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update an examiner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(u.UID) == "" {
				return errors.New("--uid is required")
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.rt.Store.PutUser(cmd.Context(), u); err != nil {
				return err
			}
			printf(cmd, "examiner registered: uid=%s\n", u.UID)
			return nil
		},
	}
	add.Flags().StringVar(&u.UID, "uid", "", "examiner uid (required)")
	add.Flags().StringVar(&u.DisplayName, "name", "", "display name")
	add.Flags().StringVar(&u.Email, "email", "", "email address")
	add.Flags().StringVar(&u.Organization, "org", "", "organization")
	add.Flags().StringVar(&u.BadgeID, "badge", "", "badge id")

	cmd.AddCommand(add)
	return cmd
}

func newCaseCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Create and inspect cases",
	}
	cmd.AddCommand(newCaseAddCommand(c))
	cmd.AddCommand(newCaseAnnotateCommand(c))
	cmd.AddCommand(newCaseListCommand(c))
	cmd.AddCommand(newCaseShowCommand(c))
	return cmd
}

// newCaseAddCommand 新建常规案件并上传图像；案件已存在时追加图像。
func newCaseAddCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add CASE_NUMBER IMAGE...",
		Short: "Create a case and upload evidence images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseNumber := args[0]
			if err := model.ValidateCaseNumber(caseNumber); err != nil {
				return err
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			user, err := c.requireExaminer(ctx, s)
			if err != nil {
				return err
			}

			p, err := s.rt.Store.GetProfile(ctx, user.UID)
			if err != nil {
				return err
			}
			if p.HasReadOnlyCase(caseNumber) {
				return errors.Wrapf(model.ErrConflict, "case %s is a read-only review case", caseNumber)
			}
			rec, err := s.rt.Store.GetCase(ctx, user.UID, caseNumber)
			if err != nil {
				return err
			}
			if rec == nil {
				rec = &model.CaseRecord{CaseNumber: caseNumber}
			}

			for _, path := range args[1:] {
				name := filepath.Base(path)
				for _, f := range rec.Files {
					if f.OriginalFilename == name {
						return errors.Wrapf(model.ErrConflict, "case %s already has an image named %s", caseNumber, name)
					}
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, "read image %s", path)
				}
				blobID, err := s.rt.Images.Upload(ctx, data, name)
				if err != nil {
					return err
				}
				rec.Files = append(rec.Files, model.FileRecord{
					ID:               blobID,
					OriginalFilename: name,
					ContentType:      http.DetectContentType(data),
					SizeBytes:        int64(len(data)),
					UploadedAt:       time.Now().UTC(),
				})
				printf(cmd, "uploaded %s id=%s\n", name, blobID)
			}
			if err := s.rt.Store.PutCase(ctx, user.UID, rec); err != nil {
				return err
			}
			if !p.HasRegularCase(caseNumber) {
				p.Cases = append(p.Cases, model.CaseDescriptor{CaseNumber: caseNumber, CreatedAt: rec.CreatedAt})
				if err := s.rt.Store.PutProfile(ctx, p); err != nil {
					return err
				}
			}
			printf(cmd, "case %s: %d images\n", caseNumber, len(rec.Files))
			return nil
		},
	}
}

func newCaseAnnotateCommand(c *commandContext) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "annotate CASE_NUMBER IMAGE_ID",
		Short: "Store an annotation record (JSON) for an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read annotation %s", file)
			}
			ann, err := model.DecodeAnnotationRecord(raw)
			if err != nil {
				return err
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			user, err := c.requireExaminer(ctx, s)
			if err != nil {
				return err
			}
			rec, err := s.rt.Store.GetCase(ctx, user.UID, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.Wrapf(model.ErrNotFound, "case %s", args[0])
			}
			if rec.IsReadOnly {
				return errors.Wrapf(model.ErrConflict, "case %s is read-only", args[0])
			}
			if _, ok := rec.FileByID(args[1]); !ok {
				return errors.Wrapf(model.ErrNotFound, "image %s in case %s", args[1], args[0])
			}
			ann.UpdatedAt = time.Now().UTC()
			if err := s.rt.Annotations.Put(ctx, user.UID, args[0], args[1], ann); err != nil {
				return err
			}
			printf(cmd, "annotation stored: case=%s image=%s boxes=%d\n", args[0], args[1], len(ann.BoxAnnotations))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "annotation JSON file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCaseListCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the examiner's cases",
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
			cases, err := s.svc.Views.ListCases(cmd.Context(), user.UID)
			if err != nil {
				return err
			}
			return c.emit(cmd, cases, func() {
				if len(cases) == 0 {
					printf(cmd, "no cases\n")
				}
				for _, cs := range cases {
					kind := "regular"
					if cs.IsReadOnly {
						kind = "read-only"
					}
					printf(cmd, "%-24s %s\n", cs.CaseNumber, kind)
				}
			})
		},
	}
}

func newCaseShowCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show CASE_NUMBER",
		Short: "Show files, annotations and confirmations of a case",
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
			view, err := s.svc.Views.Get(cmd.Context(), user.UID, args[0], privacy.Enabled(s.rt.Config.PrivacyMode))
			if err != nil {
				return err
			}
			return c.emit(cmd, view, func() {
				printf(cmd, "case=%s read_only=%v files=%d reports=%d\n", view.CaseNumber, view.IsReadOnly, len(view.Files), len(view.Reports))
				if view.Source != nil {
					printf(cmd, "source: exported by %s (%s) at %s\n", view.Source.ExporterName, view.Source.OriginalExportedBy, view.Source.ImportedAt.Format("2006-01-02 15:04:05"))
				}
				for _, f := range view.Files {
					confirmed := "-"
					if f.Authoritative != nil {
						confirmed = f.Authoritative.FullName + " " + f.Authoritative.ConfirmationID
					}
					printf(cmd, "  %s %-28s boxes=%d confirmations=%d authoritative=%s\n", f.ID, f.OriginalFilename, f.BoxAnnotations, f.Confirmations, confirmed)
				}
				for _, w := range view.Warnings {
					printf(cmd, "warning: %s\n", w)
				}
			})
		},
	}
}
