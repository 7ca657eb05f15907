package main

import (
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/services/confirmation"
	"toolmark-review/internal/services/privacy"
)

func newConfirmCommand(c *commandContext) *cobra.Command {
	var in confirmation.StoreInput
	cmd := &cobra.Command{
		Use:   "confirm CASE_NUMBER IMAGE_ID",
		Short: "Confirm the original examiner's conclusion on an imported image",
		Args:  cobra.ExactArgs(2),
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
			rec, err := s.svc.Ledger.Store(cmd.Context(), user, args[0], args[1], in)
			if err != nil {
				return err
			}
			return c.emit(cmd, rec, func() {
				printf(cmd, "confirmation stored: id=%s by=%s at=%s\n", rec.ConfirmationID, rec.FullName, rec.Timestamp)
			})
		},
	}
	cmd.Flags().StringVar(&in.FullName, "name", "", "confirming examiner name (defaults to profile)")
	cmd.Flags().StringVar(&in.BadgeID, "badge", "", "badge id (defaults to profile)")
	cmd.Flags().StringVar(&in.Email, "email", "", "email (defaults to profile)")
	cmd.Flags().StringVar(&in.Organization, "org", "", "organization (defaults to profile)")
	return cmd
}

func newConfirmationsCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirmations",
		Short: "Read, export and import confirmation ledgers",
	}
	cmd.AddCommand(newConfirmationsListCommand(c))
	cmd.AddCommand(newConfirmationsExportCommand(c))
	cmd.AddCommand(newConfirmationsImportCommand(c))
	return cmd
}

func newConfirmationsListCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list CASE_NUMBER",
		Short: "Print the confirmation ledger of a case",
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
			m, err := s.svc.Ledger.Read(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			if privacy.Enabled(s.rt.Config.PrivacyMode) {
				m = privacy.MaskConfirmations(m)
			}
			return c.emit(cmd, m, func() {
				ids := make([]string, 0, len(m))
				for k := range m {
					ids = append(ids, k)
				}
				sort.Strings(ids)
				if len(ids) == 0 {
					printf(cmd, "no confirmations\n")
				}
				for _, k := range ids {
					auth, _ := model.Authoritative(m[k])
					printf(cmd, "%s records=%d authoritative=%s (%s)\n", k, len(m[k]), auth.ConfirmationID, auth.FullName)
				}
			})
		},
	}
}

func newConfirmationsExportCommand(c *commandContext) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export CASE_NUMBER",
		Short: "Write a checksummed confirmation document for the original examiner",
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
			res, err := s.svc.ConfExporter.ExportToFile(cmd.Context(), dir, user, args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd, res, func() {
				printf(cmd, "confirmations exported: path=%s sha256=%s\n", res.Path, res.SHA256)
				printf(cmd, "checksum=%s confirmations=%d\n", res.Document.Metadata.Checksum, res.Document.Metadata.TotalConfirmations)
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (defaults to export_dir)")
	return cmd
}

func newConfirmationsImportCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Merge a reviewer's confirmation document into the original case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read confirmation document %s", args[0])
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
			res := s.svc.ConfImporter.Import(cmd.Context(), user, raw)
			if err := c.emit(cmd, res, func() {
				printf(cmd, "confirmation import success=%v case=%s imported=%d images_updated=%d\n",
					res.Success, res.CaseNumber, res.ConfirmationsImported, res.ImagesUpdated)
				for _, id := range res.Skipped {
					printf(cmd, "skipped %s\n", id)
				}
				for _, id := range res.Rejected {
					printf(cmd, "rejected %s\n", id)
				}
				printEntries(cmd, "error", res.Errors)
				printEntries(cmd, "warning", res.Warnings)
			}); err != nil {
				return err
			}
			if !res.Success {
				return errors.Newf("confirmation import finished with %d errors", len(res.Errors))
			}
			return nil
		},
	}
}
