package main

import (
	"strings"

	"github.com/spf13/cobra"

	"toolmark-review/internal/services/forensicpdf"
	"toolmark-review/internal/services/privacy"
	"toolmark-review/internal/services/webapp"
)

func newReportCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate review reports",
	}

	var outDir, note string
	var masked bool
	pdf := &cobra.Command{
		Use:   "pdf CASE_NUMBER",
		Short: "Render a review PDF with hashes, confirmations and the audit chain status",
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
			res, err := s.svc.PDF.Generate(cmd.Context(), forensicpdf.Options{
				User:       user,
				CaseNumber: args[0],
				OutputDir:  dir,
				Masked:     masked || privacy.Enabled(s.rt.Config.PrivacyMode),
				Note:       note,
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, res, func() {
				printf(cmd, "review report generated: path=%s sha256=%s report_id=%s\n", res.PDFPath, res.PDFSHA256, res.ReportID)
				for _, w := range res.Warnings {
					printf(cmd, "warning: %s\n", w)
				}
			})
		},
	}
	pdf.Flags().StringVarP(&outDir, "out", "o", "", "output directory (defaults to export_dir)")
	pdf.Flags().StringVar(&note, "note", "", "free-text note printed on the report")
	pdf.Flags().BoolVar(&masked, "masked", false, "mask confirmer emails, badges and names")

	cmd.AddCommand(pdf)
	return cmd
}

func newServeCommand(c *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the review workstation HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if strings.TrimSpace(addr) != "" {
				s.rt.Config.ListenAddr = addr
			}
			return webapp.Run(cmd.Context(), s.rt)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to listen_addr)")
	return cmd
}
