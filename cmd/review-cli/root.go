package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "review-cli",
		Short:         "Toolmark review workstation CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&ctx.dbPath, "db", "", "override db_path from config")
	flags.StringVar(&ctx.bucketURL, "bucket", "", "override bucket_url from config")
	flags.StringVarP(&ctx.examiner, "examiner", "u", "", "examiner uid (defaults to $TOOLMARK_EXAMINER)")
	flags.StringVar(&ctx.logFormat, "log-format", "text", "log format: text|json")
	flags.StringVar(&ctx.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	flags.BoolVar(&ctx.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newUserCommand(ctx))
	rootCmd.AddCommand(newCaseCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newVerifyCommand(ctx))
	rootCmd.AddCommand(newConfirmCommand(ctx))
	rootCmd.AddCommand(newConfirmationsCommand(ctx))
	rootCmd.AddCommand(newReportCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
