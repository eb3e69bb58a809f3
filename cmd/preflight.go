package cmd

import (
	"migration-guard/internal/preflight"

	"github.com/spf13/cobra"
)

// preflightCmd validates the environment without changing anything
var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check that the environment is ready for a migration",
	Long: `Check the installation, the datastore, the secret bundle and its key, and
the free space at the backup destination. Nothing is written.

Active sessions on the datastore are reported as a warning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		report, err := preflight.NewValidator(e.cfg, e.connector(), e.tool, e.logger).Validate(cmd.Context())
		if report != nil {
			e.printer.Preflight(report)
		}
		if err != nil {
			return err
		}
		e.printer.Success("Environment is ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}
