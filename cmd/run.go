package cmd

import (
	"migration-guard/internal/application"

	"github.com/spf13/cobra"
)

var (
	runRestoreFlag    bool
	runAutoApprove    bool
	runUpgradeCommand string
	runOffsite        bool
)

// runCmd executes a whole migration window
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a complete, verified migration window",
	Long: `Run a complete migration window:

  preflight -> snapshot "before" -> backup -> verify backup -> [offsite copy]
  -> upgrade (command or operator) -> [restore] -> snapshot "after"
  -> compare and confirm -> verify headline counts

Every artifact of the run is written to a new directory under the backup
destination. The run stops at the first failure; the backup set is never
touched after it has been verified.

The service must not be written to during the window, and two runs must not
target the same installation at the same time; neither is enforced.

Examples:
  # Pause for a manual upgrade
  migration-guard run

  # Upgrade with a command and restore the backup onto the new version
  migration-guard run --upgrade-command "/opt/notes-service/bin/upgrade" --restore

  # Acknowledge every finding without prompting
  migration-guard run --upgrade-command "..." --yes`,
	RunE: runMigration,
}

func init() {
	runCmd.Flags().BoolVar(&runRestoreFlag, "restore", false, "restore the fresh backup after the upgrade step")
	runCmd.Flags().BoolVarP(&runAutoApprove, "yes", "y", false, "acknowledge every finding without prompting")
	runCmd.Flags().StringVar(&runUpgradeCommand, "upgrade-command", "", "shell command performing the upgrade (default: wait for the operator)")
	runCmd.Flags().BoolVar(&runOffsite, "offsite", false, "copy the verified backup to offsite storage")

	rootCmd.AddCommand(runCmd)
}

func runMigration(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	opts := application.Options{
		Restore:        runRestoreFlag,
		UpgradeCommand: runUpgradeCommand,
		Offsite:        runOffsite,
		Version:        version,
	}
	// --yes acknowledges findings; the upgrade pause still waits for the operator
	prompt := e.prompter().WithAutoApprove(runAutoApprove)

	runner := application.NewRunner(e.cfg, opts, e.connector(), e.tool, e.printer,
		prompt.Confirm, prompt.WaitForOperator,
		logConfig(e.cfg, cmd.ErrOrStderr()), e.logger)

	_, err = runner.Run(cmd.Context())
	return err
}
