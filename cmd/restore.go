package cmd

import (
	"fmt"

	"migration-guard/internal/restore"

	"github.com/spf13/cobra"
)

var restoreAutoApprove bool

var restoreCmd = &cobra.Command{
	Use:   "restore <dir|id>",
	Short: "Restore a verified backup set over the live installation",
	Long: `Restore a backup set over the live installation.

The set is verified first; any fatal finding stops the restore before anything
live is touched. The secret bundle and key are restored first (or the bundle
is re-encrypted when restore.reencrypt_recipient is set), then the datastore
dump inside one transaction, then the user file trees.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreAutoApprove, "yes", "y", false, "do not ask before overwriting live data")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	set, err := resolveSet(e, args[0])
	if err != nil {
		return err
	}

	if err := e.prompter().WithSkipPause(restoreAutoApprove).WaitForOperator(ctx,
		fmt.Sprintf("Restoring backup %s overwrites the live datastore, secrets and user files; press enter to continue or Ctrl-C to abort", set.ID)); err != nil {
		return err
	}

	store, err := e.openDatastore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := restore.NewOrchestrator(e.cfg, store, e.tool, e.logger).Restore(ctx, set)
	if result != nil {
		e.printer.Restore(result)
	}
	return err
}
