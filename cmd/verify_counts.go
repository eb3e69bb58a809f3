package cmd

import (
	"migration-guard/internal/config"
	"migration-guard/internal/metrics"
	"migration-guard/internal/snapshot"

	"github.com/spf13/cobra"
)

var verifyCountsCmd = &cobra.Command{
	Use:   "verify-counts <snapshot>",
	Short: "Check the headline table counts against a snapshot",
	Long: `Re-count the headline tables of the catalog and compare them with the counts
held by a snapshot file. Any difference, growth included, fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerifyCounts,
}

func init() {
	rootCmd.AddCommand(verifyCountsCmd)
}

func runVerifyCounts(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	snap, err := snapshot.ReadFile(args[0])
	if err != nil {
		return err
	}

	store, err := e.openDatastore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier := metrics.NewVerifier(store, config.Catalog(e.cfg.Tables), e.logger)
	mismatches, err := verifier.Verify(ctx, verifier.Expected(snap.RowCounts))
	e.printer.Metrics(mismatches)
	return err
}
