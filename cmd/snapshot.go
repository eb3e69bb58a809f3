package cmd

import (
	"fmt"
	"time"

	"migration-guard/internal/config"
	"migration-guard/internal/diff"
	"migration-guard/internal/snapshot"

	"github.com/spf13/cobra"
)

var (
	snapshotLabel      string
	snapshotOutput     string
	compareAutoApprove bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture and compare structural snapshots",
	Long: `Capture structural snapshots of the datastore and compare them.

A snapshot holds the row counts, the structural rows and the sample
identifiers of the tables in the catalog. It is written as JSON with a
detached SHA-256 digest next to it; reading a snapshot whose digest does not
match fails.`,
}

var snapshotCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a snapshot of the live datastore",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotCapture,
}

var snapshotCompareCmd = &cobra.Command{
	Use:   "compare <before> <after>",
	Short: "Compare two snapshot files and confirm every finding",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotCompare,
}

func init() {
	snapshotCaptureCmd.Flags().StringVar(&snapshotLabel, "label", "manual", "label stored in the snapshot")
	snapshotCaptureCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "", "snapshot file (default snapshot-<label>-<time>.json)")
	snapshotCompareCmd.Flags().BoolVarP(&compareAutoApprove, "yes", "y", false, "acknowledge every finding without prompting")

	snapshotCmd.AddCommand(snapshotCaptureCmd, snapshotCompareCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotCapture(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	store, err := e.openDatastore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := snapshot.NewCapturer(store, config.Catalog(e.cfg.Tables), e.cfg.Snapshot.SampleSize, e.logger).
		Capture(ctx, snapshotLabel)
	if err != nil {
		return err
	}

	path := snapshotOutput
	if path == "" {
		path = fmt.Sprintf("snapshot-%s-%s.json", snapshotLabel, time.Now().UTC().Format("20060102T150405Z"))
	}
	if err := snapshot.WriteFile(path, snap); err != nil {
		return err
	}
	e.printer.Snapshot(snap, path)
	return nil
}

func runSnapshotCompare(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	before, err := snapshot.ReadFile(args[0])
	if err != nil {
		return err
	}
	after, err := snapshot.ReadFile(args[1])
	if err != nil {
		return err
	}

	result, err := diff.Compare(before, after, config.Catalog(e.cfg.Tables))
	if err != nil {
		return err
	}
	e.printer.Diff(result)

	decisions, err := diff.Resolve(cmd.Context(), result, e.prompter().WithAutoApprove(compareAutoApprove).Confirm, e.logger)
	if err != nil {
		return err
	}
	if len(decisions) > 0 {
		e.printer.Success(fmt.Sprintf("%d finding(s) acknowledged", len(decisions)))
	} else {
		e.printer.Success("No differences require confirmation")
	}
	return nil
}
