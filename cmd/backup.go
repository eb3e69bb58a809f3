package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"migration-guard/internal/application"
	"migration-guard/internal/backup"
	"migration-guard/internal/display"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"

	"github.com/spf13/cobra"
)

var (
	listRemote bool
	fetchSkip  bool
)

// backupCmd groups the backup subcommands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, verify, list and copy backup sets",
	Long: `Create, verify, list and copy backup sets.

A backup set is a directory named by a time-sortable ID under the backup
destination. It holds the datastore dump, the secret bundle with its key and
recipient configuration, the user file trees, the run log and, written last,
manifest.json. A directory without a manifest is an incomplete backup.

Examples:
  # Create and verify a backup
  migration-guard backup create

  # Re-verify an existing set
  migration-guard backup verify 01J9ZX4B7W3Q8N6M2K5T1R0V9C

  # Copy a set offsite and fetch it back on another host
  migration-guard backup push 01J9ZX4B7W3Q8N6M2K5T1R0V9C
  migration-guard backup fetch 01J9ZX4B7W3Q8N6M2K5T1R0V9C`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new backup set and verify it",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <dir|id>",
	Short: "Verify the integrity of a backup set",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup sets under the destination",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupPushCmd = &cobra.Command{
	Use:   "push <dir|id>",
	Short: "Verify a backup set and copy it to offsite storage",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupPush,
}

var backupFetchCmd = &cobra.Command{
	Use:   "fetch <id>",
	Short: "Download a backup set from offsite storage and verify it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupFetch,
}

func init() {
	backupListCmd.Flags().BoolVar(&listRemote, "remote", false, "list archives in offsite storage instead")
	backupFetchCmd.Flags().BoolVar(&fetchSkip, "skip-verify", false, "do not verify the fetched set")

	backupCmd.AddCommand(backupCreateCmd, backupVerifyCmd, backupListCmd, backupPushCmd, backupFetchCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	dir := filepath.Join(e.cfg.Backup.Destination, backup.NewBackupID())
	logger, err := logging.NewRunLogger(logConfig(e.cfg, cmd.ErrOrStderr()), dir)
	if err != nil {
		return errors.NewArtifactFailure(backup.ArtifactRunLog, "failed to open the run log", err)
	}
	defer logger.Close()

	store, err := e.openDatastore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	set, err := backup.NewManager(e.cfg, store, e.tool, logger).WithToolVersion(version).BackupTo(ctx, dir)
	if err != nil {
		return err
	}
	e.printer.BackupCreated(set)

	return verifySet(ctx, e, set, logger)
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	set, err := resolveSet(e, args[0])
	if err != nil {
		return err
	}
	return verifySet(cmd.Context(), e, set, e.logger)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if listRemote {
		offsite, err := application.NewOffsite(cmd.Context(), e.cfg.Offsite, nil, e.logger)
		if err != nil {
			return err
		}
		defer offsite.Close()

		objects, err := offsite.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(objects) == 0 {
			e.printer.Info("No offsite archives")
			return nil
		}
		t := display.NewTable(e.printer.Palette(), "Archive", "Size", "Modified")
		t.AlignRight(1)
		for _, o := range objects {
			t.AddRow(o.Key, display.FormatBytes(o.Size), o.Modified.Local().Format("2006-01-02 15:04:05"))
		}
		t.RenderTo(e.out)
		return nil
	}

	sets, err := backup.ListSets(e.cfg.Backup.Destination)
	if err != nil {
		return err
	}
	e.printer.BackupList(sets)
	return nil
}

func runBackupPush(cmd *cobra.Command, args []string) error {
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
	// only verified sets leave the host
	if err := verifySet(ctx, e, set, e.logger); err != nil {
		return err
	}

	offsite, err := application.NewOffsite(ctx, e.cfg.Offsite, nil, e.logger)
	if err != nil {
		return err
	}
	defer offsite.Close()

	pushed, err := offsite.Push(ctx, set)
	if err != nil {
		return err
	}
	e.printer.Success(fmt.Sprintf("Backup %s copied to %s (%s, %d files)",
		set.ID, pushed.Location, display.FormatBytes(pushed.Bytes), pushed.Stats.Files))
	return nil
}

func runBackupFetch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	ctx := cmd.Context()

	offsite, err := application.NewOffsite(ctx, e.cfg.Offsite, nil, e.logger)
	if err != nil {
		return err
	}
	defer offsite.Close()

	set, err := offsite.Fetch(ctx, args[0], e.cfg.Backup.Destination)
	if err != nil {
		return err
	}
	e.printer.Success(fmt.Sprintf("Backup %s fetched into %s", set.ID, set.Dir))
	if fetchSkip {
		e.printer.Warning("Verification skipped; the set is verified again before any restore")
		return nil
	}
	return verifySet(ctx, e, set, e.logger)
}

func verifySet(ctx context.Context, e *env, set *backup.BackupSet, logger *logging.Logger) error {
	report, err := backup.NewVerifier(e.tool, logger).Verify(ctx, set)
	if report != nil {
		e.printer.Verify(report)
	}
	return err
}

// resolveSet accepts a backup directory or the ID of a set under the
// destination. A directory without a valid manifest is still returned so
// that verification can report what is missing.
func resolveSet(e *env, arg string) (*backup.BackupSet, error) {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		set, err := backup.LoadSet(arg)
		if err != nil {
			abs, aerr := filepath.Abs(arg)
			if aerr != nil {
				abs = arg
			}
			e.logger.WithField("dir", abs).Warn("Backup directory has no valid manifest")
			return &backup.BackupSet{ID: filepath.Base(abs), Dir: abs}, nil
		}
		return set, nil
	}
	set, err := backup.FindSet(e.cfg.Backup.Destination, arg)
	if err != nil {
		return nil, errors.NewArtifactFailure("manifest",
			fmt.Sprintf("no complete backup set %s under %s", arg, e.cfg.Backup.Destination), err)
	}
	return set, nil
}
