// Package application drives one migration window from preflight to the
// final report.
package application

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/database"
	"migration-guard/internal/diff"
	"migration-guard/internal/display"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/metrics"
	"migration-guard/internal/preflight"
	"migration-guard/internal/restore"
	"migration-guard/internal/secrets"
	"migration-guard/internal/snapshot"
	"migration-guard/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Snapshot file names inside the run directory
const (
	BeforeSnapshotFile = "snapshot-before.json"
	AfterSnapshotFile  = "snapshot-after.json"
)

// Run step names used in logs and telemetry
const (
	StepPreflight = "preflight"
	StepBefore    = "snapshot_before"
	StepBackup    = "backup"
	StepVerify    = "verify"
	StepOffsite   = "offsite"
	StepUpgrade   = "upgrade"
	StepRestore   = "restore"
	StepAfter     = "snapshot_after"
	StepDiff      = "diff"
	StepMetrics   = "metrics"
)

// Datastore is the live datastore access a run needs
type Datastore interface {
	backup.Datastore
	snapshot.Source
	restore.Datastore
	metrics.Counter
	Close() error
}

// Preflighter validates the environment before anything is written
type Preflighter interface {
	Validate(ctx context.Context) (*preflight.Report, error)
}

// OpenFunc opens the datastore for the run
type OpenFunc func(ctx context.Context) (Datastore, error)

// UpgradeFunc performs or waits for the external destructive operation
type UpgradeFunc func(ctx context.Context, logger *logging.Logger) error

// Options selects the optional parts of a run
type Options struct {
	// Restore replays the fresh backup after the upgrade step
	Restore bool
	// UpgradeCommand is run through the shell; empty means the operator
	// is asked to perform the upgrade by hand
	UpgradeCommand string
	// Offsite pushes the verified backup set to remote storage
	Offsite bool
	// Version is recorded in the run log
	Version string
}

// Result collects everything a run produced
type Result struct {
	RunID      string
	RunDir     string
	Preflight  *preflight.Report
	Before     *snapshot.Snapshot
	After      *snapshot.Snapshot
	Backup     *backup.BackupSet
	Verify     *backup.VerifyReport
	Offsite    string
	Restore    *restore.Result
	Diff       *diff.Result
	Decisions  []diff.Decision
	Mismatches []metrics.Mismatch
	Duration   time.Duration
	Success    bool
}

// Runner executes the migration window
type Runner struct {
	cfg         *config.Config
	opts        Options
	tool        secrets.Tool
	printer     *display.Printer
	confirm     diff.ConfirmFunc
	logConfig   logging.Config
	logger      *logging.Logger
	fs          afero.Fs
	preflighter Preflighter
	open        OpenFunc
	upgrade     UpgradeFunc
	offsite     func(ctx context.Context, logger *logging.Logger) (*Offsite, error)
}

// NewRunner wires a runner against the live system. dialer selects the
// datastore credentials; confirm answers diff findings; pause waits for
// the operator when no upgrade command is configured.
func NewRunner(cfg *config.Config, opts Options, dialer preflight.Dialer, tool secrets.Tool,
	printer *display.Printer, confirm diff.ConfirmFunc, pause func(ctx context.Context, message string) error,
	logConfig logging.Config, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Runner{
		cfg:         cfg,
		opts:        opts,
		tool:        tool,
		printer:     printer,
		confirm:     confirm,
		logConfig:   logConfig,
		logger:      logger,
		fs:          afero.NewOsFs(),
		preflighter: preflight.NewValidator(cfg, dialer, tool, logger),
	}
	r.open = func(ctx context.Context) (Datastore, error) {
		db, _, err := dialer.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return database.NewService(db, cfg.Database.Name, r.logger), nil
	}
	r.upgrade = ShellUpgrade(opts.UpgradeCommand, pause)
	r.offsite = func(ctx context.Context, logger *logging.Logger) (*Offsite, error) {
		return NewOffsite(ctx, cfg.Offsite, r.fs, logger)
	}
	return r
}

// WithPreflighter replaces the preflight validator
func (r *Runner) WithPreflighter(p Preflighter) *Runner {
	r.preflighter = p
	return r
}

// WithOpenFunc replaces the datastore opener
func (r *Runner) WithOpenFunc(open OpenFunc) *Runner {
	r.open = open
	return r
}

// WithUpgradeFunc replaces the upgrade step
func (r *Runner) WithUpgradeFunc(fn UpgradeFunc) *Runner {
	r.upgrade = fn
	return r
}

// WithOffsite replaces how the offsite target is built
func (r *Runner) WithOffsite(fn func(ctx context.Context, logger *logging.Logger) (*Offsite, error)) *Runner {
	r.offsite = fn
	return r
}

// Run executes the whole window. The returned result is never nil and holds
// whatever was produced before a failure.
func (r *Runner) Run(ctx context.Context) (result *Result, err error) {
	start := time.Now()
	result = &Result{}
	rec := telemetry.NewRecorder()
	rec.RunStarted(start)
	catalog := config.Catalog(r.cfg.Tables)

	r.logger.Info("migration-guard run starting")

	err = r.step(rec, StepPreflight, func() error {
		report, err := r.preflighter.Validate(ctx)
		result.Preflight = report
		if report != nil {
			r.printer.Preflight(report)
		}
		return err
	})
	if err != nil {
		result.Duration = time.Since(start)
		return result, err
	}

	// Preflight mutates nothing, so the run directory only appears now
	result.RunID = backup.NewBackupID()
	result.RunDir = filepath.Join(r.cfg.Backup.Destination, result.RunID)
	if err := r.fs.MkdirAll(result.RunDir, 0o750); err != nil {
		result.Duration = time.Since(start)
		return result, errors.NewArtifactFailure("run_directory", fmt.Sprintf("failed to create %s", result.RunDir), err)
	}

	logger, err := logging.NewRunLogger(r.logConfig, result.RunDir)
	if err != nil {
		result.Duration = time.Since(start)
		return result, errors.NewArtifactFailure(backup.ArtifactRunLog, "failed to open the run log", err)
	}
	logger.WithFields(map[string]interface{}{
		"run_dir": result.RunDir,
		"version": r.opts.Version,
		"restore": r.opts.Restore,
	}).Info("Run started")

	defer func() {
		result.Duration = time.Since(start)
		result.Success = err == nil
		rec.RunFinished(time.Now(), err)
		if werr := rec.WriteFile(filepath.Join(result.RunDir, telemetry.FileName)); werr != nil {
			logger.WithField("error", werr.Error()).Warn("Failed to write run metrics")
		}
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"error_type": string(errors.GetErrorType(err)),
				"duration":   result.Duration.String(),
			}).Error("Run failed")
		} else {
			logger.WithField("duration", result.Duration.String()).Info("Run completed")
		}
		if cerr := logger.Close(); cerr != nil {
			r.logger.WithField("error", cerr.Error()).Warn("Failed to close the run log")
		}
	}()

	store, err := r.open(ctx)
	if err != nil {
		return result, errors.WrapError(err, "failed to open the datastore")
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.WithField("error", cerr.Error()).Debug("Closing datastore connection failed")
		}
	}()

	capturer := snapshot.NewCapturer(store, catalog, r.cfg.Snapshot.SampleSize, logger)

	err = r.step(rec, StepBefore, func() error {
		snap, err := r.capture(ctx, capturer, "before", filepath.Join(result.RunDir, BeforeSnapshotFile))
		result.Before = snap
		return err
	})
	if err != nil {
		return result, err
	}
	rec.TableRows("before", result.Before.RowCounts)

	err = r.step(rec, StepBackup, func() error {
		set, err := backup.NewManager(r.cfg, store, r.tool, logger).
			WithFs(r.fs).
			WithToolVersion(r.opts.Version).
			BackupTo(ctx, result.RunDir)
		result.Backup = set
		return err
	})
	if err != nil {
		return result, err
	}
	r.printer.BackupCreated(result.Backup)
	r.recordArtifacts(rec, result.Backup)

	err = r.step(rec, StepVerify, func() error {
		report, err := backup.NewVerifier(r.tool, logger).Verify(ctx, result.Backup)
		result.Verify = report
		if report != nil {
			r.printer.Verify(report)
		}
		return err
	})
	if err != nil {
		return result, err
	}

	if r.opts.Offsite || r.cfg.Offsite.Enabled {
		err = r.step(rec, StepOffsite, func() error {
			target, err := r.offsite(ctx, logger)
			if err != nil {
				return err
			}
			defer target.Close()
			pushed, err := target.Push(ctx, result.Backup)
			if err != nil {
				return err
			}
			result.Offsite = pushed.Location
			rec.ArtifactSize("offsite_archive", pushed.Bytes)
			r.printer.Success(fmt.Sprintf("Backup copied offsite to %s (%s)", pushed.Location, display.FormatBytes(pushed.Bytes)))
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	err = r.step(rec, StepUpgrade, func() error {
		done := logger.LogOperationStart("upgrade", map[string]interface{}{"command": r.opts.UpgradeCommand})
		err := r.upgrade(ctx, logger)
		done(err)
		if err != nil {
			return errors.NewArtifactFailure("upgrade", "the upgrade step failed; the backup set is intact", err).
				WithContext("backup_dir", result.RunDir)
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if r.opts.Restore {
		err = r.step(rec, StepRestore, func() error {
			res, err := restore.NewOrchestrator(r.cfg, store, r.tool, logger).Restore(ctx, result.Backup)
			result.Restore = res
			if res != nil {
				r.printer.Restore(res)
			}
			return err
		})
		if err != nil {
			return result, err
		}
	}

	err = r.step(rec, StepAfter, func() error {
		snap, err := r.capture(ctx, capturer, "after", filepath.Join(result.RunDir, AfterSnapshotFile))
		result.After = snap
		return err
	})
	if err != nil {
		return result, err
	}
	rec.TableRows("after", result.After.RowCounts)

	err = r.step(rec, StepDiff, func() error {
		res, err := diff.Compare(result.Before, result.After, catalog)
		if err != nil {
			return err
		}
		result.Diff = res
		rec.Findings(findingCounts(res))
		r.printer.Diff(res)

		result.Decisions, err = diff.Resolve(ctx, res, r.confirm, logger)
		return err
	})
	if err != nil {
		return result, err
	}

	err = r.step(rec, StepMetrics, func() error {
		verifier := metrics.NewVerifier(store, catalog, logger)
		mismatches, err := verifier.Verify(ctx, verifier.Expected(result.Before.RowCounts))
		result.Mismatches = mismatches
		rec.Mismatches(len(mismatches))
		r.printer.Metrics(mismatches)
		return err
	})
	if err != nil {
		return result, err
	}

	r.printer.Success(fmt.Sprintf("Migration verified; artifacts in %s", result.RunDir))
	return result, nil
}

func (r *Runner) step(rec *telemetry.Recorder, name string, fn func() error) error {
	done := rec.Step(name)
	err := fn()
	done(err)
	return err
}

func (r *Runner) capture(ctx context.Context, capturer *snapshot.Capturer, label, path string) (*snapshot.Snapshot, error) {
	snap, err := capturer.Capture(ctx, label)
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteFile(path, snap); err != nil {
		return snap, errors.NewArtifactFailure("snapshot_"+label, fmt.Sprintf("failed to write %s", path), err)
	}
	r.printer.Snapshot(snap, path)
	return snap, nil
}

func (r *Runner) recordArtifacts(rec *telemetry.Recorder, set *backup.BackupSet) {
	for _, artifact := range []string{
		backup.ArtifactDatastoreDump,
		backup.ArtifactSecretBundle,
		backup.ArtifactSecretKey,
		backup.ArtifactSecretConfig,
	} {
		if info, err := r.fs.Stat(set.Path(artifact)); err == nil {
			rec.ArtifactSize(artifact, info.Size())
		}
	}
	if stats, err := backup.TreeSize(r.fs, set.FileTreePath()); err == nil {
		rec.ArtifactSize(backup.ArtifactFileTree, stats.Bytes)
	}
}

func findingCounts(res *diff.Result) map[string]int {
	counts := make(map[string]int)
	for _, s := range []diff.Severity{diff.SeverityInformational, diff.SeverityWarning, diff.SeverityDataLoss} {
		counts[string(s)] = res.Count(s)
	}
	return counts
}

// ShellUpgrade returns the upgrade step. A command runs through sh -c with
// its output mirrored into the run log; without one the operator is asked
// to perform the upgrade and press enter.
func ShellUpgrade(command string, pause func(ctx context.Context, message string) error) UpgradeFunc {
	return func(ctx context.Context, logger *logging.Logger) error {
		if command == "" {
			if pause == nil {
				return errors.NewAppError(errors.ErrorTypeValidation,
					"no upgrade command is configured and no operator is available", nil)
			}
			logger.Info("Waiting for the operator to perform the upgrade")
			return pause(ctx, "Perform the upgrade now; press enter when it is done")
		}

		stdout := logger.WithField("stream", "stdout").WriterLevel(logrus.InfoLevel)
		stderr := logger.WithField("stream", "stderr").WriterLevel(logrus.WarnLevel)
		defer stdout.Close()
		defer stderr.Close()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.Env = os.Environ()
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("upgrade command %q failed: %w", command, err)
		}
		return nil
	}
}
