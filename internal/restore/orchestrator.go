// Package restore replays a verified backup set into the live installation.
//
// Secrets are restored first because the datastore credential may live in
// the bundle, then the datastore dump inside a single transaction with
// foreign key checks suspended, then the user file tree.
package restore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/database"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/secrets"

	"github.com/spf13/afero"
)

// maxPlaceholders is MySQL's prepared statement parameter limit
const maxPlaceholders = 65535

// Datastore is the write access the orchestrator needs
type Datastore interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	CountRows(ctx context.Context, table string) (int64, error)
}

// Result describes a finished restore
type Result struct {
	BackupID string
	// Degraded is set when the datastore transaction rolled back but the
	// canary table still holds the live rows. Nothing from the dump was
	// applied in that case.
	Degraded    bool
	CanaryTable string
	CanaryCount int64
	Warnings    []string
	Secrets     []string
	Tables      []backup.TOCEntry
	Files       backup.TreeStats
	// ReplacedTree is where the previous user data directory was moved
	ReplacedTree string
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Orchestrator restores backup sets
type Orchestrator struct {
	cfg      *config.Config
	store    Datastore
	tool     secrets.Tool
	verifier *backup.Verifier
	fs       afero.Fs
	logger   *logging.Logger
}

// NewOrchestrator creates a restore orchestrator
func NewOrchestrator(cfg *config.Config, store Datastore, tool secrets.Tool, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		tool:     tool,
		verifier: backup.NewVerifier(tool, logger),
		fs:       afero.NewOsFs(),
		logger:   logger,
	}
}

// Restore verifies set and replays it. Any fatal verification finding stops
// the restore before anything live is touched.
func (o *Orchestrator) Restore(ctx context.Context, set *backup.BackupSet) (result *Result, err error) {
	done := o.logger.LogOperationStart("restore", map[string]interface{}{"backup_id": set.ID, "dir": set.Dir})
	defer func() { done(err) }()

	result = &Result{BackupID: set.ID, CanaryTable: o.cfg.Restore.CanaryTable}

	report, err := o.verifier.Verify(ctx, set)
	if err != nil {
		return result, err
	}
	for _, w := range report.Warnings() {
		result.warn("%s", w.Error())
	}

	if err := o.restoreSecrets(ctx, set, result); err != nil {
		return result, err
	}

	if err := o.restoreDatastore(ctx, set, result); err != nil {
		if cerr := o.checkCanary(ctx, result, err); cerr != nil {
			return result, cerr
		}
	}

	if err := o.restoreFileTree(set, result); err != nil {
		return result, errors.NewArtifactFailure(backup.ArtifactFileTree,
			fmt.Sprintf("failed to restore file tree from %s", set.FileTreePath()), err)
	}

	for _, w := range result.Warnings {
		o.logger.Warn(w)
	}
	o.logger.WithFields(map[string]interface{}{
		"backup_id": set.ID,
		"degraded":  result.Degraded,
		"tables":    len(result.Tables),
		"files":     result.Files.Files,
		"warnings":  len(result.Warnings),
	}).Info("Restore finished")
	return result, nil
}

// restoreSecrets puts the bundle and key back first. With a re-encryption
// recipient the bundle is decrypted with the backed-up key and re-encrypted
// for the new recipient, and the live key is left alone.
func (o *Orchestrator) restoreSecrets(ctx context.Context, set *backup.BackupSet, result *Result) error {
	live := o.cfg.Secrets
	recipient := o.cfg.Restore.ReencryptRecipient

	if recipient == "" {
		copies := []struct {
			artifact string
			src      string
			dst      string
		}{
			{backup.ArtifactSecretBundle, set.BundlePath(), live.BundlePath},
			{backup.ArtifactSecretKey, set.KeyPath(), live.KeyPath},
			{backup.ArtifactSecretConfig, set.ConfigPath(), live.SopsConfig},
		}
		for _, c := range copies {
			if c.dst == "" {
				result.warn("no live path configured for %s; not restored", c.artifact)
				continue
			}
			data, err := afero.ReadFile(o.fs, c.src)
			if err == nil {
				err = o.writeAtomic(c.dst, data, 0o600)
			}
			o.logger.LogArtifact(c.artifact, c.dst, int64(len(data)), err)
			if err != nil {
				return errors.NewArtifactFailure(c.artifact, fmt.Sprintf("failed to restore %s to %s", c.artifact, c.dst), err)
			}
			result.Secrets = append(result.Secrets, c.dst)
		}
		return nil
	}

	plaintext, err := o.tool.Decrypt(ctx, set.BundlePath(), set.KeyPath())
	if err != nil {
		return errors.NewArtifactFailure(backup.ArtifactSecretBundle, "failed to decrypt backed-up bundle for re-encryption", err)
	}
	ciphertext, err := o.tool.Encrypt(ctx, plaintext, recipient)
	if err != nil {
		return errors.NewArtifactFailure(backup.ArtifactSecretBundle,
			fmt.Sprintf("failed to re-encrypt bundle for recipient %s", recipient), err)
	}
	if _, err := secrets.ReadMarker(ciphertext); err != nil {
		return errors.NewArtifactFailure(backup.ArtifactSecretBundle, "re-encrypted bundle carries no integrity marker", err)
	}

	err = o.writeAtomic(live.BundlePath, ciphertext, 0o600)
	o.logger.LogArtifact(backup.ArtifactSecretBundle, live.BundlePath, int64(len(ciphertext)), err)
	if err != nil {
		return errors.NewArtifactFailure(backup.ArtifactSecretBundle, fmt.Sprintf("failed to write %s", live.BundlePath), err)
	}
	result.Secrets = append(result.Secrets, live.BundlePath)
	result.warn("bundle re-encrypted for %s; live key and %s left unchanged", recipient, filepath.Base(live.SopsConfig))
	return nil
}

// restoreDatastore replaces the rows of every dumped table in one
// transaction
func (o *Orchestrator) restoreDatastore(ctx context.Context, set *backup.BackupSet, result *Result) (err error) {
	path := set.DumpPath()
	done := o.logger.LogOperationStart("restore_datastore", map[string]interface{}{"dump": path})
	defer func() { done(err) }()

	var summary *backup.DumpSummary
	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		f, err := o.fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS=0"); err != nil {
			return fmt.Errorf("failed to suspend foreign key checks: %w", err)
		}

		ins := &inserter{ctx: ctx, tx: tx, batchSize: o.cfg.Restore.BatchSize}
		summary, err = backup.ReadDump(f, backup.DumpHandler{
			OnTable: func(table string, columns []string) error {
				if err := ins.flush(); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM "+database.QuoteIdent(table)); err != nil {
					return fmt.Errorf("failed to clear %s: %w", table, err)
				}
				ins.begin(table, columns)
				return nil
			},
			OnRow: func(table string, columns []string, values []*string) error {
				return ins.add(values)
			},
		})
		if err != nil {
			return err
		}
		if err := ins.flush(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS=1"); err != nil {
			return fmt.Errorf("failed to restore foreign key checks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	result.Tables = summary.Tables
	o.logger.LogArtifact(backup.ArtifactDatastoreDump, path, summary.Rows(), nil)
	return nil
}

// checkCanary decides whether the live data left behind by a rolled back
// datastore step is still usable. It returns nil for a degraded success.
func (o *Orchestrator) checkCanary(ctx context.Context, result *Result, restoreErr error) error {
	canary := o.cfg.Restore.CanaryTable
	if canary == "" {
		return errors.NewArtifactFailure(backup.ArtifactDatastoreDump,
			"datastore restore failed and no canary table is configured", restoreErr)
	}

	n, err := o.store.CountRows(ctx, canary)
	if err != nil {
		return errors.NewArtifactFailure(backup.ArtifactDatastoreDump,
			fmt.Sprintf("datastore restore failed and canary table %s could not be counted", canary),
			stderrors.Join(restoreErr, err))
	}
	result.CanaryCount = n
	if n == 0 {
		return errors.NewArtifactFailure(backup.ArtifactDatastoreDump,
			fmt.Sprintf("datastore restore failed and canary table %s is empty", canary), restoreErr)
	}

	result.Degraded = true
	result.warn("datastore dump was not applied and the transaction rolled back; live data kept, canary table %s holds %d rows: %v",
		canary, n, restoreErr)
	return nil
}

// restoreFileTree replaces the live user data directory with the backed-up
// mirror. The previous directory is kept next to it.
func (o *Orchestrator) restoreFileTree(set *backup.BackupSet, result *Result) error {
	src := set.FileTreePath()
	empty, err := backup.IsEmptyTree(o.fs, src)
	if err != nil {
		return err
	}
	if empty {
		result.warn("backed-up file tree is empty; user data left as is")
		return nil
	}

	dst := o.cfg.Install.UserDataPath()
	if exists, err := afero.Exists(o.fs, dst); err != nil {
		return err
	} else if exists {
		aside := fmt.Sprintf("%s.replaced-%s", strings.TrimRight(dst, string(filepath.Separator)), set.ID)
		if err := o.fs.Rename(dst, aside); err != nil {
			return fmt.Errorf("failed to move %s aside: %w", dst, err)
		}
		result.ReplacedTree = aside
		o.logger.WithFields(map[string]interface{}{"from": dst, "to": aside}).Info("Previous user data moved aside")
	}
	if err := o.fs.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}

	stats, err := backup.CopyTree(o.fs, src, dst)
	o.logger.LogArtifact(backup.ArtifactFileTree, dst, stats.Bytes, err)
	result.Files = stats
	return err
}

func (o *Orchestrator) writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := o.fs.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := afero.TempFile(o.fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		o.fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		o.fs.Remove(name)
		return err
	}
	if err := o.fs.Chmod(name, perm); err != nil {
		o.fs.Remove(name)
		return err
	}
	return o.fs.Rename(name, path)
}
