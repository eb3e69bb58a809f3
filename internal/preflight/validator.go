// Package preflight confirms an installation is fit for a migration before
// anything is written. Every check is read-only.
package preflight

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/database"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/secrets"

	"github.com/spf13/afero"
)

// Check names one preflight check
type Check string

const (
	CheckInstallation   Check = "installation"
	CheckSecretBundle   Check = "secret_bundle"
	CheckSecretKey      Check = "secret_key"
	CheckSecretDecrypt  Check = "secret_decrypt"
	CheckSecretRequired Check = "secret_required"
	CheckDatastore      Check = "datastore"
	CheckDiskSpace      Check = "disk_space"
	CheckActiveSessions Check = "active_sessions"
)

// FailureReason is one failed or warning check
type FailureReason struct {
	Check   Check
	Subject string
	Message string
	Cause   error
}

func (f FailureReason) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Check, f.Message)
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

func (f FailureReason) Unwrap() error { return f.Cause }

// Report collects the outcome of every check
type Report struct {
	Failures   []FailureReason
	Warnings   []FailureReason
	Passed     []Check
	Credential database.Credential
	Estimate   SpaceEstimate
	FreeBytes  uint64
}

// OK reports whether no fatal check failed
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

func (r *Report) fail(check Check, subject, msg string, cause error) {
	r.Failures = append(r.Failures, FailureReason{Check: check, Subject: subject, Message: msg, Cause: cause})
}

func (r *Report) warn(check Check, subject, msg string, cause error) {
	r.Warnings = append(r.Warnings, FailureReason{Check: check, Subject: subject, Message: msg, Cause: cause})
}

func (r *Report) pass(check Check) {
	r.Passed = append(r.Passed, check)
}

// Dialer opens the datastore with credential selection
type Dialer interface {
	Connect(ctx context.Context) (*sql.DB, database.Credential, error)
}

// Validator runs the preflight checks
type Validator struct {
	cfg       *config.Config
	dialer    Dialer
	tool      secrets.Tool
	fs        afero.Fs
	freeSpace FreeSpaceFunc
	logger    *logging.Logger
}

// NewValidator creates a validator
func NewValidator(cfg *config.Config, dialer Dialer, tool secrets.Tool, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Validator{
		cfg:       cfg,
		dialer:    dialer,
		tool:      tool,
		fs:        afero.NewOsFs(),
		freeSpace: StatfsFreeSpace,
		logger:    logger,
	}
}

// WithFreeSpaceFunc replaces the free space probe
func (v *Validator) WithFreeSpaceFunc(fn FreeSpaceFunc) *Validator {
	v.freeSpace = fn
	return v
}

// Validate runs every check and returns a FatalPrecondition error listing
// all fatal failures. Warnings never fail validation.
func (v *Validator) Validate(ctx context.Context) (report *Report, err error) {
	done := v.logger.LogOperationStart("preflight", map[string]interface{}{"install_dir": v.cfg.Install.Dir})
	defer func() { done(err) }()

	report = &Report{}

	v.checkInstallation(report)
	v.checkSecretFiles(report)
	v.checkDecrypt(ctx, report)
	datastoreSize, sized := v.checkDatastore(ctx, report)
	v.checkDiskSpace(report, datastoreSize, sized)

	for _, w := range report.Warnings {
		v.logger.WithField("check", w.Check).Warn(w.Error())
	}
	for _, f := range report.Failures {
		v.logger.WithField("check", f.Check).Error(f.Error())
	}

	if !report.OK() {
		msgs := make([]string, len(report.Failures))
		for i, f := range report.Failures {
			msgs[i] = f.Error()
		}
		return report, errors.NewFatalPrecondition(
			fmt.Sprintf("preflight failed %d check(s): %s", len(report.Failures), strings.Join(msgs, "; ")), nil)
	}
	return report, nil
}

func (v *Validator) checkInstallation(report *Report) {
	dir := v.cfg.Install.Dir
	if ok, err := afero.DirExists(v.fs, dir); err != nil || !ok {
		report.fail(CheckInstallation, dir, fmt.Sprintf("installation directory %s does not exist", dir), err)
		return
	}

	failed := false
	for _, marker := range v.cfg.Install.MarkerPaths() {
		if ok, err := afero.Exists(v.fs, marker); err != nil || !ok {
			report.fail(CheckInstallation, marker,
				fmt.Sprintf("%s is not a recognizable installation: %s is missing", dir, marker), err)
			failed = true
		}
	}
	if !failed {
		report.pass(CheckInstallation)
	}
}

func (v *Validator) checkSecretFiles(report *Report) {
	files := []struct {
		check Check
		path  string
	}{
		{CheckSecretBundle, v.cfg.Secrets.BundlePath},
		{CheckSecretKey, v.cfg.Secrets.KeyPath},
	}
	for _, f := range files {
		if f.path == "" {
			report.fail(f.check, "", "no path configured", nil)
			continue
		}
		problem, err := secrets.CheckPermissions(f.path)
		if err != nil {
			report.fail(f.check, f.path, fmt.Sprintf("%s is not accessible", f.path), err)
			continue
		}
		if problem != nil {
			if problem.Fatal {
				report.fail(f.check, f.path, problem.Message, nil)
				continue
			}
			report.warn(f.check, f.path, problem.Message, nil)
		}

		if f.check == CheckSecretBundle {
			data, err := afero.ReadFile(v.fs, f.path)
			if err != nil {
				report.fail(f.check, f.path, fmt.Sprintf("%s is not readable", f.path), err)
				continue
			}
			if _, err := secrets.ReadMarker(data); err != nil {
				report.fail(f.check, f.path, fmt.Sprintf("%s is not an encrypted bundle", f.path), err)
				continue
			}
		}
		report.pass(f.check)
	}
}

func (v *Validator) checkDecrypt(ctx context.Context, report *Report) {
	store := secrets.NewStore(v.tool, v.cfg.Secrets.BundlePath, v.cfg.Secrets.KeyPath)
	if err := store.Load(ctx); err != nil {
		report.fail(CheckSecretDecrypt, v.cfg.Secrets.BundlePath,
			fmt.Sprintf("%s does not decrypt with %s", v.cfg.Secrets.BundlePath, v.cfg.Secrets.KeyPath), err)
		return
	}
	report.pass(CheckSecretDecrypt)

	if len(v.cfg.Secrets.Required) == 0 {
		return
	}
	missing := store.CheckRequired(ctx, v.cfg.Secrets.Required)
	for _, err := range missing {
		report.fail(CheckSecretRequired, v.cfg.Secrets.BundlePath, "required secret is missing", err)
	}
	if len(missing) == 0 {
		report.pass(CheckSecretRequired)
	}
}

// checkDatastore proves the datastore answers a trivial query and measures
// it. The returned bool is false when the size is unknown.
func (v *Validator) checkDatastore(ctx context.Context, report *Report) (int64, bool) {
	db, cred, err := v.dialer.Connect(ctx)
	if err != nil {
		report.fail(CheckDatastore, v.cfg.Database.Name, "datastore is unreachable", err)
		return 0, false
	}
	service := database.NewService(db, v.cfg.Database.Name, v.logger)
	defer func() {
		if err := service.Close(); err != nil {
			v.logger.WithField("error", err.Error()).Debug("Closing preflight connection failed")
		}
	}()
	report.Credential = cred

	if err := service.Ping(ctx); err != nil {
		report.fail(CheckDatastore, v.cfg.Database.Name, fmt.Sprintf("datastore %s does not accept queries", v.cfg.Database.Name), err)
		return 0, false
	}
	report.pass(CheckDatastore)

	if n, err := service.ActiveSessions(ctx); err != nil {
		report.warn(CheckActiveSessions, v.cfg.Database.Name, "could not list active sessions", err)
	} else if n > 0 {
		report.warn(CheckActiveSessions, v.cfg.Database.Name,
			fmt.Sprintf("%d other session(s) are connected to %s; stop the service before migrating", n, v.cfg.Database.Name), nil)
	} else {
		report.pass(CheckActiveSessions)
	}

	size, err := service.DataSize(ctx)
	if err != nil {
		report.fail(CheckDiskSpace, v.cfg.Database.Name, "could not measure the datastore", err)
		return 0, false
	}
	return size, true
}

func (v *Validator) checkDiskSpace(report *Report, datastoreSize int64, sized bool) {
	if !sized {
		return
	}
	dest := v.cfg.Backup.Destination

	userData, err := backup.TreeSize(v.fs, v.cfg.Install.UserDataPath())
	if err != nil {
		report.fail(CheckDiskSpace, v.cfg.Install.UserDataPath(), "could not measure user data", err)
		return
	}
	install, err := backup.TreeSize(v.fs, v.cfg.Install.Dir)
	if err != nil {
		report.fail(CheckDiskSpace, v.cfg.Install.Dir, "could not measure the installation", err)
		return
	}
	report.Estimate = SpaceEstimate{Datastore: datastoreSize, FileTree: userData.Bytes, Install: install.Bytes}

	free, err := v.freeSpace(dest)
	if err != nil {
		report.fail(CheckDiskSpace, dest, fmt.Sprintf("could not measure free space at %s", dest), err)
		return
	}
	report.FreeBytes = free

	required := report.Estimate.Required()
	if free < uint64(required) {
		report.fail(CheckDiskSpace, dest, fmt.Sprintf("%d bytes free at %s but %d required (%dx datastore %d + user data %d + install %d)",
			free, dest, required, SpaceMultiplier,
			report.Estimate.Datastore, report.Estimate.FileTree, report.Estimate.Install), nil)
		return
	}
	report.pass(CheckDiskSpace)
}
