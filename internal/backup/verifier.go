package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/secrets"

	"github.com/spf13/afero"
)

// VerifyReport lists everything the verifier found about one backup set
type VerifyReport struct {
	BackupID string
	Dir      string
	Dump     *DumpSummary
	Problems []Problem
}

// Fatal returns the findings that make the set unusable
func (r *VerifyReport) Fatal() []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if p.Fatal {
			out = append(out, p)
		}
	}
	return out
}

// Warnings returns the non-blocking findings
func (r *VerifyReport) Warnings() []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if !p.Fatal {
			out = append(out, p)
		}
	}
	return out
}

// OK reports whether the set has no fatal findings
func (r *VerifyReport) OK() bool {
	return len(r.Fatal()) == 0
}

func (r *VerifyReport) fatal(artifact, msg string, cause error) {
	r.Problems = append(r.Problems, Problem{Artifact: artifact, Message: msg, Fatal: true, Cause: cause})
}

func (r *VerifyReport) warn(artifact, msg string, cause error) {
	r.Problems = append(r.Problems, Problem{Artifact: artifact, Message: msg, Cause: cause})
}

// Verifier proves each artifact of a backup set is structurally valid and
// decryptable before anything is overwritten
type Verifier struct {
	tool   secrets.Tool
	fs     afero.Fs
	logger *logging.Logger
}

// NewVerifier creates a backup verifier
func NewVerifier(tool secrets.Tool, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Verifier{tool: tool, fs: afero.NewOsFs(), logger: logger}
}

// Verify checks every artifact of set. The manifest is always re-read from
// disk. The returned error is an ArtifactFailure when any finding is fatal.
func (v *Verifier) Verify(ctx context.Context, set *BackupSet) (report *VerifyReport, err error) {
	done := v.logger.LogOperationStart("backup_verify", map[string]interface{}{"dir": set.Dir})
	defer func() { done(err) }()

	report = &VerifyReport{BackupID: set.ID, Dir: set.Dir}

	manifest, merr := ReadManifest(set.Dir)
	if merr != nil {
		report.fatal("manifest", "manifest is missing or invalid", merr)
	} else {
		report.BackupID = manifest.BackupID
		verified := *set
		verified.Manifest = manifest
		set = &verified
		v.checkPresence(report, set)
	}

	v.checkDump(report, set, manifest)
	v.checkBundle(ctx, report, set)
	v.checkKeyCopies(report, set)
	v.checkFileTree(report, set)

	for _, w := range report.Warnings() {
		v.logger.Warn(w.Error())
	}

	fatal := report.Fatal()
	if len(fatal) > 0 {
		causes := make([]error, len(fatal))
		for i, p := range fatal {
			causes[i] = p
		}
		return report, errors.NewArtifactFailure(fatal[0].Artifact,
			fmt.Sprintf("backup %s failed verification with %d fatal finding(s)", report.BackupID, len(fatal)),
			stderrors.Join(causes...))
	}

	v.logger.WithFields(map[string]interface{}{
		"backup_id": report.BackupID,
		"warnings":  len(report.Warnings()),
	}).Info("Backup verified")
	return report, nil
}

// checkPresence confirms every artifact the manifest claims exists. The file
// tree is optional and handled separately.
func (v *Verifier) checkPresence(report *VerifyReport, set *BackupSet) {
	for _, name := range ArtifactNames() {
		if name == ArtifactFileTree {
			continue
		}
		if _, err := v.fs.Stat(set.Path(name)); err != nil {
			report.fatal(name, fmt.Sprintf("claimed artifact %s is missing", set.Path(name)), err)
		}
	}
}

func (v *Verifier) checkDump(report *VerifyReport, set *BackupSet, manifest *Manifest) {
	path := set.DumpPath()
	info, err := v.fs.Stat(path)
	if err != nil {
		if manifest == nil {
			report.fatal(ArtifactDatastoreDump, "datastore dump is missing", err)
		}
		return
	}
	if info.Size() == 0 {
		report.fatal(ArtifactDatastoreDump, "datastore dump is empty", nil)
		return
	}

	f, err := v.fs.Open(path)
	if err != nil {
		report.fatal(ArtifactDatastoreDump, "datastore dump is unreadable", err)
		return
	}
	defer f.Close()

	summary, err := ReadDump(f, DumpHandler{})
	if err != nil {
		report.fatal(ArtifactDatastoreDump, "datastore dump is not readable by restore", err)
		return
	}
	report.Dump = summary

	if manifest != nil && manifest.Tables != nil {
		if err := compareTOC(manifest.Tables, summary.Tables); err != nil {
			report.fatal(ArtifactDatastoreDump, "datastore dump disagrees with the manifest", err)
		}
	}
}

func (v *Verifier) checkBundle(ctx context.Context, report *VerifyReport, set *BackupSet) {
	data, err := afero.ReadFile(v.fs, set.BundlePath())
	if err != nil {
		report.fatal(ArtifactSecretBundle, "secret bundle copy is unreadable", err)
		return
	}
	if _, err := secrets.ReadMarker(data); err != nil {
		report.fatal(ArtifactSecretBundle, "secret bundle copy is not an encrypted bundle", err)
		return
	}

	if exists, _ := afero.Exists(v.fs, set.KeyPath()); !exists {
		report.warn(ArtifactSecretKey, "key copy is absent; bundle decryption was not tested", nil)
		return
	}
	if _, err := v.tool.Decrypt(ctx, set.BundlePath(), set.KeyPath()); err != nil {
		report.fatal(ArtifactSecretBundle, "secret bundle copy does not decrypt with the key copy", err)
	}
}

// checkKeyCopies reports key material copies that are readable by others
func (v *Verifier) checkKeyCopies(report *VerifyReport, set *BackupSet) {
	for _, c := range []struct{ artifact, path string }{
		{ArtifactSecretBundle, set.BundlePath()},
		{ArtifactSecretKey, set.KeyPath()},
		{ArtifactSecretConfig, set.ConfigPath()},
	} {
		info, err := v.fs.Stat(c.path)
		if err != nil {
			continue
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			report.warn(c.artifact, fmt.Sprintf("copy has mode %04o; expected 0600", mode), nil)
		}
	}
}

func (v *Verifier) checkFileTree(report *VerifyReport, set *BackupSet) {
	path := set.FileTreePath()
	info, err := v.fs.Stat(path)
	switch {
	case os.IsNotExist(err):
		report.warn(ArtifactFileTree, "file tree backup is absent", nil)
		return
	case err != nil:
		report.fatal(ArtifactFileTree, "file tree backup is unreadable", err)
		return
	case !info.IsDir():
		report.fatal(ArtifactFileTree, "file tree backup is not a directory", nil)
		return
	}

	empty, err := IsEmptyTree(v.fs, path)
	if err != nil {
		report.fatal(ArtifactFileTree, "file tree backup is unreadable", err)
		return
	}
	if empty {
		report.warn(ArtifactFileTree, "file tree backup is empty", nil)
	}
}
