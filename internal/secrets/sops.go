package secrets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	apperrors "migration-guard/internal/errors"
)

var (
	// ErrIntegrity means the bundle's MAC does not match its contents
	ErrIntegrity = errors.New("secret bundle integrity check failed")
	// ErrWrongKey means the key cannot decrypt the bundle
	ErrWrongKey = errors.New("secret bundle cannot be decrypted with this key")
	// ErrToolMissing means the secret tool binary is not installed
	ErrToolMissing = errors.New("secret tool binary not found")
)

// Tool is the external encrypted-secret tool
type Tool interface {
	Decrypt(ctx context.Context, bundlePath, keyPath string) ([]byte, error)
	Encrypt(ctx context.Context, plaintext []byte, recipient string) ([]byte, error)
	Version(ctx context.Context) (string, error)
}

// Runner executes a command and captures its output
type Runner interface {
	Run(ctx context.Context, name string, args []string, env []string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// SopsTool drives the sops CLI with age keys
type SopsTool struct {
	binary  string
	timeout time.Duration
	runner  Runner
}

// NewSopsTool creates a sops adapter. A zero timeout leaves each call
// bounded only by the caller's context.
func NewSopsTool(binary string, timeout time.Duration) *SopsTool {
	if binary == "" {
		binary = "sops"
	}
	return &SopsTool{binary: binary, timeout: timeout, runner: execRunner{}}
}

// WithRunner replaces the command runner
func (s *SopsTool) WithRunner(r Runner) *SopsTool {
	s.runner = r
	return s
}

// Decrypt returns the plaintext YAML of bundlePath using the age key at keyPath
func (s *SopsTool) Decrypt(ctx context.Context, bundlePath, keyPath string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	env := append(os.Environ(), "SOPS_AGE_KEY_FILE="+keyPath)
	stdout, stderr, err := s.runner.Run(ctx, s.binary, []string{"--decrypt", bundlePath}, env)
	if err != nil {
		return nil, s.classify(bundlePath, stderr, err)
	}
	return stdout, nil
}

// Encrypt encrypts plaintext YAML to the given age recipient
func (s *SopsTool) Encrypt(ctx context.Context, plaintext []byte, recipient string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tmp, err := os.CreateTemp("", "migration-guard-*.yaml")
	if err != nil {
		return nil, apperrors.NewArtifactFailure("secret_bundle", "failed to stage plaintext for re-encryption", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, apperrors.NewArtifactFailure("secret_bundle", "failed to protect staged plaintext", err)
	}
	if _, err := tmp.Write(plaintext); err != nil {
		tmp.Close()
		return nil, apperrors.NewArtifactFailure("secret_bundle", "failed to stage plaintext for re-encryption", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperrors.NewArtifactFailure("secret_bundle", "failed to stage plaintext for re-encryption", err)
	}

	args := []string{"--encrypt", "--age", recipient, "--input-type", "yaml", "--output-type", "yaml", tmp.Name()}
	stdout, stderr, err := s.runner.Run(ctx, s.binary, args, os.Environ())
	if err != nil {
		return nil, s.classify(filepath.Base(tmp.Name()), stderr, err)
	}
	return stdout, nil
}

// Version reports the installed sops version
func (s *SopsTool) Version(ctx context.Context) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	stdout, stderr, err := s.runner.Run(ctx, s.binary, []string{"--version", "--disable-version-check"}, os.Environ())
	if err != nil {
		return "", s.classify("", stderr, err)
	}
	return parseVersion(stdout), nil
}

// bound applies the configured timeout, if any
func (s *SopsTool) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SopsTool) classify(subject string, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return apperrors.NewFatalPrecondition(fmt.Sprintf("%s is not installed", s.binary),
			fmt.Errorf("%w: %v", ErrToolMissing, err))
	case strings.Contains(msg, "MAC mismatch"):
		return apperrors.NewAppError(apperrors.ErrorTypeArtifactFailure,
			fmt.Sprintf("%s failed its integrity check and may have been tampered with", subject),
			ErrIntegrity).WithContext("stderr", msg)
	case strings.Contains(strings.ToLower(msg), "could not decrypt"), strings.Contains(msg, "no identity matched"):
		return apperrors.NewAppError(apperrors.ErrorTypeArtifactFailure,
			fmt.Sprintf("cannot decrypt %s: the key is wrong or the file is corrupted", subject),
			ErrWrongKey).WithContext("stderr", msg)
	default:
		if msg == "" {
			msg = err.Error()
		}
		return apperrors.NewAppError(apperrors.ErrorTypeArtifactFailure,
			fmt.Sprintf("%s failed: %s", s.binary, msg), err)
	}
}

// parseVersion extracts "3.8.1" from output like "sops 3.8.1 (latest)"
func parseVersion(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return "unknown"
	}
	fields := strings.Fields(scanner.Text())
	switch {
	case len(fields) >= 2 && fields[0] == "sops":
		return fields[1]
	case len(fields) >= 1:
		return fields[0]
	default:
		return "unknown"
	}
}
