// Package hook runs the executables a repository administrator installed around commits.
package hook

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	"gitlab.com/gitlab-org/revfs/internal/log"
	"golang.org/x/sys/unix"
)

const (
	// PreCommit runs before a transaction is merged and may reject it.
	PreCommit = "pre-commit"
	// PostCommit runs after a revision has been published.
	PostCommit = "post-commit"
)

// Error contains the output of a failed hook.
type Error struct {
	Hook   string
	Err    error
	Stdout string
	Stderr string
}

func (e *Error) Error() string {
	if len(strings.TrimSpace(e.Stderr)) > 0 {
		return fmt.Sprintf("%s hook: %v, stderr: %q", e.Hook, e.Err, e.Stderr)
	}
	if len(strings.TrimSpace(e.Stdout)) > 0 {
		return fmt.Sprintf("%s hook: %v, stdout: %q", e.Hook, e.Err, e.Stdout)
	}
	return fmt.Sprintf("%s hook: %v", e.Hook, e.Err)
}

// Unwrap exposes both fserr.ErrHookFailed and the execution error.
func (e *Error) Unwrap() []error {
	return []error{fserr.ErrHookFailed, e.Err}
}

// allowedEnvironment lists the variables of the process environment hooks inherit.
var allowedEnvironment = []string{"HOME", "PATH", "LD_LIBRARY_PATH", "TZ", "LANG", "LC_ALL", "TMPDIR"}

// Manager runs the hooks of one repository.
type Manager struct {
	repoPath string
	hooksDir string
	disabled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDisabled makes the manager skip all hooks.
func WithDisabled(disabled bool) Option {
	return func(m *Manager) {
		m.disabled = disabled
	}
}

// NewManager returns a manager running the hooks installed in r.
func NewManager(r *repo.Repository, opts ...Option) *Manager {
	m := &Manager{
		repoPath: r.Path(),
		hooksDir: r.HooksDir(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PreCommit runs the pre-commit hooks for transaction txnID. The first failing hook
// rejects the commit.
func (m *Manager) PreCommit(ctx context.Context, txnID string) error {
	return m.run(ctx, PreCommit, m.repoPath, txnID)
}

// PostCommit runs the post-commit hooks for revision rev.
func (m *Manager) PostCommit(ctx context.Context, rev int64) error {
	return m.run(ctx, PostCommit, m.repoPath, strconv.FormatInt(rev, 10))
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	if m.disabled {
		return nil
	}

	hookFiles, err := m.findHooks(name)
	if err != nil {
		return err
	}
	if len(hookFiles) == 0 {
		return nil
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "hook."+name)
	defer span.Finish()

	env := hookEnvironment(ctx)
	logger := log.FromContext(ctx, "hook.Manager").WithField("hook", name)

	for _, hookFile := range hookFiles {
		var stdout, stderr bytes.Buffer

		cmd := exec.CommandContext(ctx, hookFile, args...)
		cmd.Dir = m.repoPath
		cmd.Env = env
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return &Error{
				Hook:   name,
				Err:    err,
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}
		}

		logger.WithField("executable", hookFile).Debug("hook succeeded")
		if output := strings.TrimSpace(stdout.String()); output != "" {
			log.Hooks().WithFields(logrus.Fields{
				"hook":       name,
				"executable": hookFile,
			}).Info(output)
		}
	}

	return nil
}

// findHooks returns hooks/<name> followed by the hooks in hooks/<name>.d sorted by name.
func (m *Manager) findHooks(name string) ([]string, error) {
	var hookFiles []string

	hookFile := filepath.Join(m.hooksDir, name)
	if isValidHook(hookFile) {
		hookFiles = append(hookFiles, hookFile)
	}

	dir := filepath.Join(m.hooksDir, name+".d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return hookFiles, nil
		}
		return nil, fserr.IO("list hooks", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, entry := range names {
		hookPath := filepath.Join(dir, entry)
		if isValidHook(hookPath) {
			hookFiles = append(hookFiles, hookPath)
		}
	}

	return hookFiles, nil
}

// isValidHook checks whether a given path refers to a valid hook. A path is
// not a valid hook path if any of the following conditions is true:
//
// - The path ends with a tilde.
// - The path is or points at a directory.
// - The path is not executable by the current user.
func isValidHook(path string) bool {
	if strings.HasSuffix(path, "~") {
		return false
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}

	if fi.IsDir() {
		return false
	}

	if unix.Access(path, unix.X_OK) != nil {
		return false
	}

	return true
}

func hookEnvironment(ctx context.Context) []string {
	var env []string
	for _, key := range allowedEnvironment {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return append(env, fmt.Sprintf("CORRELATION_ID=%s", correlation.ExtractFromContextOrGenerate(ctx)))
}
