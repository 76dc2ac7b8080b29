package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")

	_, err = NewFileLogger(filepath.Join(t.TempDir(), "missing", "test.log"))
	require.Error(t, err)
}

func TestRedirectHooks(t *testing.T) {
	out := hookLogger.Out
	defer hookLogger.SetOutput(out)

	dir := t.TempDir()
	require.NoError(t, RedirectHooks(dir))

	Hooks().Warn("hook output")

	data, err := os.ReadFile(filepath.Join(dir, "revfs_hooks.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hook output")
}
