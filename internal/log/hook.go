package log

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// NewFileLogger creates a logger appending to the file at filepath. It is used by commands
// whose stdout and stderr belong to the caller.
func NewFileLogger(filepath string) (*logrus.Logger, error) {
	logger := logrus.New()

	logFile, err := os.OpenFile(filepath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	logger.SetOutput(logFile)

	runtime.SetFinalizer(logFile, func(f *os.File) {
		f.Close()
	})

	return logger, nil
}

// RedirectHooks makes the hook logger append to revfs_hooks.log in dir.
func RedirectHooks(dir string) error {
	logger, err := NewFileLogger(filepath.Join(dir, "revfs_hooks.log"))
	if err != nil {
		return err
	}

	hookLogger.SetOutput(logger.Out)
	return nil
}
