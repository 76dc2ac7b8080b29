package testhelper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	revfslog "gitlab.com/gitlab-org/revfs/internal/log"
)

var testDirectory string

// RunOption is an option that can be passed to Run.
type RunOption func(*runConfig)

type runConfig struct {
	setup                  func() error
	disableGoroutineChecks bool
}

// WithSetup allows the caller of Run to pass a setup function that will be called after global
// test state has been configured.
func WithSetup(setup func() error) RunOption {
	return func(cfg *runConfig) {
		cfg.setup = setup
	}
}

// WithDisabledGoroutineChecker disables checking for leaked Goroutines after tests have run.
func WithDisabledGoroutineChecker() RunOption {
	return func(cfg *runConfig) {
		cfg.disableGoroutineChecks = true
	}
}

// Run sets up required testing state and executes the given test suite. It can optionally receive a
// variable number of RunOptions.
func Run(m *testing.M, opts ...RunOption) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	if err := func() error {
		var cfg runConfig
		for _, opt := range opts {
			opt(&cfg)
		}

		if !cfg.disableGoroutineChecks {
			defer mustHaveNoGoroutines()
		}

		cleanup, err := configure()
		if err != nil {
			return fmt.Errorf("test configuration: %w", err)
		}
		defer cleanup()

		if cfg.setup != nil {
			if err := cfg.setup(); err != nil {
				return fmt.Errorf("error calling setup function: %w", err)
			}
		}

		m.Run()

		return nil
	}(); err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}
}

// configure sets up the global test configuration.
func configure() (_ func(), returnedErr error) {
	revfslog.Configure(revfslog.Loggers, "json", "panic")

	if testDirectory != "" {
		return nil, errors.New("test directory has already been configured")
	}

	testDirectory = getTestTmpDir()

	return func() {
		if err := os.RemoveAll(testDirectory); err != nil {
			log.Errorf("error removing test directory: %v", err)
		}
		testDirectory = ""
	}, nil
}

func getTestTmpDir() string {
	testTmpDir := os.Getenv("TEST_TMP_DIR")
	if testTmpDir != "" {
		return testTmpDir
	}

	testTmpDir, err := os.MkdirTemp("", "revfs-")
	if err != nil {
		log.Fatal(err)
	}

	// macOS symlinks /tmp/ to /private/tmp/ which can cause some check to fail
	tmpDir, err := filepath.EvalSymlinks(testTmpDir)
	if err != nil {
		log.Fatal(err)
	}

	return tmpDir
}
