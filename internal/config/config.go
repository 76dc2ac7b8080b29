package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCacheSize is the number of committed revision indexes kept in memory.
	DefaultCacheSize = 64
	// DefaultTransactionMaxAge is the age after which abandoned transactions are removed.
	DefaultTransactionMaxAge = 7 * 24 * time.Hour
	// DefaultCleanInterval is the period of the stale transaction cleaner.
	DefaultCleanInterval = time.Hour
)

// Cfg is a container for all config derived from config.toml.
type Cfg struct {
	PrometheusListenAddr string       `toml:"prometheus_listen_addr" split_words:"true"`
	Repositories         []Repository `toml:"repository" envconfig:"repository"`
	Logging              Logging      `toml:"logging" envconfig:"logging"`
	Cache                Cache        `toml:"cache" envconfig:"cache"`
	Transactions         Transactions `toml:"transactions" envconfig:"transactions"`
	Hooks                Hooks        `toml:"hooks" envconfig:"hooks"`
}

// Repository names a repository on disk.
type Repository struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// Logging contains the logging configuration
type Logging struct {
	Dir    string `toml:"dir,omitempty"`
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
	Sentry Sentry `toml:"sentry"`
}

// Sentry configures error reporting of recovered panics.
type Sentry struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Cache configures the committed revision cache.
type Cache struct {
	Revisions int `toml:"revisions"`
}

// Transactions contains the settings applied to new and abandoned transactions.
type Transactions struct {
	// CheckLocks makes node operations verify path locks instead of only the commit.
	CheckLocks    bool     `toml:"check_locks" split_words:"true"`
	MaxAge        Duration `toml:"max_age" split_words:"true"`
	CleanInterval Duration `toml:"clean_interval" split_words:"true"`
}

// Hooks contains the settings required for hooks
type Hooks struct {
	Disabled bool `toml:"disabled"`
}

// Duration is a time.Duration which is written as a string like "1h30m" in the
// configuration.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load initializes the Config variable from file and the environment.
//  Environment variables take precedence over the file.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %v", err)
	}

	if err := envconfig.Process("revfs", &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %v", err)
	}

	cfg.setDefaults()

	for i := range cfg.Repositories {
		cfg.Repositories[i].Path = filepath.Clean(cfg.Repositories[i].Path)
	}

	return cfg, nil
}

// Validate checks the current Config for sanity.
func (cfg *Cfg) Validate() error {
	if len(cfg.Repositories) == 0 {
		return errors.New("no repository configurations found")
	}

	return cfg.ValidateSettings()
}

// ValidateSettings checks the Config like Validate but accepts a Config without
// repositories, as used by commands which are given repository paths directly.
func (cfg *Cfg) ValidateSettings() error {
	for _, run := range []func() error{
		cfg.validateRepositories,
		cfg.validateLogging,
		cfg.validateTransactions,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Cfg) setDefaults() {
	if cfg.Cache.Revisions == 0 {
		cfg.Cache.Revisions = DefaultCacheSize
	}

	if cfg.Transactions.MaxAge == 0 {
		cfg.Transactions.MaxAge = Duration(DefaultTransactionMaxAge)
	}

	if cfg.Transactions.CleanInterval == 0 {
		cfg.Transactions.CleanInterval = Duration(DefaultCleanInterval)
	}
}

func (cfg *Cfg) validateRepositories() error {
	for i, repo := range cfg.Repositories {
		if repo.Name == "" {
			return fmt.Errorf("empty repository name in %+v", repo)
		}

		if repo.Path == "" {
			return fmt.Errorf("empty repository path in %+v", repo)
		}

		if err := validateIsDirectory(repo.Path, "repository "+repo.Name); err != nil {
			return fmt.Errorf("repository %q: %w", repo.Name, err)
		}

		for _, other := range cfg.Repositories[:i] {
			if other.Name == repo.Name {
				return fmt.Errorf("repository %q is defined more than once", repo.Name)
			}

			if other.Path == repo.Path {
				return fmt.Errorf("repositories %q and %q share the path %q", other.Name, repo.Name, repo.Path)
			}

			if strings.HasPrefix(repo.Path, other.Path+"/") || strings.HasPrefix(other.Path, repo.Path+"/") {
				return fmt.Errorf("repository paths may not nest: %q and %q", repo.Name, other.Name)
			}
		}
	}

	return nil
}

func (cfg *Cfg) validateLogging() error {
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}

	if cfg.Logging.Level != "" {
		if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("invalid logging level: %w", err)
		}
	}

	if cfg.Logging.Dir != "" {
		return validateIsDirectory(cfg.Logging.Dir, "logging.dir")
	}

	return nil
}

func (cfg *Cfg) validateTransactions() error {
	if cfg.Transactions.MaxAge.Duration() < 0 {
		return fmt.Errorf("transactions.max_age must not be negative: %s", cfg.Transactions.MaxAge.Duration())
	}

	if cfg.Transactions.CleanInterval.Duration() < 0 {
		return fmt.Errorf("transactions.clean_interval must not be negative: %s", cfg.Transactions.CleanInterval.Duration())
	}

	return nil
}

func validateIsDirectory(path, name string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !s.IsDir() {
		return fmt.Errorf("not a directory: %q", path)
	}

	log.WithField("dir", path).
		Debugf("%s set", name)

	return nil
}

// Repository returns the repository called name.
func (cfg *Cfg) Repository(name string) (Repository, bool) {
	for _, repo := range cfg.Repositories {
		if repo.Name == name {
			return repo, true
		}
	}
	return Repository{}, false
}
