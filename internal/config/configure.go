package config

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/revfs/internal/log"
)

// ConfigureLogging applies the logging configuration to the global loggers.
func ConfigureLogging(cfg Logging) error {
	log.Configure(log.Loggers, cfg.Format, cfg.Level)

	if cfg.Dir != "" {
		if err := log.RedirectHooks(cfg.Dir); err != nil {
			return fmt.Errorf("redirect hook logs: %w", err)
		}
	}

	return nil
}

// ConfigureSentry initializes the Sentry client if a DSN is configured.
func ConfigureSentry(version string, cfg Sentry) {
	if cfg.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "v" + version,
	}); err != nil {
		log.Default().WithError(err).Warn("unable to initialize sentry client")
		return
	}

	log.Default().Debug("using sentry logging")
}
