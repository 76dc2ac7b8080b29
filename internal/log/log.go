package log

import (
	"context"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

const (
	// LogDirEnvKey defines the environment variable used to specify the log directory
	LogDirEnvKey = "REVFS_LOG_DIR"
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
)

var (
	defaultLogger = logrus.StandardLogger()
	hookLogger    = logrus.New()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger, hookLogger}
)

func init() {
	// This ensures that any log statements that occur before
	// the configuration has been loaded will be written to
	// stdout instead of stderr
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure sets the format and level on all loggers. Repository hooks are chatty, so the
// hook logger never logs below warning level unless debug logging was requested.
func Configure(loggers []*logrus.Logger, format string, level string) {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == hookLogger {
			l.SetLevel(mapHookLogLevel(logrusLevel))
		} else {
			l.SetLevel(logrusLevel)
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}
}

func mapHookLogLevel(level logrus.Level) logrus.Level {
	if level == logrus.InfoLevel {
		return logrus.WarnLevel
	}
	return level
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// Hooks is the logger used for the output of repository hooks.
func Hooks() *logrus.Entry { return hookLogger.WithField("pid", os.Getpid()) }

// FromContext returns the logger carried by ctx, tagged with the component name and the
// correlation ID of the operation if there is one.
func FromContext(ctx context.Context, component string) *logrus.Entry {
	logger := ctxlogrus.Extract(ctx).WithField("component", component)
	if correlationID := correlation.ExtractFromContext(ctx); correlationID != "" {
		logger = logger.WithField("correlation_id", correlationID)
	}
	return logger
}
