package log

import (
	"context"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			Configure(loggers, tc.format, tc.level)
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestMapHookLogLevel(t *testing.T) {
	require.Equal(t, logrus.WarnLevel, mapHookLogLevel(logrus.InfoLevel))
	require.Equal(t, logrus.DebugLevel, mapHookLogLevel(logrus.DebugLevel))
	require.Equal(t, logrus.ErrorLevel, mapHookLogLevel(logrus.ErrorLevel))
}

func TestFromContext(t *testing.T) {
	logger, hook := test.NewNullLogger()

	ctx := ctxlogrus.ToContext(context.Background(), logrus.NewEntry(logger))
	ctx = correlation.ContextWithCorrelation(ctx, "corr-1")

	FromContext(ctx, "commit").Info("hello")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, "commit", entry.Data["component"])
	require.Equal(t, "corr-1", entry.Data["correlation_id"])
}
