package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/revfs/internal/config"
	"gitlab.com/gitlab-org/revfs/internal/fs/commit"
	"gitlab.com/gitlab-org/revfs/internal/fs/repo"
	revfslog "gitlab.com/gitlab-org/revfs/internal/log"
	"gitlab.com/gitlab-org/revfs/internal/version"
)

const progname = "revfs-admin"

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")

	errNoSubcommand = errors.New("missing subcommand")
)

type subcmd interface {
	Flags(*flag.FlagSet)
	Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error
}

func newSubcommands(a *admin) map[string]subcmd {
	return map[string]subcmd{
		"create":   &createSubcommand{admin: a},
		"youngest": &youngestSubcommand{admin: a},
		"recover":  &recoverSubcommand{admin: a},
		"commit":   &commitSubcommand{admin: a},
		"cat":      &catSubcommand{admin: a},
		"log":      &logSubcommand{admin: a},
		"lstxns":   &lstxnsSubcommand{admin: a},
		"rmtxns":   &rmtxnsSubcommand{admin: a},
		"clean":    &cleanSubcommand{admin: a},
		"lock":     &lockSubcommand{admin: a},
		"unlock":   &unlockSubcommand{admin: a},
		"serve":    &serveSubcommand{admin: a},
	}
}

func flagUsage() {
	fmt.Println(version.GetVersionString())
	fmt.Printf("Usage: %v [OPTIONS] subcommand [SUBCOMMAND OPTIONS]\n", progname)
	flag.PrintDefaults()
}

// registerBuildInfoGauge registers a label with the current version making it easy to
// see which versions are running.
func registerBuildInfoGauge(registerer prometheus.Registerer) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gitlab_build_info",
		Help: "Current build info for this GitLab Service",
		ConstLabels: prometheus.Labels{
			"version": version.GetVersion(),
			"built":   version.GetBuildTime(),
		},
	})

	registerer.MustRegister(gauge)
	gauge.Set(1)
}

func loadConfig(path string) (config.Cfg, error) {
	if path == "" {
		cfg, err := config.Load(emptyReader{})
		if err != nil {
			return config.Cfg{}, err
		}

		// Settings may still come from the environment.
		if err := cfg.ValidateSettings(); err != nil {
			return config.Cfg{}, err
		}

		return cfg, nil
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config.Cfg{}, err
	}
	defer cfgFile.Close()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Cfg{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Cfg{}, err
	}

	return cfg, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func configure(cfg config.Cfg) io.Closer {
	if err := config.ConfigureLogging(cfg.Logging); err != nil {
		log.WithError(err).Fatal("configure logging")
	}
	config.ConfigureSentry(version.GetVersion(), cfg.Logging.Sentry)
	return tracing.Initialize(tracing.WithServiceName(progname))
}

func main() {
	flag.Usage = flagUsage
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		flag.Usage()
		log.Fatal(errNoSubcommand)
	}

	revfslog.Configure(revfslog.Loggers, "", "")

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		log.WithError(err).WithField("config_path", *flagConfig).Fatal("load config")
	}

	closer := configure(cfg)
	defer closer.Close()

	a := &admin{
		cfg:           cfg,
		commitMetrics: commit.NewMetrics(),
		cacheMetrics:  repo.NewCacheMetrics(),
		registerer:    prometheus.DefaultRegisterer,
	}
	registerBuildInfoGauge(a.registerer)
	a.registerer.MustRegister(a.commitMetrics, a.cacheMetrics)

	subcmdName := flag.Arg(0)
	subcmd, ok := newSubcommands(a)[subcmdName]
	if !ok {
		log.Fatalf("unknown subcommand: %q", subcmdName)
	}

	subcmdFlags := flag.NewFlagSet(subcmdName, flag.ExitOnError)
	subcmd.Flags(subcmdFlags)
	_ = subcmdFlags.Parse(flag.Args()[1:])

	ctx := correlation.ContextWithCorrelation(context.Background(), correlation.SafeRandomID())

	if err := subcmd.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("%s", err)
	}
}
