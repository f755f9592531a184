// Package cli assembles the tracetail command line app.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tracetail/tracetail/internal/config"
	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/pipeline"
)

// Exit codes, stable for supervisors that restart or alert on them.
const (
	ExitCodeOK       = 0
	ExitCodeConfig   = 2
	ExitCodeSource   = 3
	ExitCodeStore    = 4
	ExitCodeIndexing = 5
)

// App returns the full tracetail command line app definition.
func App(version, dateBuilt string) *cli.App {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			EnvVars: []string{"OPENSEARCH_HOST"},
			Usage:   "hostname of the search store",
		},
		&cli.IntFlag{
			Name:    "port",
			EnvVars: []string{"OPENSEARCH_PORT"},
			Value:   9200,
			Usage:   "port of the search store",
		},
		&cli.StringFlag{
			Name:    "index",
			EnvVars: []string{"OPENSEARCH_INDEX"},
			Usage:   "name of the destination index, created on start if missing",
		},
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			EnvVars: []string{"LOG_FILE_PATH"},
			Usage:   "path of the log file to export",
		},
		&cli.StringFlag{
			Name:    "username",
			EnvVars: []string{"OPENSEARCH_USERNAME"},
			Usage:   "basic auth username for the store",
		},
		&cli.StringFlag{
			Name:    "password",
			EnvVars: []string{"OPENSEARCH_PASSWORD"},
			Usage:   "basic auth password for the store",
		},
		&cli.IntFlag{
			Name:    "batch-size",
			EnvVars: []string{"BATCH_SIZE"},
			Value:   100,
			Usage:   "number of lines that closes a batch",
		},
		&cli.DurationFlag{
			Name:    "batch-period",
			EnvVars: []string{"BATCH_PERIOD"},
			Value:   5 * time.Second,
			Usage:   "maximum time a partial batch may wait before it is flushed, 0 disables the timer",
		},
		&cli.StringFlag{
			Name:    "log.level",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "INFO",
			Usage:   "severity of logging, options are: error, warn, info, debug",
		},
		&cli.StringFlag{
			Name:    "state-dir",
			EnvVars: []string{"STATE_DIR"},
			Value:   ".tracetail",
			Usage:   "directory holding position records and dead-lettered batches",
		},
		&cli.BoolFlag{
			Name:    "one-shot",
			EnvVars: []string{"ONE_SHOT"},
			Usage:   "export the file up to its current end, then exit instead of tailing",
		},
		&cli.IntFlag{
			Name:    "max-retries",
			EnvVars: []string{"MAX_RETRIES"},
			Value:   3,
			Usage:   "retries per batch after the first attempt, 0 retries until max-elapsed",
		},
		&cli.DurationFlag{
			Name:    "backoff-initial",
			EnvVars: []string{"BACKOFF_INITIAL"},
			Value:   500 * time.Millisecond,
			Usage:   "initial delay between delivery retries",
		},
		&cli.DurationFlag{
			Name:    "backoff-max",
			EnvVars: []string{"BACKOFF_MAX"},
			Value:   10 * time.Second,
			Usage:   "ceiling on the delay between delivery retries",
		},
		&cli.DurationFlag{
			Name:    "max-elapsed",
			EnvVars: []string{"MAX_ELAPSED"},
			Value:   time.Minute,
			Usage:   "total time spent retrying a batch before giving up",
		},
		&cli.StringFlag{
			Name:    "on-failure",
			EnvVars: []string{"ON_FAILURE"},
			Value:   string(config.FailureHalt),
			Usage:   "what to do with a batch that exhausts retries, options are: halt, dead_letter",
		},
		&cli.StringFlag{
			Name:    "dead-letter-dir",
			EnvVars: []string{"DEAD_LETTER_DIR"},
			Usage:   "directory for dead-lettered batches, defaults to <state-dir>/dead_letter",
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			EnvVars: []string{"POLL_INTERVAL"},
			Value:   time.Second,
			Usage:   "how often the source file is checked for growth or rotation",
		},
		&cli.BoolFlag{
			Name:    "enable-fsnotify",
			EnvVars: []string{"ENABLE_FSNOTIFY"},
			Usage:   "react to filesystem events as well as polling",
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   10 * time.Second,
			Usage:   "how long a graceful stop may spend flushing in-flight lines",
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			EnvVars: []string{"METRICS_ADDR"},
			Usage:   "address to serve prometheus metrics on, empty disables the endpoint",
		},
		&cli.BoolFlag{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "display version info, then exit",
		},
	}

	return &cli.App{
		Name:  "tracetail",
		Usage: "Export a log file to a search index, batch by batch",
		Description: `
Tracetail follows a log file, groups its lines into batches and ships each
batch to an OpenSearch index, remembering how far it got so a restart never
re-exports or skips lines:

  tracetail --host search.internal --index app-logs -f /var/log/app.log
  tracetail --one-shot -f /var/log/app.log --index app-logs`[1:],
		Flags: flags,
		Action: func(c *cli.Context) error {
			if c.Bool("version") {
				fmt.Printf("Version: %v\nDate: %v\n", version, dateBuilt)
				return nil
			}
			if c.Args().Len() > 0 {
				fmt.Fprintf(os.Stderr, "Unrecognised command: %v\n", c.Args().First())
				_ = cli.ShowAppHelp(c)
				return cli.Exit("", ExitCodeConfig)
			}
			return run(c)
		},
	}
}

func confFromContext(c *cli.Context) config.Config {
	conf := config.New()
	conf.Host = c.String("host")
	conf.Port = c.Int("port")
	conf.Index = c.String("index")
	conf.FilePath = c.String("file")
	conf.Username = c.String("username")
	conf.Password = c.String("password")
	conf.BatchSize = c.Int("batch-size")
	conf.BatchPeriod = c.Duration("batch-period")
	conf.LogLevel = c.String("log.level")
	conf.StateDir = c.String("state-dir")
	conf.OneShot = c.Bool("one-shot")
	conf.MaxRetries = c.Int("max-retries")
	conf.BackoffInitial = c.Duration("backoff-initial")
	conf.BackoffMax = c.Duration("backoff-max")
	conf.MaxElapsed = c.Duration("max-elapsed")
	conf.OnFailure = config.FailurePolicy(c.String("on-failure"))
	conf.DeadLetterDir = c.String("dead-letter-dir")
	conf.PollInterval = c.Duration("poll-interval")
	conf.EnableFSNotify = c.Bool("enable-fsnotify")
	conf.ShutdownTimeout = c.Duration("shutdown-timeout")
	conf.MetricsAddr = c.String("metrics-addr")
	return conf
}

func run(c *cli.Context) error {
	conf := confFromContext(c)
	if err := conf.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("Configuration error: %v", err), ExitCodeConfig)
	}

	l, err := log.New(os.Stderr, conf.LogLevel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Configuration error: %v", err), ExitCodeConfig)
	}

	ctx := c.Context
	pipe, err := pipeline.New(ctx, conf, l)
	if err != nil {
		return exitFor(l, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		l.Infof("Received %v, finishing in-flight work", sig)
		pipe.Stop()
	}()

	var metricsSrv *http.Server
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", pipe.Metrics().Handler())
		metricsSrv = &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
		l.Infof("Serving metrics at http://%v/metrics", conf.MetricsAddr)
	}

	runErr := pipe.Run(ctx)

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}

	if runErr != nil {
		return exitFor(l, runErr)
	}
	return nil
}

// exitFor maps pipeline failures onto the documented exit codes.
func exitFor(l log.Modular, err error) error {
	l.Errorf("%v", err)
	switch {
	case errors.Is(err, pipeline.ErrSourceUnreadable):
		return cli.Exit("", ExitCodeSource)
	case errors.Is(err, pipeline.ErrStoreUnreachable):
		return cli.Exit("", ExitCodeStore)
	case errors.Is(err, pipeline.ErrFatalIndexing):
		return cli.Exit("", ExitCodeIndexing)
	}
	return cli.Exit("", ExitCodeIndexing)
}
