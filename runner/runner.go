package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	kitconfig "github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/filemanager"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-geo-report/config"
	"github.com/rudderlabs/rudder-geo-report/internal/accesslog"
	"github.com/rudderlabs/rudder-geo-report/internal/report"
	"github.com/rudderlabs/rudder-geo-report/internal/resolver"
	"github.com/rudderlabs/rudder-geo-report/services/geolocation"
)

const appName = "geo-report"

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

type Opt func(*Runner)

func WithConfig(conf *kitconfig.Config) Opt {
	return func(r *Runner) {
		r.conf = conf
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(r *Runner) {
		r.logger = log
	}
}

// WithStats replaces the stats client the runner would otherwise create and start on its own.
func WithStats(s stats.Stats) Opt {
	return func(r *Runner) {
		r.stats = s
	}
}

func WithStdout(w io.Writer) Opt {
	return func(r *Runner) {
		r.stdout = w
	}
}

func WithNow(now func() time.Time) Opt {
	return func(r *Runner) {
		r.now = now
	}
}

// WithUploader sets the file manager used for report uploads instead of building one from configuration.
func WithUploader(u report.FileUploader) Opt {
	return func(r *Runner) {
		r.uploader = u
	}
}

// Runner is responsible for running a report
type Runner struct {
	releaseInfo ReleaseInfo
	conf        *kitconfig.Config
	logger      logger.Logger
	stats       stats.Stats
	stdout      io.Writer
	now         func() time.Time
	uploader    report.FileUploader
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo, opts ...Opt) *Runner {
	r := &Runner{
		releaseInfo: releaseInfo,
		conf:        kitconfig.Default,
		stdout:      os.Stdout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewLogger().Child("runner")
	}
	return r
}

// Run runs the report and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	app := &cli.App{
		Name:    appName,
		Usage:   "count distinct visitors of a resource per geographic location",
		Version: r.releaseInfo.Version,
		Writer:  r.stdout,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "log", Aliases: []string{"l"}, Usage: "access log `PATH`, repeatable, .gz files are decompressed"},
			&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "substring a line must contain, e.g. the requested resource"},
			&cli.StringFlag{Name: "from", Usage: "first `DATE` of the window, inclusive"},
			&cli.StringFlag{Name: "to", Usage: "last `DATE` of the window, inclusive"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "maximum number of concurrent lookups"},
			&cli.StringFlag{Name: "provider", Usage: "geolocation provider: ipinfo or maxmind"},
			&cli.StringFlag{Name: "db", Usage: "maxmind database `PATH`"},
			&cli.StringFlag{Name: "output-dir", Usage: "`DIR` the dated report directory is created in"},
			&cli.StringFlag{Name: "format", Usage: "console format: text or table"},
			&cli.BoolFlag{Name: "no-save", Usage: "do not write the report to disk"},
			&cli.BoolFlag{Name: "no-print", Usage: "do not print the report on screen"},
		},
		Action: func(c *cli.Context) error {
			return r.run(c.Context, config.Overrides{
				LogPaths:      c.StringSlice("log"),
				Target:        c.String("target"),
				StartDate:     c.String("from"),
				EndDate:       c.String("to"),
				Workers:       c.Int("workers"),
				Provider:      c.String("provider"),
				DBPath:        c.String("db"),
				OutputDir:     c.String("output-dir"),
				ConsoleFormat: c.String("format"),
				NoSave:        c.Bool("no-save"),
				NoPrint:       c.Bool("no-print"),
			})
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
	cli.VersionPrinter = func(*cli.Context) {
		r.printVersion()
	}

	if err := app.RunContext(ctx, args); err != nil {
		r.logger.Errorn("geo report failed", obskit.Error(err))
		return 1
	}
	return 0
}

func (r *Runner) run(ctx context.Context, overrides config.Overrides) error {
	settings, err := config.Load(r.conf, overrides)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	statsClient := r.stats
	if statsClient == nil {
		statsOptions := []stats.Option{
			stats.WithServiceName(appName),
			stats.WithServiceVersion(r.releaseInfo.Version),
			stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
		}
		for histogramName, buckets := range customBuckets {
			statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
		}
		stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
		if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
			return fmt.Errorf("starting stats: %w", err)
		}
		defer stats.Default.Stop()
		defer logger.Sync()
		statsClient = stats.Default
	}
	start := time.Now()
	defer func() {
		statsClient.NewStat("geo_report_run_duration", stats.TimerType).Since(start)
	}()

	filter := accesslog.NewFilter(settings.AccessLog.Target, settings.AccessLog.Window,
		accesslog.WithLogger(r.logger.Child("accesslog")),
		accesslog.WithStats(statsClient),
		accesslog.WithMaxLineSize(settings.AccessLog.MaxLineSize),
	)
	addrs, err := filter.ScanFiles(settings.AccessLog.Paths...)
	if err != nil {
		return fmt.Errorf("filtering access log: %w", err)
	}

	locator, closeLocator, err := r.newLocator(ctx, settings.Geolocation)
	if err != nil {
		return fmt.Errorf("setting up geolocation: %w", err)
	}
	defer func() {
		if err := closeLocator(); err != nil {
			r.logger.Warnn("closing geolocation provider", obskit.Error(err))
		}
	}()

	tally, err := resolver.New(locator,
		resolver.WithWorkers(settings.Resolver.Workers),
		resolver.WithLogger(r.logger.Child("resolver")),
		resolver.WithStats(statsClient),
	).Resolve(ctx, addrs)
	if err != nil {
		return fmt.Errorf("resolving addresses: %w", err)
	}

	return r.output(ctx, settings.Output, report.New(tally))
}

func (r *Runner) output(ctx context.Context, settings config.Output, rep report.Report) error {
	if settings.SaveToDisk {
		filePath, err := report.DiskWriter{BaseDir: settings.Dir, Now: r.now}.Write(rep)
		if err != nil {
			return fmt.Errorf("saving report: %w", err)
		}
		r.logger.Infon("report saved",
			logger.NewStringField("path", filePath),
			logger.NewIntField("locations", int64(len(rep))),
		)

		if settings.Upload.Enabled {
			uploader := r.uploader
			if uploader == nil {
				fm, err := filemanager.New(&filemanager.Settings{
					Provider: settings.Upload.Provider,
					Config:   settings.Upload.Config,
					Conf:     r.conf,
				})
				if err != nil {
					return fmt.Errorf("creating file manager: %w", err)
				}
				uploader = fm
			}
			if _, err := (report.Uploader{
				Manager: uploader,
				Prefix:  settings.Upload.Prefix,
				Now:     r.now,
				Logger:  r.logger,
			}).Upload(ctx, filePath); err != nil {
				return err
			}
		}
	}

	if settings.PrintOnScreen {
		if err := (report.ConsoleWriter{Out: r.stdout, Format: settings.ConsoleFormat}).Write(rep); err != nil {
			return fmt.Errorf("printing report: %w", err)
		}
	}
	return nil
}

// newLocator builds the configured provider, optionally behind a circuit breaker.
// The returned func releases the provider's resources.
func (r *Runner) newLocator(ctx context.Context, settings config.Geolocation) (geolocation.Locator, func() error, error) {
	var (
		locator      geolocation.Locator
		closeLocator = func() error { return nil }
	)
	switch settings.Provider {
	case config.ProviderIPInfo:
		l, err := geolocation.NewHTTPLocator(settings.HTTP)
		if err != nil {
			return nil, nil, err
		}
		locator = l
	case config.ProviderMaxmind:
		if settings.Storage.Bucket != "" {
			downloader, err := geolocation.NewS3Downloader(r.conf, settings.Storage)
			if err != nil {
				return nil, nil, err
			}
			if err := geolocation.DownloadDB(ctx, downloader, settings.DBPath, settings.DownloadRetries, r.logger.Child("geolocation")); err != nil {
				return nil, nil, err
			}
		}
		l, err := geolocation.NewMaxmindLocator(settings.DBPath)
		if err != nil {
			return nil, nil, err
		}
		locator, closeLocator = l, l.Close
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, settings.Provider)
	}

	if settings.Breaker.Enabled {
		locator = geolocation.NewBreaker(settings.Provider, locator,
			geolocation.WithBreakerConsecutiveFailures(settings.Breaker.ConsecutiveFailures),
			geolocation.WithBreakerTimeout(settings.Breaker.Timeout),
			geolocation.WithBreakerLogger(r.logger.Child("breaker")),
		)
	}
	return locator, closeLocator, nil
}

type versionInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

func (r *Runner) printVersion() {
	versionFormatted, _ := json.MarshalIndent(versionInfo(r.releaseInfo), "", " ")
	_, _ = fmt.Fprintf(r.stdout, "Version Info %s\n", versionFormatted)
}
