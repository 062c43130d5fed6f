package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/bytesize"
	kitconfig "github.com/rudderlabs/rudder-go-kit/config"

	"github.com/rudderlabs/rudder-geo-report/internal/accesslog"
	"github.com/rudderlabs/rudder-geo-report/internal/report"
	"github.com/rudderlabs/rudder-geo-report/services/geolocation"
)

// Supported geolocation providers
const (
	ProviderIPInfo  = "ipinfo"
	ProviderMaxmind = "maxmind"
)

var (
	ErrMissingTarget   = errors.New("target resource must not be empty")
	ErrMissingLogPath  = errors.New("at least one access log path is required")
	ErrUnknownProvider = errors.New("unknown geolocation provider")
	ErrUploadNeedsDisk = errors.New("report upload requires saving the report to disk")
	ErrMissingDates    = errors.New("both start and end dates are required")
)

type AccessLog struct {
	Paths       []string
	Target      string
	Window      accesslog.Window
	MaxLineSize int64
}

type Resolver struct {
	Workers int
}

type Breaker struct {
	Enabled             bool
	ConsecutiveFailures int
	Timeout             time.Duration
}

type Geolocation struct {
	Provider string
	HTTP     geolocation.HTTPConfig
	DBPath   string
	Storage  geolocation.StorageConfig
	// DownloadRetries bounds the retries of a database download.
	DownloadRetries uint64
	Breaker         Breaker
}

type Upload struct {
	Enabled  bool
	Provider string
	Prefix   string
	Config   map[string]interface{}
}

type Output struct {
	SaveToDisk    bool
	PrintOnScreen bool
	Dir           string
	ConsoleFormat string
	Upload        Upload
}

// Report holds every setting of a report run. It is built once and never mutated afterwards.
type Report struct {
	AccessLog   AccessLog
	Resolver    Resolver
	Geolocation Geolocation
	Output      Output
}

// Overrides carries values that take precedence over the loaded configuration, e.g. command line flags.
// Zero values are ignored.
type Overrides struct {
	LogPaths      []string
	Target        string
	StartDate     string
	EndDate       string
	Workers       int
	Provider      string
	DBPath        string
	OutputDir     string
	ConsoleFormat string
	NoSave        bool
	NoPrint       bool
}

// Load reads the report settings from conf, applies the overrides and validates the result.
func Load(conf *kitconfig.Config, o Overrides) (Report, error) {
	var r Report

	r.AccessLog.Paths = conf.GetStringSliceVar([]string{"ssl_access_log"}, "AccessLog.paths")
	r.AccessLog.Target = conf.GetStringVar("", "AccessLog.target")
	r.AccessLog.MaxLineSize = conf.GetInt64Var(1, bytesize.MB, "AccessLog.maxLineSize")
	startDate := conf.GetStringVar("", "AccessLog.startDate")
	endDate := conf.GetStringVar("", "AccessLog.endDate")

	r.Resolver.Workers = conf.GetIntVar(runtime.GOMAXPROCS(0), 1, "Resolver.workers")

	r.Geolocation.Provider = conf.GetStringVar(ProviderIPInfo, "Geolocation.provider")
	r.Geolocation.HTTP = geolocation.HTTPConfig{
		BaseURL:      conf.GetStringVar("https://ipinfo.io", "Geolocation.http.baseURL"),
		Token:        conf.GetStringVar("", "Geolocation.http.token"),
		Timeout:      conf.GetDurationVar(10, time.Second, "Geolocation.http.timeout"),
		MaxRetry:     conf.GetIntVar(3, 1, "Geolocation.http.maxRetry"),
		RetryWaitMin: conf.GetDurationVar(100, time.Millisecond, "Geolocation.http.minRetryTime"),
		RetryWaitMax: conf.GetDurationVar(5, time.Second, "Geolocation.http.maxRetryTime"),
		RateLimit:    conf.GetFloat64Var(0, "Geolocation.http.rateLimit"),
		Fields: geolocation.Fields{
			IP:          conf.GetStringVar(geolocation.DefaultFields.IP, "Geolocation.http.fields.ip"),
			Country:     conf.GetStringVar(geolocation.DefaultFields.Country, "Geolocation.http.fields.country"),
			CountryName: conf.GetStringVar(geolocation.DefaultFields.CountryName, "Geolocation.http.fields.countryName"),
			Region:      conf.GetStringVar(geolocation.DefaultFields.Region, "Geolocation.http.fields.region"),
			City:        conf.GetStringVar(geolocation.DefaultFields.City, "Geolocation.http.fields.city"),
		},
	}
	r.Geolocation.DBPath = conf.GetStringVar("geolocation/GeoLite2-City.mmdb", "Geolocation.db.path")
	r.Geolocation.Storage = geolocation.StorageConfig{
		Bucket:           conf.GetStringVar("", "Geolocation.db.storage.bucket"),
		Region:           conf.GetStringVar("us-east-1", "Geolocation.db.storage.region"),
		Endpoint:         conf.GetStringVar("", "Geolocation.db.storage.endpoint"),
		AccessKeyID:      conf.GetStringVar("", "Geolocation.db.storage.accessKey"),
		SecretAccessKey:  conf.GetStringVar("", "Geolocation.db.storage.secretAccessKey"),
		S3ForcePathStyle: conf.GetBoolVar(false, "Geolocation.db.storage.s3ForcePathStyle"),
		DisableSSL:       conf.GetBoolVar(false, "Geolocation.db.storage.disableSSL"),
	}
	r.Geolocation.DownloadRetries = uint64(conf.GetIntVar(3, 1, "Geolocation.db.downloadRetries"))
	r.Geolocation.Breaker = Breaker{
		Enabled:             conf.GetBoolVar(false, "Geolocation.breaker.enabled"),
		ConsecutiveFailures: conf.GetIntVar(5, 1, "Geolocation.breaker.consecutiveFailures"),
		Timeout:             conf.GetDurationVar(30, time.Second, "Geolocation.breaker.timeout"),
	}

	r.Output = Output{
		SaveToDisk:    conf.GetBoolVar(true, "Report.saveToDisk"),
		PrintOnScreen: conf.GetBoolVar(true, "Report.printOnScreen"),
		Dir:           conf.GetStringVar(".", "Report.outputDir"),
		ConsoleFormat: conf.GetStringVar(report.FormatText, "Report.consoleFormat"),
		Upload: Upload{
			Enabled:  conf.GetBoolVar(false, "Report.upload.enabled"),
			Provider: conf.GetStringVar("S3", "Report.upload.provider"),
			Prefix:   conf.GetStringVar("geo-reports", "Report.upload.prefix"),
			Config:   conf.GetStringMapVar(map[string]interface{}{}, "Report.upload.config"),
		},
	}

	// overrides
	if len(o.LogPaths) > 0 {
		r.AccessLog.Paths = o.LogPaths
	}
	r.AccessLog.Target = lo.CoalesceOrEmpty(o.Target, r.AccessLog.Target)
	startDate = lo.CoalesceOrEmpty(o.StartDate, startDate)
	endDate = lo.CoalesceOrEmpty(o.EndDate, endDate)
	if o.Workers > 0 {
		r.Resolver.Workers = o.Workers
	}
	r.Geolocation.Provider = strings.ToLower(lo.CoalesceOrEmpty(o.Provider, r.Geolocation.Provider))
	r.Geolocation.DBPath = lo.CoalesceOrEmpty(o.DBPath, r.Geolocation.DBPath)
	r.Output.Dir = lo.CoalesceOrEmpty(o.OutputDir, r.Output.Dir)
	r.Output.ConsoleFormat = strings.ToLower(lo.CoalesceOrEmpty(o.ConsoleFormat, r.Output.ConsoleFormat))
	if o.NoSave {
		r.Output.SaveToDisk = false
	}
	if o.NoPrint {
		r.Output.PrintOnScreen = false
	}

	window, err := parseWindow(startDate, endDate)
	if err != nil {
		return Report{}, err
	}
	r.AccessLog.Window = window

	if err := r.validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}

func (r Report) validate() error {
	var errs []error
	if len(r.AccessLog.Paths) == 0 {
		errs = append(errs, ErrMissingLogPath)
	}
	if r.AccessLog.Target == "" {
		errs = append(errs, ErrMissingTarget)
	}
	switch r.Geolocation.Provider {
	case ProviderIPInfo, ProviderMaxmind:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, r.Geolocation.Provider))
	}
	switch r.Output.ConsoleFormat {
	case report.FormatText, report.FormatTable:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", report.ErrUnknownFormat, r.Output.ConsoleFormat))
	}
	if r.Output.Upload.Enabled && !r.Output.SaveToDisk {
		errs = append(errs, ErrUploadNeedsDisk)
	}
	return errors.Join(errs...)
}

func parseWindow(start, end string) (accesslog.Window, error) {
	if start == "" || end == "" {
		return accesslog.Window{}, ErrMissingDates
	}
	startDate, err := dateparse.ParseIn(start, time.UTC)
	if err != nil {
		return accesslog.Window{}, fmt.Errorf("parsing start date %q: %w", start, err)
	}
	endDate, err := dateparse.ParseIn(end, time.UTC)
	if err != nil {
		return accesslog.Window{}, fmt.Errorf("parsing end date %q: %w", end, err)
	}
	return accesslog.NewWindow(startDate, endDate)
}
