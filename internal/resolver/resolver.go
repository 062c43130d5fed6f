package resolver

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-geo-report/internal/accesslog"
	"github.com/rudderlabs/rudder-geo-report/internal/report"
	"github.com/rudderlabs/rudder-geo-report/services/geolocation"
)

// Result is the outcome of resolving a single address: either a Location or an Err.
type Result struct {
	Addr     string
	Location geolocation.Location
	Err      error
}

func (r Result) OK() bool {
	return r.Err == nil
}

type Opt func(*Resolver)

// WithWorkers bounds the number of concurrent lookups. Non positive values keep the default.
func WithWorkers(n int) Opt {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(r *Resolver) {
		r.logger = log
	}
}

func WithStats(s stats.Stats) Opt {
	return func(r *Resolver) {
		r.stats = s
	}
}

// Resolver fans address lookups out to a bounded pool of goroutines.
type Resolver struct {
	locator geolocation.Locator
	workers int
	logger  logger.Logger
	stats   stats.Stats
}

func New(locator geolocation.Locator, opts ...Opt) *Resolver {
	r := &Resolver{
		locator: locator,
		workers: runtime.GOMAXPROCS(0),
		logger:  logger.NOP,
		stats:   stats.NOP,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Workers() int {
	return r.workers
}

// Results starts one lookup per address and streams their outcomes in completion order.
// The channel is closed once every lookup has finished and the pool has been torn down.
func (r *Resolver) Results(ctx context.Context, addrs accesslog.AddressSet) <-chan Result {
	results := make(chan Result, len(addrs))
	latency := r.stats.NewStat("geo_report_lookup_latency", stats.TimerType)

	g := &errgroup.Group{}
	g.SetLimit(r.workers)
	go func() {
		defer close(results)
		for addr := range addrs {
			g.Go(func() error {
				start := time.Now()
				loc, err := r.locator.Locate(ctx, addr)
				latency.Since(start)
				results <- Result{Addr: addr, Location: loc, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

// Resolve drains the lookup results into a Tally. Failed lookups are logged and
// left out of the tally; they never abort the batch.
// If ctx is cancelled the tally is discarded and ctx.Err() is returned once all
// lookups have finished.
func (r *Resolver) Resolve(ctx context.Context, addrs accesslog.AddressSet) (report.Tally, error) {
	r.logger.Infon("resolving addresses",
		logger.NewIntField("addresses", int64(len(addrs))),
		logger.NewIntField("workers", int64(r.workers)),
	)
	var (
		succeeded = r.stats.NewTaggedStat("geo_report_lookups", stats.CountType, stats.Tags{"status": "success"})
		failed    = r.stats.NewTaggedStat("geo_report_lookups", stats.CountType, stats.Tags{"status": "failure"})
	)

	tally := make(report.Tally)
	var failures int
	for res := range r.Results(ctx, addrs) {
		if !res.OK() {
			failures++
			failed.Increment()
			r.logger.Warnn("geolocation lookup failed",
				logger.NewStringField("ip", res.Addr),
				obskit.Error(res.Err),
			)
			continue
		}
		succeeded.Increment()
		tally.Add(res.Location)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.stats.NewStat("geo_report_locations", stats.GaugeType).Gauge(len(tally))
	r.logger.Infon("addresses resolved",
		logger.NewIntField("resolved", int64(tally.Total())),
		logger.NewIntField("failed", int64(failures)),
		logger.NewIntField("locations", int64(len(tally))),
	)
	return tally, nil
}
