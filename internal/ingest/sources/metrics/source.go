// Package metrics pulls metric series from InfluxDB and emits anomaly events
// for values whose z-score against the series history crosses the class threshold
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"casefile/internal/platform/config"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	evdom "casefile/internal/services/events/domain"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const (
	defaultWindow  = 30 * time.Minute
	defaultTimeout = 15 * time.Second
)

// thresholds per metric class; anomalies require |z| >= threshold
var thresholds = map[string]float64{
	"cpu":        2.0,
	"memory":     2.0,
	"disk":       2.0,
	"latency":    2.5,
	"error_rate": 2.0,
	"other":      2.0,
}

// Options configures the metrics source
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Window is the history lookback per series
	Window  time.Duration
	Timeout time.Duration
}

// FromConfig reads INGEST_METRICS_* settings
func FromConfig(cfg config.Conf) Options {
	mf := cfg.Prefix("INGEST_METRICS_")
	return Options{
		URL:     mf.MayString("URL", ""),
		Token:   mf.MayString("TOKEN", ""),
		Org:     mf.MayString("ORG", ""),
		Bucket:  mf.MayString("BUCKET", ""),
		Window:  mf.MayDuration("WINDOW", defaultWindow),
		Timeout: mf.MayDuration("TIMEOUT", defaultTimeout),
	}
}

// Series is one metric with its current value and history window
type Series struct {
	Name    string
	Value   float64
	History []float64
	At      time.Time
}

// Fetcher pulls the series map; the production implementation queries InfluxDB
type Fetcher interface {
	FetchSeries(ctx context.Context) ([]Series, error)
}

// Source implements ingest.Source for metric anomalies
type Source struct {
	fetcher Fetcher
	log     logger.Logger
}

// New constructs the metrics source backed by an InfluxDB Flux query
func New(opts Options) *Source {
	return &Source{
		fetcher: newInfluxFetcher(opts),
		log:     *logger.Named("metrics"),
	}
}

// NewWithFetcher constructs the source over a custom fetcher
func NewWithFetcher(f Fetcher) *Source {
	return &Source{fetcher: f, log: *logger.Named("metrics")}
}

// Name satisfies ingest.Source
func (s *Source) Name() string { return string(evdom.SourceMetrics) }

// FetchAndTransform pulls all series and emits an event per detected anomaly
func (s *Source) FetchAndTransform(ctx context.Context) ([]evdom.Event, error) {
	series, err := s.fetcher.FetchSeries(ctx)
	if err != nil {
		return nil, err
	}
	return Analyze(series), nil
}

// Analyze applies the z-score detector to each series
func Analyze(series []Series) []evdom.Event {
	evs := make([]evdom.Event, 0)
	for _, sr := range series {
		if ev, ok := detect(sr); ok {
			evs = append(evs, ev)
		}
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs
}

// detect emits an anomaly iff the series has enough history, spread, and |z| >= threshold
func detect(sr Series) (evdom.Event, bool) {
	if len(sr.History) < 2 {
		return evdom.Event{}, false
	}
	mean, stdev := meanStdev(sr.History)
	if stdev == 0 {
		return evdom.Event{}, false
	}

	z := (sr.Value - mean) / stdev
	class := classifyMetric(sr.Name)
	t := thresholds[class]
	if math.Abs(z) < t {
		return evdom.Event{}, false
	}

	at := sr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return evdom.Event{
		ID:         uuid.NewString(),
		Source:     evdom.SourceMetrics,
		SourceID:   fmt.Sprintf("%s:%d", sr.Name, at.Unix()),
		EventType:  "metric_anomaly",
		Severity:   severityFor(math.Abs(z), t),
		OccurredAt: at,
		Payload: map[string]any{
			"metric":      sr.Name,
			"metric_type": class,
			"value":       sr.Value,
			"mean":        mean,
			"stdev":       stdev,
			"z_score":     z,
			"threshold":   t,
		},
		Tags: []string{"metric_anomaly", class},
	}, true
}

// severityFor grades by how far past the threshold the score landed
func severityFor(absZ, t float64) evdom.Severity {
	switch {
	case absZ > 2*t:
		return evdom.SeverityCritical
	case absZ > 1.5*t:
		return evdom.SeverityHigh
	default:
		return evdom.SeverityMedium
	}
}

// classifyMetric buckets a metric by name substring
func classifyMetric(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "cpu"):
		return "cpu"
	case strings.Contains(n, "memory") || strings.Contains(n, "mem_"):
		return "memory"
	case strings.Contains(n, "disk") || strings.Contains(n, "storage"):
		return "disk"
	case strings.Contains(n, "latency") || strings.Contains(n, "duration") || strings.Contains(n, "response_time"):
		return "latency"
	case strings.Contains(n, "error") || strings.Contains(n, "fail"):
		return "error_rate"
	default:
		return "other"
	}
}

// meanStdev returns the mean and sample standard deviation
func meanStdev(xs []float64) (float64, float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// influxFetcher reads every series in the bucket window via Flux
type influxFetcher struct {
	opts  Options
	query api.QueryAPI
	close func()
	log   logger.Logger
}

func newInfluxFetcher(opts Options) *influxFetcher {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &influxFetcher{
		opts:  opts,
		query: client.QueryAPI(opts.Org),
		close: client.Close,
		log:   *logger.Named("metrics"),
	}
}

// FetchSeries groups points by measurement/field: last point is the current
// value, earlier points are the history window
func (f *influxFetcher) FetchSeries(ctx context.Context) ([]Series, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: -%s)
		  |> sort(columns: ["_time"], desc: false)
	`, f.opts.Bucket, f.opts.Window)

	qctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	result, err := f.query.Query(qctx, flux)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "influx query failed")
	}

	type acc struct {
		values []float64
		at     time.Time
	}
	byName := map[string]*acc{}
	order := []string{}
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		name := rec.Measurement()
		if field := rec.Field(); field != "" && field != "value" {
			name = name + "_" + field
		}
		a := byName[name]
		if a == nil {
			a = &acc{}
			byName[name] = a
			order = append(order, name)
		}
		a.values = append(a.values, v)
		a.at = rec.Time()
	}
	if err := result.Err(); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "influx result error")
	}

	out := make([]Series, 0, len(order))
	for _, name := range order {
		a := byName[name]
		if len(a.values) == 0 {
			continue
		}
		last := len(a.values) - 1
		out = append(out, Series{
			Name:    name,
			Value:   a.values[last],
			History: a.values[:last],
			At:      a.at,
		})
	}
	return out, nil
}
