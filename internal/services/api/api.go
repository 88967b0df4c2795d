// Package api composes the modules, connector fleet and HTTP surface into
// one runnable application
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"casefile/internal/ingest"
	"casefile/internal/ingest/breaker"
	"casefile/internal/ingest/retry"
	"casefile/internal/ingest/sources/ci"
	"casefile/internal/ingest/sources/git"
	"casefile/internal/ingest/sources/logs"
	"casefile/internal/ingest/sources/metrics"
	"casefile/internal/ingest/sources/traces"
	"casefile/internal/modkit"
	"casefile/internal/modkit/httpkit"
	"casefile/internal/modkit/module"
	perr "casefile/internal/platform/errors"
	"casefile/internal/platform/logger"
	pmetrics "casefile/internal/platform/metrics"
	phttp "casefile/internal/platform/net/http"
	"casefile/internal/services/auth"
	"casefile/internal/services/connectors"
	"casefile/internal/services/dlq"
	"casefile/internal/services/events"
	"casefile/internal/services/investigations"
	"casefile/internal/services/linker"
)

// API is the assembled application
type API struct {
	deps  modkit.Deps
	srv   *phttp.Server
	sched *ingest.Scheduler
	reg   *ingest.Registry
}

// New wires every module and returns the runnable application
func New(deps modkit.Deps) (*API, error) {
	log := deps.Log

	evmod := events.New(deps)
	invmod := investigations.New(deps)
	dlqSvc := dlq.New(deps, dlq.NewPG(), evmod.Ports().Writer)
	link := linker.New(evmod.Ports().Query, evmod.Ports().Link, invmod.Ports().Reference)
	invmod.Wire(evmod.Ports().Link, link)

	authSvc, err := auth.FromConfig(deps)
	if err != nil {
		return nil, err
	}

	reg := buildConnectors(deps, dlqSvc)
	schedCfg := ingest.SchedulerConfig{
		Interval: deps.Cfg.MayDuration("INGEST_INTERVAL", ingest.DefaultSchedulerConfig().Interval),
		Timeout:  deps.Cfg.MayDuration("INGEST_TIMEOUT", ingest.DefaultSchedulerConfig().Timeout),
	}
	sched := ingest.NewScheduler(reg, evmod.Ports().Writer, schedCfg, *logger.Named("scheduler"))
	conSvc := connectors.New(reg, dlqSvc, sched)

	module.Register("events", evmod.Ports())
	module.Register("investigations", invmod.Ports())

	if err := pmetrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	srv := phttp.NewServer(deps.Cfg)
	r := srv.Router()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	httpkit.MountAPI(r, httpkit.CommonStack(), func(api httpkit.Router) {
		httpkit.Protected(api, authSvc.Port(), func(pr httpkit.Router) {
			evmod.MountRoutes(pr)
			invmod.MountRoutes(pr)
			linker.Register(pr, link)
			connectors.Register(pr, conSvc)
		})
	})

	log.Info().Strs("connectors", reg.Names()).Msg("application wired")
	return &API{deps: deps, srv: srv, sched: sched, reg: reg}, nil
}

// NewIngest wires only the collection pipeline, for the headless worker binary
func NewIngest(deps modkit.Deps) (*ingest.Scheduler, error) {
	evmod := events.New(deps)
	dlqSvc := dlq.New(deps, dlq.NewPG(), evmod.Ports().Writer)
	reg := buildConnectors(deps, dlqSvc)
	if len(reg.Names()) == 0 {
		return nil, perr.Validationf("no connector endpoints configured")
	}
	schedCfg := ingest.SchedulerConfig{
		Interval: deps.Cfg.MayDuration("INGEST_INTERVAL", ingest.DefaultSchedulerConfig().Interval),
		Timeout:  deps.Cfg.MayDuration("INGEST_TIMEOUT", ingest.DefaultSchedulerConfig().Timeout),
	}
	return ingest.NewScheduler(reg, evmod.Ports().Writer, schedCfg, *logger.Named("scheduler")), nil
}

// buildConnectors registers every source that has an endpoint configured
func buildConnectors(deps modkit.Deps, parked ingest.DeadLetter) *ingest.Registry {
	reg := ingest.NewRegistry()
	policy := retryFromConfig(deps)
	brkCfg := breakerFromConfig(deps)

	add := func(src ingest.Source) {
		name := src.Name()
		brk := breaker.New(name, brkCfg, *logger.Named("breaker"))
		reg.Register(ingest.NewConnector(src, policy, brk, *logger.Named("connector")))
	}

	quarantine := func(name string) *ingest.Quarantine {
		return &ingest.Quarantine{DLQ: parked, Log: *logger.Named("quarantine." + name)}
	}

	if o := git.FromConfig(deps.Cfg); o.BaseURL != "" {
		add(git.New(o, quarantine("git")))
	}
	if o := ci.FromConfig(deps.Cfg); o.BaseURL != "" {
		add(ci.New(o, quarantine("ci")))
	}
	if o := logs.FromConfig(deps.Cfg); o.BaseURL != "" {
		add(logs.New(o, quarantine("logs")))
	}
	if o := metrics.FromConfig(deps.Cfg); o.URL != "" {
		add(metrics.New(o))
	}
	if o := traces.FromConfig(deps.Cfg); o.BaseURL != "" {
		add(traces.New(o, quarantine("traces")))
	}
	return reg
}

func retryFromConfig(deps modkit.Deps) retry.Policy {
	cfg := deps.Cfg.Prefix("INGEST_RETRY_")
	p := retry.Default()
	p.MaxRetries = cfg.MayInt("MAX", p.MaxRetries)
	p.InitialDelay = cfg.MayDuration("INITIAL_DELAY", p.InitialDelay)
	p.MaxDelay = cfg.MayDuration("MAX_DELAY", p.MaxDelay)
	p.Base = cfg.MayFloat64("BASE", p.Base)
	return p
}

func breakerFromConfig(deps modkit.Deps) breaker.Config {
	cfg := deps.Cfg.Prefix("INGEST_BREAKER_")
	c := breaker.DefaultConfig()
	c.FailureThreshold = cfg.MayInt("FAILURE_THRESHOLD", c.FailureThreshold)
	c.RecoveryTimeout = cfg.MayDuration("RECOVERY_TIMEOUT", c.RecoveryTimeout)
	c.SuccessThreshold = cfg.MayInt("SUCCESS_THRESHOLD", c.SuccessThreshold)
	return c
}

// Run starts the HTTP server and the connector scheduler, blocking until ctx
// is cancelled and both have drained
func (a *API) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.sched.Run(ctx)
		close(done)
	}()
	err := a.srv.Run(ctx)
	<-done
	return err
}

// Registry exposes the connector registry, mainly for the ingest binary
func (a *API) Registry() *ingest.Registry { return a.reg }
