package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-router/internal/config"
	"github.com/morezero/capability-router/pkg/cache"
	"github.com/morezero/capability-router/pkg/catalog"
	"github.com/morezero/capability-router/pkg/db"
	"github.com/morezero/capability-router/pkg/dispatcher"
	"github.com/morezero/capability-router/pkg/engine"
	"github.com/morezero/capability-router/pkg/events"
	"github.com/morezero/capability-router/pkg/metrics"
	"github.com/morezero/capability-router/pkg/preflight"
	"github.com/morezero/capability-router/pkg/transport"
)

const runtimeLogPrefix = "server:runtime"

// RuntimeParams holds what NewRuntime needs beyond the config.
type RuntimeParams struct {
	Config *config.Config
	// Conn, when set, receives execution events.
	Conn *comms.Conn
	// Publisher receives execution events in addition to metrics and Conn.
	Publisher events.EventPublisher
	// Runner replaces the subprocess runner of the CLI route and its probe.
	Runner transport.Runner
}

// Runtime holds the collaborators shared by the service and the one-shot commands.
type Runtime struct {
	Config    *config.Config
	Registry  *catalog.Registry
	Documents catalog.Documents
	Engine    *engine.Engine
	Deps      engine.Deps
	Metrics   *metrics.Collector

	checks  map[string]dispatcher.HealthCheck
	closers []func()
}

// NewRuntime loads the catalog and builds the engine with its per-call dependencies.
func NewRuntime(ctx context.Context, p RuntimeParams) (*Runtime, error) {
	cfg := p.Config
	rt := &Runtime{Config: cfg, checks: make(map[string]dispatcher.HealthCheck)}

	reg, docs, err := rt.loadCatalog(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Registry = reg
	rt.Documents = docs
	rt.checks["catalog"] = func(context.Context) error {
		if rt.Registry.Len() == 0 {
			return errors.New("catalog is empty")
		}
		return nil
	}

	rt.Metrics = metrics.NewCollector(cfg.MetricsNamespace)

	var resolutionCache cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisFromURL(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("%s - failed to connect to redis: %w", runtimeLogPrefix, err)
		}
		rt.closers = append(rt.closers, func() { _ = rc.Close() })
		rt.checks["cache"] = rc.Ping
		resolutionCache = rt.Metrics.InstrumentCache("redis", rc)
	} else {
		resolutionCache = rt.Metrics.InstrumentCache("memory", cache.NewMemory(cfg.CacheTTL))
	}

	publishers := []events.EventPublisher{rt.Metrics, p.Publisher}
	if p.Conn != nil {
		publishers = append(publishers, events.NewCommsPublisher(p.Conn, &events.CommsPublisherOpts{GlobalSubject: cfg.EventSubject}))
		rt.checks["comms"] = func(context.Context) error {
			if status := p.Conn.Status(); status != comms.CONNECTED {
				return fmt.Errorf("comms connection is %s", status)
			}
			return nil
		}
	}

	rt.Engine, err = engine.NewEngine(engine.Params{
		Registry:            reg,
		Documents:           docs,
		Publisher:           events.NewMultiPublisher(publishers...),
		Observer:            rt.Metrics.ObserveAttempt,
		MaxAttemptsPerRoute: cfg.MaxAttemptsPerRoute,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("%s - %w", runtimeLogPrefix, err)
	}

	rt.Deps = engine.Deps{
		Client: transport.NewClient(transport.ClientParams{
			Token:           cfg.Token,
			GraphQLEndpoint: cfg.GraphQLEndpoint,
			RESTBaseURL:     cfg.RESTBaseURL,
			HTTPTimeout:     cfg.HTTPTimeout,
			RateLimit:       cfg.HTTPRateLimit,
			Burst:           cfg.HTTPBurst,
			CLIBinary:       cfg.CLIBinary,
			CLITimeout:      cfg.CLITimeout,
			Runner:          p.Runner,
		}),
		Token: cfg.Token,
		Prober: preflight.NewProber(preflight.Options{
			Token:     cfg.Token,
			Runner:    p.Runner,
			CLIBinary: cfg.CLIBinary,
			TTL:       cfg.ProbeTTL,
		}),
		Cache:       resolutionCache,
		Concurrency: cfg.ChainConcurrency,
	}

	slog.Info(fmt.Sprintf("%s - Runtime ready with %d capabilities from %s catalog", runtimeLogPrefix, reg.Len(), cfg.CatalogSource))
	return rt, nil
}

func (rt *Runtime) loadCatalog(ctx context.Context) (*catalog.Registry, catalog.Documents, error) {
	cfg := rt.Config
	if cfg.CatalogSource != config.CatalogSourceDB {
		reg, err := catalog.LoadRegistry(cfg.CatalogDir)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to load catalog from %s: %w", runtimeLogPrefix, cfg.CatalogDir, err)
		}
		return reg, catalog.NewFSDocuments(os.DirFS(cfg.CatalogDir)), nil
	}

	pool, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	rt.closers = append(rt.closers, pool.Close)
	repo := db.NewRepository(pool)
	rt.checks["database"] = repo.Ping

	reg, docs, err := db.LoadCatalog(ctx, repo)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to load catalog from database: %w", runtimeLogPrefix, err)
	}
	return reg, docs, nil
}

// Dispatcher returns a dispatcher over the runtime's engine and health checks.
func (rt *Runtime) Dispatcher() *dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(dispatcher.DispatcherParams{
		Engine: rt.Engine,
		Deps:   rt.Deps,
		Checks: rt.checks,
	})
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
