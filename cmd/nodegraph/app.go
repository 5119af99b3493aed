package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/model"
	"github.com/dshills/nodegraph-go/graph/nodes"
	"github.com/dshills/nodegraph-go/graph/plugin"
	"github.com/dshills/nodegraph-go/graph/registry"
	"github.com/dshills/nodegraph-go/graph/store"
	"github.com/dshills/nodegraph-go/internal/config"
	"github.com/dshills/nodegraph-go/internal/logging"
)

// app holds everything one CLI invocation wires together.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	costs    *model.CostTracker
	plugins  *plugin.Loader
	store    store.Store[graph.ExecutionSnapshot]
	metrics  *graph.PrometheusMetrics
	engine   *graph.Engine

	tracer     *sdktrace.TracerProvider
	metricsSrv *http.Server
}

type appOptions struct {
	// hotReload watches the plugins directory when the config enables it.
	hotReload bool
	// serveMetrics starts the /metrics listener when metrics.addr is set.
	serveMetrics bool
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (a *app, err error) {
	a = &app{
		cfg:      cfg,
		logger:   logging.New("cli"),
		registry: registry.New(logging.New("registry")),
		costs:    model.NewCostTracker(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	if err := nodes.RegisterBuiltins(a.registry, nodes.Config{
		Models: providers(),
		Costs:  a.costs,
		Logger: logging.New("node"),
	}); err != nil {
		return a, err
	}

	promReg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		a.metrics = graph.NewPrometheusMetrics(promReg)
	}

	emitters := []emit.Emitter{emit.NewSlogEmitter(logging.New("events"), false)}
	if cfg.Tracing.Enabled {
		a.tracer = newTracerProvider(cfg.Tracing.ServiceName, logging.New("trace"))
		otel.SetTracerProvider(a.tracer)
		emitters = append(emitters, emit.NewOTelEmitter(a.tracer.Tracer("nodegraph")))
	}
	emitter := emit.NewMultiEmitter(emitters...)

	loaderOpts := []plugin.Option{
		plugin.WithLogger(logging.New("plugins")),
		plugin.WithEmitter(emitter),
		plugin.WithDebounce(cfg.Plugins.Debounce),
	}
	if a.metrics != nil {
		loaderOpts = append(loaderOpts, plugin.WithReloadRecorder(a.metrics))
	}
	a.plugins = plugin.NewLoader(cfg.Plugins.Dir, a.registry, loaderOpts...)
	if _, err := a.plugins.LoadPlugins(ctx); err != nil {
		// Broken plugins are skipped; the rest stay usable.
		a.logger.Warn("some plugins failed to load", "error", err)
	}
	if opts.hotReload && cfg.Plugins.HotReload {
		if err := a.plugins.EnableHotReload(ctx, nil); err != nil {
			return a, err
		}
	}

	a.store, err = openStore(cfg.Store, cfg.Engine.HistorySize)
	if err != nil {
		return a, err
	}

	engineOpts := []graph.Option{
		graph.WithMaxConcurrentExecutions(cfg.Engine.MaxConcurrentExecutions),
		graph.WithHistorySize(cfg.Engine.HistorySize),
		graph.WithDefaultRetry(graph.RetryConfig{
			MaxRetries:        cfg.Engine.Retry.MaxRetries,
			RetryDelayMs:      cfg.Engine.Retry.RetryDelayMs,
			BackoffMultiplier: cfg.Engine.Retry.BackoffMultiplier,
		}),
		graph.WithDefaultNodeTimeout(cfg.Engine.DefaultNodeTimeout),
		graph.WithRunWallClockBudget(cfg.Engine.RunWallClockBudget),
		graph.WithEmitter(emitter),
		graph.WithStore(a.store),
		graph.WithLogger(slog.Default()),
	}
	if a.metrics != nil {
		engineOpts = append(engineOpts, graph.WithMetrics(a.metrics))
	}
	a.engine, err = graph.New(a.registry, engineOpts...)
	if err != nil {
		return a, err
	}

	if opts.serveMetrics && cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		a.serveMetrics(promReg)
	}
	return a, nil
}

func openStore(cfg config.StoreConfig, capacity int) (store.Store[graph.ExecutionSnapshot], error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := store.NewSQLiteStore[graph.ExecutionSnapshot](cfg.Path, capacity)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMySQL:
		st, err := store.NewMySQLStore[graph.ExecutionSnapshot](cfg.DSN, capacity)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverBadger:
		st, err := store.NewBadgerStore[graph.ExecutionSnapshot](cfg.Path, capacity)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMemory, "":
		return store.NewMemStore[graph.ExecutionSnapshot](capacity), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("serving metrics", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// close tears down in reverse order of construction. Safe on a partially
// built app.
func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.plugins != nil {
		if err := a.plugins.Close(ctx); err != nil {
			a.logger.Warn("plugin loader close", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
}

func newTracerProvider(service string, logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&slogExporter{logger: logger}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	)
}

// slogExporter writes finished spans to the log at debug level.
type slogExporter struct {
	logger *slog.Logger
}

func (e *slogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		if st := s.Status(); st.Description != "" {
			attrs = append(attrs, "status", st.Description)
		}
		e.logger.Debug(s.Name(), attrs...)
	}
	return nil
}

func (e *slogExporter) Shutdown(context.Context) error { return nil }
