package graph

import (
	"log/slog"
	"time"

	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/store"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrentExecutions = 1000
	DefaultHistorySize             = store.DefaultCapacity
	DefaultHistoryLimit            = 100
)

// Options configures Engine execution behavior.
//
// Zero values are valid - New fills in the documented defaults.
type Options struct {
	// MaxConcurrentExecutions bounds the number of runs admitted at once.
	// Default: 1000.
	MaxConcurrentExecutions int

	// HistorySize is the capacity of the in-memory history used when no
	// Store is given. Default: 1000.
	HistorySize int

	// DefaultRetry is the engine layer of the retry configuration.
	// Nil means DefaultRetryConfig().
	DefaultRetry *RetryConfig

	// DefaultNodeTimeout bounds each attempt of nodes without their own
	// timeoutMs. Zero means no timeout.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget bounds a whole run when the workflow config sets no
	// timeoutMs. Zero means no budget.
	RunWallClockBudget time.Duration

	// Metrics enables Prometheus metrics when non-nil.
	Metrics *PrometheusMetrics

	// Emitter receives lifecycle events. Nil discards them.
	Emitter emit.Emitter

	// Store archives finished executions. Nil means an in-memory ring
	// buffer of HistorySize entries.
	Store store.Store[ExecutionSnapshot]

	// Logger is the base logger. Nil means slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(reg,
//	    graph.WithMaxConcurrentExecutions(64),
//	    graph.WithDefaultNodeTimeout(10*time.Second),
//	    graph.WithEmitter(emit.NewSlogEmitter(logger, true)),
//	)
type Option func(*engineConfig) error

// engineConfig is an internal struct used to collect options before applying them to an Engine.
// This indirection allows validation and composition of options.
type engineConfig struct {
	opts Options
}

// WithOptions replaces the whole option set. Later options still apply on
// top of it.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithMaxConcurrentExecutions sets the admission limit.
//
// When the limit is reached ExecuteWorkflow fails fast with a
// ConcurrencyLimitError instead of queueing.
func WithMaxConcurrentExecutions(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return &EngineError{Message: "max concurrent executions must be > 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxConcurrentExecutions = n
		return nil
	}
}

// WithHistorySize sets the in-memory history capacity.
func WithHistorySize(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return &EngineError{Message: "history size must be > 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.HistorySize = n
		return nil
	}
}

// WithDefaultRetry sets the engine-level retry configuration that workflow
// and node settings override.
func WithDefaultRetry(rc RetryConfig) Option {
	return func(cfg *engineConfig) error {
		if err := rc.Validate(); err != nil {
			return err
		}
		cfg.opts.DefaultRetry = &rc
		return nil
	}
}

// WithDefaultNodeTimeout sets the maximum duration of one node attempt for
// nodes without their own timeoutMs.
//
// When exceeded the attempt's context is cancelled and the attempt fails
// with a NodeTimeoutError, which counts as a normal failure for retries.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget sets the maximum total duration of one run for
// workflows whose config sets no timeoutMs.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	engine, _ := graph.New(reg, graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithEmitter sets the lifecycle event receiver.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithStore sets the history store for finished executions.
func WithStore(st store.Store[ExecutionSnapshot]) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Store = st
		return nil
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		return nil
	}
}
