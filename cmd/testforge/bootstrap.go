package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeline-dev/testforge/adapters/browser"
	"github.com/forgeline-dev/testforge/adapters/llm"
	"github.com/forgeline-dev/testforge/adapters/memstore"
	"github.com/forgeline-dev/testforge/adapters/scriptrun"
	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/commbus"
	"github.com/forgeline-dev/testforge/coreengine/config"
	"github.com/forgeline-dev/testforge/coreengine/kernel"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/observability"
)

// busQueryTimeout bounds request/response exchanges on the in-process bus.
const busQueryTimeout = 5 * time.Second

// loadConfig reads .env if present, then the optional YAML file, then the
// TESTFORGE_* environment overrides.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "testforge",
	})
}

// app bundles what a command needs at run time: the assembled kernel, the
// bus for progress subscriptions, and a close func tearing the stack down
// in reverse construction order.
type app struct {
	cfg    config.Config
	logger logging.Logger
	kernel *kernel.Kernel
	bus    *commbus.InMemoryBus

	store   memstore.Store
	closers []func(context.Context) error
}

// newApp assembles the engine from cfg: session and checkpoint stores,
// boundary adapters, bus, kernel, and the optional metrics and tracing
// endpoints. Without a Redis address all state is held in memory; without
// an LLM key the planner uses its deterministic strategy.
func newApp(ctx context.Context, cfg config.Config, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		a.store = memstore.NewWithFallback(ctx, memstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	} else {
		a.store = memstore.NewMemory()
	}
	checkpoints := memstore.NewCheckpointStore(a.store, cfg.Cleanup.RunRetention(), logger)

	deps := capabilities.Deps{
		Explorer: browser.New(logger,
			browser.WithHeadless(cfg.Browser.Headless),
			browser.WithPageTimeout(cfg.Browser.PageTimeout())),
		Runner:        scriptrun.New(logger),
		Workspace:     cfg.Workspace,
		Formats:       cfg.Pipeline.Formats,
		ScriptTimeout: cfg.Pipeline.ScriptTimeout(),
	}
	if cfg.LLM.APIKey != "" {
		gen, err := llm.New(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("building llm client: %w", err)
		}
		deps.Generator = gen
	}

	a.bus = commbus.NewInMemoryBus(busQueryTimeout, logger)

	var rl *kernel.RateLimitConfig
	if cfg.RateLimit.Enabled {
		rl = &kernel.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
			BurstSize:         cfg.RateLimit.BurstSize,
		}
	}

	k, err := kernel.NewKernel(kernel.KernelConfig{
		Capabilities: deps,
		Workers:      cfg.Pipeline.Workers,
		DefaultQuota: &kernel.RunQuota{
			MaxCapabilityCalls: cfg.Quota.MaxCapabilityCalls,
			MaxLLMCalls:        cfg.Quota.MaxLLMCalls,
			MaxScripts:         cfg.Quota.MaxScripts,
			TimeoutSeconds:     cfg.Quota.TimeoutSeconds,
		},
		ApprovalTTL: cfg.Approval.TTL(),
		RateLimit:   rl,
		Checkpoints: checkpoints,
		Sessions:    a.store,
		Bus:         a.bus,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := k.RegisterBusHandlers(); err != nil {
		return nil, err
	}
	a.kernel = k

	if cfg.Observability.TracingEndpoint != "" {
		shutdown, err := observability.InitTracer("testforge", cfg.Observability.TracingEndpoint)
		if err != nil {
			return nil, fmt.Errorf("initializing tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}
	if cfg.Observability.MetricsAddr != "" {
		a.closers = append(a.closers, a.serveMetrics(cfg.Observability.MetricsAddr))
	}

	return a, nil
}

// serveMetrics exposes /metrics on addr and returns the server's shutdown.
func (a *app) serveMetrics(addr string) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		a.logger.Info("metrics_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()
	return srv.Shutdown
}

// close shuts the kernel down first so no run touches the store or the
// endpoints mid-teardown.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.kernel != nil {
		if err := a.kernel.Shutdown(ctx); err != nil {
			a.logger.Warn("kernel_shutdown", "error", err.Error())
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("component_shutdown", "error", err.Error())
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
