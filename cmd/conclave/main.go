// Command conclave runs the task router and reasoning coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/Strob0t/conclave/internal/adapter/litellm"
	"github.com/Strob0t/conclave/internal/adapter/mcp"
	"github.com/Strob0t/conclave/internal/adapter/nats"
	"github.com/Strob0t/conclave/internal/adapter/natskv"
	"github.com/Strob0t/conclave/internal/adapter/ollama"
	cfotel "github.com/Strob0t/conclave/internal/adapter/otel"
	"github.com/Strob0t/conclave/internal/adapter/ristretto"
	"github.com/Strob0t/conclave/internal/adapter/tiered"
	"github.com/Strob0t/conclave/internal/adapter/ws"
	"github.com/Strob0t/conclave/internal/config"
	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/logger"
	"github.com/Strob0t/conclave/internal/middleware"
	"github.com/Strob0t/conclave/internal/port/a2a"
	"github.com/Strob0t/conclave/internal/port/backend"
	"github.com/Strob0t/conclave/internal/port/cache"
	"github.com/Strob0t/conclave/internal/resilience"
	"github.com/Strob0t/conclave/internal/secrets"
	"github.com/Strob0t/conclave/internal/service"

	cvhttp "github.com/Strob0t/conclave/internal/adapter/http"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const masterKeyName = "LITELLM_MASTER_KEY"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	// --- Infrastructure ---

	otelShutdown, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Error("otel shutdown error", "error", err)
		}
	}()

	metrics, err := cfotel.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	vault, err := secrets.NewVault(secrets.EnvLoader([]string{masterKeyName}, secrets.AgentKeyPrefix))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	go vault.WatchSIGHUP(ctx)

	l1, err := ristretto.New(int64(cfg.Cache.L1MaxSizeMB) << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	var (
		answerCache cache.Cache = l1
		queue       *nats.Queue
	)
	if cfg.NATS.URL != "" {
		queue, err = nats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Error("nats drain error", "error", err)
			}
		}()

		kv, err := queue.KeyValue(ctx, cfg.Cache.KVBucket, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		answerCache = tiered.New(l1, natskv.New(kv), cfg.Cache.TTL, log)
		slog.Info("nats connected", "url", cfg.NATS.URL, "kv_bucket", cfg.Cache.KVBucket)
	}

	// --- Services ---

	bus := service.NewEventBus(log)
	registry := service.NewAgentRegistry(bus, log)
	for i := range cfg.Agents {
		if _, err := registry.Register(ctx, cfg.Agents[i]); err != nil {
			return fmt.Errorf("register agent %q: %w", cfg.Agents[i].ID, err)
		}
	}

	hub := ws.NewHub(nil, cfg.WS.WriteTimeout, log)
	shared := service.NewSharedContextStore(cfg.Context, hub, bus, log)

	backendClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Backend.HTTPTimeout,
	}
	retrier := resilience.NewRetrier(resilience.NewCircuitStore(), cfg.Resilience, resilience.WithLogger(log))
	invoker := service.NewInvoker(retrier, generatorFactory(cfg, vault, backendClient), metrics, bus, log)

	router := service.NewTaskRouter(cfg.Router, service.RouterDeps{
		Registry: registry,
		Invoker:  invoker,
		Shared:   shared,
		Hub:      hub,
		Events:   bus,
		Metrics:  metrics,
		Log:      log,
	})
	engine := service.NewReasoningEngine(cfg.Reasoning, service.ReasoningDeps{
		Registry: registry,
		Invoker:  invoker,
		Shared:   shared,
		Hub:      hub,
		Cache:    answerCache,
		CacheTTL: cfg.Cache.TTL,
		Metrics:  metrics,
		Log:      log,
	})
	telemetry := service.NewTelemetry(cfg.Telemetry, registry, router, invoker, hub, bus)

	dispatcher := service.NewPeerDispatcher(registry, shared, engine, bus, log)
	dispatcher.SetHub(hub)
	hub.SetDispatcher(dispatcher)

	if queue != nil {
		stopBridge, err := service.NewQueueBridge(queue, router, bus, log).Start(ctx)
		if err != nil {
			return fmt.Errorf("queue bridge: %w", err)
		}
		defer stopBridge()
	}

	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "conclave",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, mcp.ServerDeps{
			Tasks:     router,
			Agents:    registry,
			Reasoning: engine,
			Context:   shared,
			Telemetry: telemetry,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mcpSrv.Stop(sctx); err != nil {
				slog.Error("mcp shutdown error", "error", err)
			}
		}()
		slog.Info("mcp server started", "addr", cfg.MCP.Addr)
	}

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(cfg.Rate, middleware.WithExemptPaths("/health", "/ws"))
	go limiter.Run(ctx)

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(cvhttp.Logger)
	r.Use(cvhttp.SecurityHeaders)
	r.Use(cvhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	if cfg.Cache.IdempotencyTTL > 0 {
		r.Use(middleware.Idempotency(answerCache, cfg.Cache.IdempotencyTTL))
	}

	r.Get("/ws", hub.HandleWS)

	cvhttp.MountRoutes(r, &cvhttp.Handlers{
		Router:    router,
		Registry:  registry,
		Reasoning: engine,
		Shared:    shared,
		Telemetry: telemetry,
		Version:   version,
	})

	capabilities := func() []string {
		var out []string
		for _, a := range registry.List() {
			out = append(out, a.Capabilities...)
		}
		return out
	}
	a2a.NewHandler(cfg.Server.BaseURL, version, router, capabilities).MountRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", srv.Addr,
			"version", version,
			"agents", len(cfg.Agents),
			"backends", backend.Available(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	hub.Close()
	if err := router.Shutdown(shutdownCtx); err != nil {
		slog.Error("router shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// generatorFactory maps an agent's kind to a backend adapter. Local workers
// talk to Ollama; remote workers and orchestrators go through LiteLLM.
func generatorFactory(cfg *config.Config, vault *secrets.Vault, client *http.Client) service.GeneratorFactory {
	return func(a agent.Agent) (backend.Generator, error) {
		bc := backend.Config{
			AgentID:     a.ID,
			Endpoint:    a.Endpoint,
			Model:       a.Model,
			MaxTokens:   cfg.Backend.MaxTokens,
			Temperature: cfg.Backend.Temperature,
			HTTPClient:  client,
			Timeout:     cfg.Backend.HTTPTimeout,
		}

		switch a.Kind {
		case agent.KindLocal:
			return backend.New(ollama.Name, bc)
		case agent.KindRemote, agent.KindOrchestrator:
			if bc.Endpoint == "" {
				bc.Endpoint = cfg.Backend.LiteLLMURL
			}
			if bc.Model == "" {
				bc.Model = cfg.Backend.DefaultModel
			}
			keyName := secrets.AgentKeyName(a.ID)
			bc.APIKey = func() string { return vault.First(keyName, masterKeyName) }
			return backend.New(litellm.Name, bc)
		default:
			return nil, fmt.Errorf("%w: agent %s has unknown kind %q", domain.ErrValidation, a.ID, a.Kind)
		}
	}
}
