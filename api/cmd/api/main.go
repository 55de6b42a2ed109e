package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"project-pulse/api/internal/emitter"
	"project-pulse/api/internal/handlers"
	"project-pulse/api/internal/listener"
	"project-pulse/api/internal/middleware"
	"project-pulse/api/internal/notify"
	"project-pulse/api/internal/repos"
	"project-pulse/api/internal/rules"
	"project-pulse/shared/authx"
	"project-pulse/shared/cachex"
	"project-pulse/shared/config"
	"project-pulse/shared/dbx"
	"project-pulse/shared/httpx"
	"project-pulse/shared/influxx"
	"project-pulse/shared/logx"
	"project-pulse/shared/metricsx"
	"project-pulse/shared/mqx"
	"project-pulse/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	metricsx.Register()

	otelEndpoint := ""
	if cfg.OtelEnabled {
		otelEndpoint = cfg.OtelEndpoint
	}
	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    otelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed",
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if dbPool != nil {
		bootstrapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repos.EnsureSchema(bootstrapCtx, dbPool); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to ensure schema"})
			logger.Error(bootstrapCtx, "schema_init_failed", "schema init failed",
				slog.String("error", err.Error()),
			)
		} else if err := repos.NewEventTypesRepo(dbPool).Seed(bootstrapCtx); err != nil {
			logger.Warn(bootstrapCtx, "seed_failed", "event type seed failed",
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	eventsRepo := repos.NewEventsRepo(dbPool)
	typesRepo := repos.NewEventTypesRepo(dbPool)

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed, running without cache",
				slog.String("error", err.Error()),
			)
			cache = nil
		}
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "kafka init failed, running without event mirror",
				slog.String("error", err.Error()),
			)
			producer = nil
		}
	}

	var flux *influxx.Client
	if cfg.InfluxURL != "" {
		flux, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed, running without cycle telemetry",
				slog.String("error", err.Error()),
			)
			flux = nil
		}
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	emit := emitter.New(eventsRepo, typesRepo, cache, logger)
	if producer != nil {
		emit = emit.WithMirror(producer, cfg.KafkaEventTopic)
	}

	notifySvc := notify.NewService(cfg.ListenerMaxNotifications)
	engine := rules.NewEngine(notifySvc, emit, eventsRepo, rules.LoggedUpdater{Logger: logger}, logger)

	manager := listener.NewManager(func(projectID string, pollInterval time.Duration) *listener.Listener {
		return listener.New(eventsRepo, engine, emit, cache.Client(), flux, logger, listener.Options{
			ProjectID:      projectID,
			PollInterval:   pollInterval,
			CrashThreshold: cfg.ListenerCrashThreshold,
		})
	})

	api := &handlers.Handlers{
		Emitter:             emit,
		Store:               eventsRepo,
		Types:               typesRepo,
		Engine:              engine,
		Notify:              notifySvc,
		Manager:             manager,
		Logger:              logger,
		MaxQueryLimit:       cfg.EventQueryMaxLimit,
		DefaultPollInterval: time.Duration(cfg.ListenerPollSec) * time.Second,
	}

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: func(r *http.Request) bool {
			return skipInfra(r) || strings.HasPrefix(r.URL.Path, "/api/listener/")
		},
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Protect:  middleware.ListenerControlRoute,
		Role:     authx.RoleOperator,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Skip:           skipInfra,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http")
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithProjectScope(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	manager.StopIfRunning()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel_shutdown_failed", "tracer shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if flux != nil {
		flux.Close()
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
