// gated is the multi-tenant serverless function gateway. It serves the
// deploy/invoke/info/delete HTTP surface, dispatches invocations to a
// sandboxed execution backend, and runs the background sweep that evicts
// idle rate-limit windows and expired credentials.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gated-run/gated/internal/api"
	"github.com/gated-run/gated/internal/auth"
	"github.com/gated-run/gated/internal/cache"
	"github.com/gated-run/gated/internal/codestore"
	"github.com/gated-run/gated/internal/config"
	"github.com/gated-run/gated/internal/deploy"
	"github.com/gated-run/gated/internal/kv"
	"github.com/gated-run/gated/internal/leader"
	"github.com/gated-run/gated/internal/loader"
	"github.com/gated-run/gated/internal/orchestrator"
	"github.com/gated-run/gated/internal/ratelimit"
	"github.com/gated-run/gated/internal/reaper"
	"github.com/gated-run/gated/internal/registry"
	"github.com/gated-run/gated/internal/sandbox"
)

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /gated healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	// store backs the Function Registry and Credential Store; codeStoreKV
	// backs the Code Store. Both default to the in-memory KV and are
	// upgraded independently depending on which of DATABASE_URL/S3_ENDPOINT
	// is set.
	var store kv.Store = kv.NewMemStore()
	var codeStoreKV kv.Store = kv.NewMemStore()

	var pool *pgxpool.Pool
	var closePool func()
	if dbURL := cfg.DatabaseURL; dbURL != "" {
		pool, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		pgStore := kv.NewPGStore(pool, "gated_kv")
		if err := pgStore.EnsureTable(ctx); err != nil {
			slog.Error("failed to prepare kv table", "error", err)
			os.Exit(1)
		}
		store = pgStore
		closePool = func() { pool.Close() }
		slog.Info("postgres-backed registry/credential store initialized")
	} else {
		slog.Warn("DATABASE_URL not set, running the registry and credential store in-memory")
	}

	if cfg.S3Endpoint != "" {
		s3Store, err := kv.NewS3Store(ctx, kv.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		codeStoreKV = s3Store
		slog.Info("s3-backed code store initialized", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		slog.Warn("S3_ENDPOINT not set, running the code store in-memory")
	}

	reg := registry.New(store)
	code := codestore.New(codeStoreKV)
	ld := loader.New(reg, code, cache.Options{TTL: 5 * time.Minute, MaxEntries: 500})
	dep := deploy.New(reg, code, ld, addrToOrigin(cfg.Addr))

	var creds *auth.Store
	if os.Getenv("AUTH_REQUIRED") != "" {
		creds = auth.New(store, cfg.PublicEndpoints)
		slog.Info("credential verification enabled")
	} else {
		slog.Warn("AUTH_REQUIRED not set, all functions are invokable without a credential")
	}

	ipLimiter := ratelimit.New(ratelimit.Config{WindowMs: cfg.RateLimitIP.WindowMs, MaxRequests: cfg.RateLimitIP.MaxRequests})
	fnLimiter := ratelimit.New(ratelimit.Config{WindowMs: cfg.RateLimitFunction.WindowMs, MaxRequests: cfg.RateLimitFunction.MaxRequests})
	composite := ratelimit.NewComposite([]string{"ip", "function"}, map[string]*ratelimit.Limiter{"ip": ipLimiter, "function": fnLimiter})

	var dispatcher sandbox.Dispatcher
	if cfg.SandboxEndpoint != "" {
		httpDispatcher, err := sandbox.NewHTTPDispatcher(cfg.SandboxEndpoint)
		if err != nil {
			slog.Error("failed to create sandbox dispatcher", "error", err)
			os.Exit(1)
		}
		dispatcher = httpDispatcher
		slog.Info("sandbox dispatcher initialized", "endpoint", cfg.SandboxEndpoint)
	} else {
		slog.Warn("SANDBOX_ENDPOINT not set, invocations will fail with 501 until one is configured")
	}

	orch := orchestrator.New(creds, composite, reg, ld, dispatcher)

	srv := &api.Server{
		Orchestrator: orch,
		Deploy:       dep,
		Registry:     reg,
		CORSOrigins:  cfg.CORSOrigins,
	}

	reap := reaper.New(composite, creds)

	// Background sweep: only one replica should run it when multiple
	// replicas share a Postgres-backed store, to avoid redundant sweeps.
	var stopReaper func()
	var stopLeader func()
	switch {
	case pool != nil:
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		onElected := func(ctx context.Context) func() {
			if err := reap.Start(ctx, cfg.ReaperSchedule); err != nil {
				slog.Error("failed to start reaper", "error", err)
				return func() {}
			}
			return reap.Stop
		}
		elector := leader.New(tryLock, leader.RetryInterval, onElected)
		elector.Start(ctx)
		stopLeader = elector.Stop
		slog.Info("leader election started (advisory lock) for reaper scheduling")
	default:
		if err := reap.Start(ctx, cfg.ReaperSchedule); err != nil {
			slog.Error("failed to start reaper", "error", err)
			os.Exit(1)
		}
		stopReaper = reap.Stop
		slog.Info("reaper started", "schedule", cfg.ReaperSchedule)
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	if strings.HasPrefix(cfg.Addr, "0.0.0.0") && creds == nil {
		slog.Warn("listening on 0.0.0.0 without AUTH_REQUIRED — the gateway is unauthenticated and accessible from the network")
	}

	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")

	errCh := make(chan error, 1)
	if tlsCertFile != "" && tlsKeyFile != "" {
		go func() { errCh <- httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile) }()
		slog.Info("starting gated (HTTPS)", "addr", cfg.Addr)
	} else {
		go func() { errCh <- httpServer.ListenAndServe() }()
		slog.Info("starting gated", "addr", cfg.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered cleanup: leader (stops reaper) → direct reaper → rate
	// limiters → database pool.
	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	if stopReaper != nil {
		stopReaper()
		slog.Info("reaper stopped")
	}
	composite.Stop()
	slog.Info("rate limiters stopped")
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("gated shutdown complete")
}

func addrToOrigin(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
