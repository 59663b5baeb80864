package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/edudashpro/presence/backend-go/internal/api"
	"github.com/edudashpro/presence/backend-go/internal/auth"
	"github.com/edudashpro/presence/backend-go/internal/config"
	"github.com/edudashpro/presence/backend-go/internal/gateway"
	"github.com/edudashpro/presence/backend-go/internal/logging"
	mw "github.com/edudashpro/presence/backend-go/internal/middleware"
	"github.com/edudashpro/presence/backend-go/internal/presence"
	"github.com/edudashpro/presence/backend-go/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.OTelServiceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTelEnabled, cfg.OTelServiceName)
	if err != nil {
		slog.Error("init telemetry", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("open presence store", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	resolver := presence.Resolver{Grace: cfg.OnlineGrace}

	cache := presence.NewCache(store, logger.With("component", "cache"), presence.WithCacheClock(clock))
	cacheCtx, stopCache := context.WithCancel(context.Background())
	cacheDone := make(chan struct{})
	go func() {
		defer close(cacheDone)
		cache.Run(cacheCtx)
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := gateway.NewHub(cache, resolver, clock, logger.With("component", "gateway"))
	go hub.Run(hubCtx)

	authService := auth.NewService(cfg.JWTSecret)
	wsHandler := gateway.NewHandler(hub, authService, store, cfg.AllowedOrigins,
		presence.WithConfig(cfg.Tracker()))
	apiHandler := api.NewHandler(cache, resolver, clock)

	r := mux.NewRouter()

	// Global middleware
	r.Use(mw.Recovery)
	r.Use(mw.Logger)
	r.Use(mw.CORS(cfg.AllowedOrigins))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Protected API routes
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(authService.AuthMiddleware)
	apiRouter.HandleFunc("/me", auth.Me).Methods("GET")
	apiHandler.Register(apiRouter)

	// Device connections authenticate with ?token=
	r.Handle("/ws/presence", wsHandler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", addr, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// Device connections are hijacked, so Shutdown does not wait for them.
	// Stopping the hub closes them and each tracker writes its device offline
	// while the store is still open.
	stopHub()
	if err := hub.Wait(shutdownCtx); err != nil {
		slog.Warn("device sessions still open at shutdown", "error", err)
	}

	stopCache()
	<-cacheDone
	closeStore()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}
