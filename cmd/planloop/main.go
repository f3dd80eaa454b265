package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planloop/planloop/internal/access"
	"github.com/planloop/planloop/internal/config"
	"github.com/planloop/planloop/internal/coordinator"
	"github.com/planloop/planloop/internal/httpapi"
	"github.com/planloop/planloop/internal/hub"
	"github.com/planloop/planloop/internal/lifecycle"
	"github.com/planloop/planloop/internal/observability"
	"github.com/planloop/planloop/internal/plans"
	"github.com/planloop/planloop/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := plans.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("plan store init failed: %v", err)
	}
	defer store.Close()

	sessions := session.NewManager(cfg.SessionTTL)
	lifecycleMgr := lifecycle.NewManager(store)
	accessMgr := access.NewManager(store)

	h := hub.New(hub.Config{
		Auth:              sessions,
		Authorizer:        accessMgr,
		Metrics:           metrics,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		AllowAnyOrigin:    cfg.AllowAnyOrigin,
	})

	coord := coordinator.New(store, lifecycleMgr, accessMgr, h, metrics)

	api := httpapi.New(cfg, sessions, coord, h, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Minute)
	go h.Run(runCtx)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
