// Package main is the medcall signaling broker.
//
// Wire-up order:
//  1. Config
//  2. Logger
//  3. Database
//  4. Repositories
//  5. WebSocket hub
//  6. Services and rate limiters
//  7. Hub callbacks
//  8. Handlers and routes
//  9. CORS
//  10. HTTP server
//  11. Graceful shutdown
//
// No globals: everything is built here and passed down.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/config"
	"github.com/akinalp/medcall/database"
	"github.com/akinalp/medcall/pkg/logger"
	"github.com/akinalp/medcall/ws"
)

func main() {
	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		os.Stderr.WriteString("medcall: failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// ─── 2. Logger ───
	log := logger.Must(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
	defer log.Sync() //nolint:errcheck

	log.Info("medcall broker starting", zap.String("addr", cfg.Server.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// ─── 3. Database ───
	db, err := database.New(cfg.Database.Path, database.Migrations(), log)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// ─── 4. Repositories ───
	repos := initRepositories(db.Conn)

	// ─── 5. WebSocket Hub ───
	hub := ws.NewHub(log)

	// ─── 6. Services ───
	limiters := initRateLimiters(cfg, clk)
	defer limiters.Stop()

	svcs := initServices(repos, hub, cfg, clk, log)
	defer svcs.ICE.Close()

	if err := svcs.CallRelay.CloseStale(ctx); err != nil {
		log.Error("failed to close stale call records", zap.Error(err))
	}

	// ─── 7. Hub Callbacks ───
	registerHubCallbacks(ctx, hub, svcs, limiters)
	go hub.Run()

	// ─── 8. Handlers & Routes ───
	h := initHandlers(svcs, hub, limiters, cfg.Server.CORSOrigins)

	mux := http.NewServeMux()
	initRoutes(mux, h)

	// ─── 9. CORS ───
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	// ─── 10. HTTP Server ───
	// No WriteTimeout: it would cut long-lived WebSocket connections.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// ─── 11. Graceful Shutdown ───
	<-ctx.Done()
	log.Info("shutting down")

	// WebSocket clients first, so they see a close frame rather than a reset.
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	log.Info("server stopped gracefully")
}
