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

	"duel-engine/internal/api"
	"duel-engine/internal/config"
	"duel-engine/internal/db"
	"duel-engine/internal/engine"
	"duel-engine/internal/memstore"
	"duel-engine/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Store
	var store engine.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		store = memstore.New()
		log.Println("[main] using in-memory store")
	default:
		pg, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer pg.Close()
		log.Println("[main] connected to database")

		if err := pg.Migrate(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("[main] migrations applied")
		store = pg
	}

	// WS Hub
	hub := ws.NewHub()

	// Battle engine
	mgr := engine.NewManager(store, hub.Publish, cfg.Engine())
	sweeper, err := engine.StartSweeper(mgr, cfg.SweepInterval)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}

	// HTTP
	srv := api.NewServer(mgr, hub, cfg.JWTSecret)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[main] listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}
	if err := sweeper.Stop(); err != nil {
		log.Printf("[main] sweeper shutdown: %v", err)
	}
}
