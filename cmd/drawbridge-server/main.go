package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreseekdev/drawbridge/pkg/config"
	"github.com/coreseekdev/drawbridge/pkg/engine"
	"github.com/coreseekdev/drawbridge/pkg/logging"
	"github.com/coreseekdev/drawbridge/pkg/store"
	"github.com/coreseekdev/drawbridge/pkg/transport"
)

var log = logging.New("main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Printf("store: %v", err)
		os.Exit(1)
	}

	eng := engine.New(st, engine.Config{
		SnapshotInterval:  cfg.SnapshotInterval,
		IdleEvictionDelay: cfg.IdleEvictionDelay,
		MaxVersionHistory: cfg.MaxVersionHistory,
		LogAppendDebounce: cfg.LogAppendDebounce,
	})

	server := transport.NewServer(eng)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
		eng.Shutdown(ctx)
		os.Exit(0)
	}()

	log.Printf("drawbridge listening on :%d (data dir %s)", cfg.Port, cfg.DataDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("server: %v", err)
		os.Exit(1)
	}
}
