package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/kv-sync/config"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.Logger()
	slog.SetDefault(logger)

	storage, err := NewStorage(config)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer storage.Close()

	quitChan := make(chan struct{})
	defer close(quitChan)
	kvServer := NewKVServer(config, storage, logger)
	kvServer.Start(quitChan)
	s := CreateServer(config, kvServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", slog.String("address", config.HTTPListenAddress))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to serve: %v", err)
	}
}

func CreateServer(config *config.Config, kvServer *KVServer) *http.Server {
	return &http.Server{
		Addr:              config.HTTPListenAddress,
		Handler:           kvServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
