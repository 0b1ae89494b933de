package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/breez/kv-sync/config"
	"github.com/breez/kv-sync/remote"
	"github.com/breez/kv-sync/sealer"
	"github.com/breez/kv-sync/store/sqlite"
	"github.com/breez/kv-sync/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), `usage: kvsync [flags] <command> [args]

commands:
  put <key> <value>   write a value to the local cache
  get <key>           print the cached value
  del <key>           delete a key locally
  keys                list live keys
  history <key>       list every cached version of a key
  sync [key]          reconcile one key, or every key, with the remote
  watch               keep the cache in sync until interrupted

configuration is read from the environment (KV_REMOTE_URL, KV_PRIVATE_KEY, ...)

flags:
`)
		fs.PrintDefaults()
	}
}

func main() {
	fs := flag.NewFlagSet("kvsync", flag.ExitOnError)
	resolverName := fs.String("resolver", "timestamp", "conflict policy: timestamp, remote or local")
	metricsAddress := fs.String("metrics", "", "serve client metrics on this address while watching")
	fs.Usage = usage(fs)
	fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.NewClientConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Logger()

	resolver, err := parseResolver(*resolverName)
	if err != nil {
		log.Fatalf("%v", err)
	}

	cache, err := sqlite.NewSQLiteCacheStorage(cfg.CachePath,
		sqlite.WithSchemaReset(cfg.AllowCacheReset),
		sqlite.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to open cache %v: %v", cfg.CachePath, err)
	}
	defer cache.Close()

	client := remote.NewClient(cfg.RemoteURL,
		remote.WithSigner(cfg.PrivateKey.Key),
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithAPIKey(cfg.APIKey),
		remote.WithLogger(logger))

	registry := prometheus.NewRegistry()
	opts := []syncer.Option{
		syncer.WithResolver(resolver),
		syncer.WithLogger(logger),
		syncer.WithMetrics(syncer.NewMetrics(registry)),
		syncer.WithMaxRetries(cfg.MaxRetries),
		syncer.WithWorkers(cfg.SyncWorkers),
		syncer.WithSyncInterval(cfg.SyncInterval),
	}
	if cfg.EncryptValues {
		s, err := sealer.FromPrivateKey(cfg.PrivateKey.Key)
		if err != nil {
			log.Fatalf("failed to create sealer: %v", err)
		}
		opts = append(opts, syncer.WithSealer(s))
	}
	coordinator := syncer.NewCoordinator(cache, client, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddress != "" && fs.Arg(0) == "watch" {
		go func() {
			logger.Info("serving metrics", slog.String("address", *metricsAddress))
			err := http.ListenAndServe(*metricsAddress, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	c := &cli{coordinator: coordinator, out: os.Stdout}
	if err := c.run(ctx, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "kvsync: %v\n", err)
		os.Exit(1)
	}
}
