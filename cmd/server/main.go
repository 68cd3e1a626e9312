package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JWIMaster/Neocord-sub000/internal/cache"
	"github.com/JWIMaster/Neocord-sub000/internal/config"
	"github.com/JWIMaster/Neocord-sub000/internal/fetcher"
	httphandlers "github.com/JWIMaster/Neocord-sub000/internal/http"
	"github.com/JWIMaster/Neocord-sub000/internal/image_processor"
	"github.com/JWIMaster/Neocord-sub000/internal/logger"
	"github.com/JWIMaster/Neocord-sub000/internal/mediacache"
	"github.com/JWIMaster/Neocord-sub000/internal/pool"
	"github.com/JWIMaster/Neocord-sub000/internal/warmup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	var encoder image_processor.Encoder = image_processor.PNGEncoder{}
	if cfg.UseVips {
		image_processor.StartVips(image_processor.VipsConfig{
			MaxCacheMB:  cfg.VipsMaxCacheMB,
			Concurrency: cfg.VipsConcurrency,
		}, log)
		defer image_processor.StopVips()
		encoder = image_processor.PaletteEncoder{}
	}

	log.Info("Starting media cache server",
		zap.Int("port", cfg.Port),
		zap.String("cdn", cfg.CDNBaseURL),
		zap.String("disk_cache", cfg.DiskCache),
		zap.String("cache_dir", cfg.CacheDir),
		zap.String("encoder", encoder.Name()),
	)

	disk := cache.DiskOptions{
		Type:        cfg.DiskCache,
		Dir:         cfg.CacheDir,
		RedisPrefix: cfg.RedisPrefix,
		RedisTTL:    cfg.RedisTTL,
	}
	if cfg.DiskCache == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer func(client *redis.Client) {
			if err := client.Close(); err != nil {
				log.Warn("Failed to close redis client", zap.Error(err))
			}
		}(client)
		disk.Redis = client
	}

	queue, err := pool.NewQueue(cfg.Workers, "media", log)
	if err != nil {
		log.Fatal("Failed to initialize worker queue", zap.Error(err))
	}

	registry, err := mediacache.NewRegistry(mediacache.RegistryOptions{
		BaseURL:       cfg.CDNBaseURL,
		MemoryEntries: cfg.MemoryEntries,
		Disk:          disk,
		Fetcher: fetcher.NewHTTPFetcher(fetcher.Options{
			Timeout:   cfg.FetchTimeout,
			MaxBytes:  cfg.MaxFetchBytes,
			UserAgent: cfg.UserAgent,
		}, log),
		Processor: image_processor.New(encoder, log),
		Queue:     queue,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize media caches", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, registry)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/media/", handlers.HandleMediaRoutes)
	mux.HandleFunc("/api/cache/clear", handlers.HandleClear)
	mux.HandleFunc("/api/cache/stats", handlers.HandleStats)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	if cfg.WarmupManifest != "" {
		go func() {
			entries, err := warmup.LoadManifest(cfg.WarmupManifest)
			if err != nil {
				log.Warn("Skipping warmup", zap.String("manifest", cfg.WarmupManifest), zap.Error(err))
				return
			}
			warmup.Run(warmupCtx, entries, cfg.WarmupWorkers, registry, log)
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWarmup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Let pending disk writes land before exiting.
	if err := queue.Drain(5 * time.Second); err != nil {
		log.Warn("Worker queue did not drain", zap.Error(err))
	}

	log.Info("Server stopped")
}
