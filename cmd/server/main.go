package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"symptomtracker/internal/app"
	"symptomtracker/internal/config"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/server"
	"symptomtracker/internal/stream"
	"symptomtracker/internal/tracker"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var opts []tracker.Option
	if cfg.Redis.Enabled {
		rc := cfg.GetRedisConfig()
		redisClient := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis unreachable, alerts will be published once it recovers", "addr", rc.Addr, "error", err)
		}
		opts = append(opts, tracker.WithAlertSink(stream.NewPublisher(redisClient, rc.Stream, log)))
		log.Info("publishing alerts", "stream", rc.Stream)
	}

	core, err := app.NewCore(cfg, log, opts...)
	if err != nil {
		log.Fatal("failed to build tracker", "error", err)
	}
	defer core.Close()
	registry := core.Registry

	if cfg.Registry.EvictSchedule != "" {
		scheduler := cron.New()
		ttl := cfg.Registry.IdleTTL
		if _, err := scheduler.AddFunc(cfg.Registry.EvictSchedule, func() {
			if n := registry.EvictIdle(ttl); n > 0 {
				log.Info("evicted idle models", "count", n, "remaining", registry.Len())
			}
		}); err != nil {
			log.Fatal("invalid eviction schedule", "schedule", cfg.Registry.EvictSchedule, "error", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.NewServer(core.Service, log).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr, "backend", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-stop
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped")
}
