package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"symptomtracker/internal/config"
	"symptomtracker/internal/logger"
	"symptomtracker/internal/models"
	"symptomtracker/internal/stream"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	consumerName := flag.String("name", defaultConsumerName(), "consumer name within the group")
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

	rc := cfg.GetRedisConfig()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := stream.NewConsumer(redisClient, rc.Stream, rc.Group, *consumerName, log)
	if err := consumer.EnsureGroup(ctx); err != nil {
		log.Fatal("failed to prepare consumer group", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Handle shutdown signal
	go func() {
		<-quit
		log.Info("shutting down alert relay")
		cancel()
	}()

	log.Info("alert relay started, reading from Redis stream", "stream", rc.Stream, "group", rc.Group)
	if err := consumer.Run(ctx, relay(log)); err != nil {
		log.Error("alert relay stopped with error", "error", err)
	}
	log.Info("alert relay stopped")
}

// relay logs each delivered alert at a level matching its urgency
func relay(log *logger.Logger) stream.Handler {
	return func(ctx context.Context, a models.Alert) error {
		kv := []interface{}{
			"alert_id", a.ID,
			"subject_id", a.SubjectID,
			"level", a.Level,
			"title", a.Title,
			"action_required", a.ActionRequired,
		}
		switch a.Level {
		case models.AlertUrgent:
			log.Warn("urgent alert", kv...)
		case models.AlertWarning:
			log.Info("warning alert", kv...)
		default:
			log.Debug("informational alert", kv...)
		}
		return nil
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "relay-1"
	}
	return "relay-" + host
}
