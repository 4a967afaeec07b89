package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnvesslyalti/tars-chat/internal/live"
	"github.com/johnvesslyalti/tars-chat/internal/messaging"
	"github.com/johnvesslyalti/tars-chat/internal/metrics"
	"github.com/johnvesslyalti/tars-chat/internal/presence"
)

func main() {
	log.Println("Starting tars-chat presence sweeper...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "tars-chat-sweeper"

	bus, err := messaging.NewBus(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	store := presence.NewStore(rdb)
	sweeper := presence.NewSweeper(store, rdb, func(userIDs []string) {
		metrics.PresenceSweepFlips.Add(float64(len(userIDs)))
		if err := bus.PublishInvalidation(live.KeyPresence); err != nil {
			log.Printf("[sweeper] publish invalidation: %v", err)
		}
	})

	runCtx, stop := context.WithCancel(context.Background())
	go sweeper.Run(runCtx)

	log.Printf("tars-chat presence sweeper running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  interval:   %s", presence.SweepInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	bus.Close()
	rdb.Close()
}
