// Command worker drains the send queue: the send worker pool plus the
// queue's recovery and retention loops. Scale-out is running more of these
// against the same database.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/config"
	"github.com/ignite/mailsched/internal/pkg/logger"
	"github.com/ignite/mailsched/internal/queue"
	"github.com/ignite/mailsched/internal/ratelimit"
	"github.com/ignite/mailsched/internal/store"
	"github.com/ignite/mailsched/internal/transport"
	"github.com/ignite/mailsched/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	rdb := newRedisClient(cfg.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[Worker] redis unreachable at boot, rate limiting falls back to the database: %v", err)
	}

	clk := clock.Real()
	q := queue.New(st.DB(), clk, 0)
	limiter := ratelimit.New(rdb, st, clk, cfg.RateLimit.GlobalHourly, cfg.RateLimit.PerSenderHourly)

	var tr transport.Transport
	if cfg.SMTP.Host != "" {
		tr = transport.NewSMTPTransport()
	} else {
		log.Println("[Worker] no SMTP host configured, using the dev transport")
		tr = transport.NewDevTransport()
	}

	pool := worker.NewPool(st, q, limiter, tr, clk, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		RetryBackoff: cfg.Worker.InitialRetryDelay(),
		DefaultSMTP: transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Secure:   cfg.SMTP.Secure,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
		},
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		pool.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.NewRecoveryWorker(st.DB(), 0, 0).Start(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.NewCleanupWorker(st.DB(), 0).Start(ctx)
	}()

	<-ctx.Done()
	log.Println("[Worker] shutting down")

	// Shutdown order: the pool stops claiming on ctx cancel and drains its
	// in-flight messages within the grace window, then the transport pool,
	// redis, and finally the database are closed.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Worker.ShutdownGrace()):
		log.Println("[Worker] grace period elapsed with work still in flight")
	}

	if err := tr.Close(); err != nil {
		log.Printf("[Worker] close transport: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("[Worker] close redis: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("[Worker] close database: %v", err)
	}
	log.Println("[Worker] stopped")
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return redis.NewClient(opts)
}
