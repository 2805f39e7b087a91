// Command server runs the HTTP API: authentication, sender management, and
// batch scheduling. Delivery itself happens in the worker binary; the two
// share the database and queue.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailsched/internal/api"
	"github.com/ignite/mailsched/internal/auth"
	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/config"
	"github.com/ignite/mailsched/internal/pkg/logger"
	"github.com/ignite/mailsched/internal/queue"
	"github.com/ignite/mailsched/internal/scheduler"
	"github.com/ignite/mailsched/internal/store"
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
	defer st.Close()

	rdb := newRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The rate limiter degrades to its durable fallback; sending is
		// slower but still correct, so boot continues.
		log.Printf("[Server] redis unreachable at boot: %v", err)
	}

	clk := clock.Real()
	q := queue.New(st.DB(), clk, 0)
	coord := scheduler.New(st, q, clk, cfg.Schedule.PlannerLocation(),
		cfg.Worker.MaxRetries, cfg.Worker.InitialRetryDelay())

	authmgr := auth.NewManager(auth.Config{
		GoogleClientID:     cfg.Auth.GoogleClientID,
		GoogleClientSecret: cfg.Auth.GoogleClientSecret,
		CallbackURL:        cfg.Auth.OAuthCallbackURL,
		JWTSecret:          cfg.Auth.JWTSecret,
		JWTExpiry:          cfg.Auth.JWTExpiry(),
		CookieName:         cfg.Auth.CookieName,
		FrontendOrigin:     cfg.Server.FrontendOrigin,
	}, st, clk)

	srv := api.NewServer(api.Options{
		Store:          st,
		Scheduler:      coord,
		Queue:          q,
		Auth:           authmgr,
		DB:             st.DB(),
		Redis:          rdb,
		FrontendOrigin: cfg.Server.FrontendOrigin,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
	log.Println("[Server] stopped")
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
