package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "repro-screening/internal/api"
	"repro-screening/internal/config"
	"repro-screening/internal/lock"
	"repro-screening/internal/queue"
	"repro-screening/internal/ratelimit"
	"repro-screening/internal/store"
	"repro-screening/internal/thread"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")
	deps := api.Deps{
		Store:   st,
		Queue:   q,
		Limiter: limiter,
		Locks:   lock.New(cfg.LockDir, cfg.LockStaleAfter),
		Logger:  logger,
	}
	if cfg.ReviewRepository != "" {
		gh, err := thread.NewGitHub(cfg.GitHubToken, cfg.GitHubAPIURL, cfg.ReviewRepository)
		if err != nil {
			log.Fatalf("github: %v", err)
		}
		renderer, err := thread.NewRenderer(cfg.ThreadTimezone)
		if err != nil {
			log.Fatalf("renderer: %v", err)
		}
		deps.Thread = thread.NewClient(gh, renderer, logger)
	} else {
		log.Printf("REVIEW_REPOSITORY not set; requests will not be tracked in a review thread")
	}

	server := api.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
