package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/badat/notiq/internal/config"
	"github.com/badat/notiq/internal/dispatch"
	"github.com/badat/notiq/internal/queue"
	"github.com/badat/notiq/internal/sender"
	"github.com/badat/notiq/internal/storage"
	"github.com/badat/notiq/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	records := storage.New(pool)
	st := store.NewRedis(rdb)

	opts := queue.Options{LeaseDuration: cfg.LeaseDuration}
	if cfg.RetryBackoff {
		policy := queue.DefaultRetryPolicy()
		policy.InitialInterval = cfg.RetryInitialBackoff
		opts.RetryPolicy = policy
	}
	q := queue.NewManager(st, records, opts, log)

	registry := sender.NewRegistry(
		sender.NewEmail(sender.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, log.Named("email")),
		sender.NewSMS(cfg.SMSProviderURL, cfg.SMSAPIKey, cfg.SMSFrom, log.Named("sms")),
		sender.NewPush(cfg.PushGatewayURL, cfg.PushAPIKey, log.Named("push")),
		sender.NewWebhook(cfg.WebhookTimeout, log.Named("webhook")),
		sender.NewInApp(records, log.Named("inapp")),
	)

	d := dispatch.New(q, registry, records, log,
		dispatch.WithIdleInterval(cfg.DispatchInterval),
		dispatch.WithSendTimeout(cfg.SendTimeout))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error { return d.Run(gctx) })
	}
	g.Go(func() error { return d.RunPromoter(gctx, cfg.PromoteInterval) })
	g.Go(func() error { return d.RunSweeper(gctx, cfg.SweepInterval) })

	log.Info("worker started",
		zap.Int("concurrency", cfg.Concurrency),
		zap.Duration("lease", cfg.LeaseDuration))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker failed", zap.Error(err))
	}
	log.Info("worker stopped")
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		log, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return log
}
