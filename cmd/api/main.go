package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/api"
	"github.com/badat/notiq/internal/config"
	"github.com/badat/notiq/internal/queue"
	"github.com/badat/notiq/internal/storage"
	"github.com/badat/notiq/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

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
	q := queue.NewManager(st, records, queue.Options{LeaseDuration: cfg.LeaseDuration}, log)

	srv := api.NewServer(q, records, log, map[string]api.Pinger{
		"postgres": records,
		"redis":    st,
	}, api.WithDefaultMaxRetries(cfg.MaxRetries))

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("api stopped")
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
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
