package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tempo/internal/api"
	"tempo/internal/config"
	"tempo/internal/dispatch"
	"tempo/internal/store"
	"tempo/internal/transport"
	"tempo/internal/trigger"
)

// hmacEnvPrefix maps target key references onto environment variables:
// a schedule with hmac_key_ref "billing" signs with TEMPO_HMAC_KEY_BILLING.
const hmacEnvPrefix = "TEMPO_HMAC_KEY_"

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		redisAd = flag.String("redis", "", "Redis address for queue targets (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *redisAd != "" {
		cfg.Redis = *redisAd
	}
	if *debug {
		cfg.Debug = true
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	eval := trigger.New()
	svc := dispatch.NewService(repo, eval)

	bus := transport.NewBus()
	httpc := transport.NewInvoker(&http.Client{Timeout: 30 * time.Second}, envKeyResolver)

	var queues transport.Queuer = transport.NewMemoryQueuer()
	if cfg.Redis != "" {
		queues = transport.NewRedisQueuer(redis.NewClient(&redis.Options{Addr: cfg.Redis}))
		log.Info().Str("addr", cfg.Redis).Msg("queue targets delivered via redis")
	}

	ctx, cancel := context.WithCancel(context.Background())

	dispatcher := dispatch.NewDispatcher(repo, eval, cfg.Dispatcher.Interval.Std(), cfg.Dispatcher.Batch)
	go dispatcher.Run(ctx)

	pool := dispatch.NewPool(repo, bus, httpc, queues, dispatch.PoolConfig{
		Size:               cfg.Pool.Size,
		Poll:               cfg.Pool.Poll.Std(),
		Batch:              cfg.Pool.Batch,
		WorkerTimeout:      cfg.Pool.WorkerTimeout.Std(),
		TenantRate:         cfg.Pool.TenantRate,
		TenantBurst:        cfg.Pool.TenantBurst,
		DefaultTimeoutSec:  cfg.Pool.DefaultTimeoutSec,
		DefaultMaxAttempts: cfg.Pool.DefaultMaxAttempts,
	})
	go pool.Run(ctx)

	reaper := dispatch.NewReaper(repo, dispatch.ReaperConfig{
		Interval:      cfg.Reaper.Interval.Std(),
		WorkerTimeout: cfg.Reaper.WorkerTimeout.Std(),
		PendingGrace:  cfg.Reaper.PendingGrace.Std(),
		Batch:         cfg.Reaper.Batch,
	})
	go reaper.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(repo, svc, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func envKeyResolver(ref string) ([]byte, bool) {
	name := hmacEnvPrefix + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, false
	}
	return []byte(v), true
}
