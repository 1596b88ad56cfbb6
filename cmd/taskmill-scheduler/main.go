package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

func main() {
	var (
		dbPath    = flag.String("db", "taskmill.db", "SQLite DB path")
		redisAddr = flag.String("redis", "localhost:6379", "Redis broker address")
		cfgPath   = flag.String("config", "schedules.yaml", "recurring task definitions")
		interval  = flag.Duration("interval", 15*time.Second, "cadence check interval")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	defs, err := scheduler.LoadDefinitions(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load schedule definitions")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()

	reg := registry.New(store.New(db), queue.New(rdb, queue.Config{}))
	svc := scheduler.New(reg, defs, *interval)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	svc.Stop()
	cancel()
}
