package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskmill/internal/exec/probe"
	"taskmill/internal/exec/report"
	"taskmill/internal/exec/shellcmd"
	"taskmill/internal/metrics"
	"taskmill/internal/ops"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/store"
	"taskmill/internal/worker"
)

func main() {
	var (
		dbPath     = flag.String("db", "taskmill.db", "SQLite DB path")
		redisAddr  = flag.String("redis", "localhost:6379", "Redis broker address")
		workers    = flag.Int("workers", 8, "number of worker goroutines")
		opsAddr    = flag.String("ops", ":9090", "monitoring HTTP bind address")
		liveness   = flag.Duration("liveness", 30*time.Second, "heartbeat window before a running task is reclaimed")
		maxRuntime = flag.Duration("max-runtime", 0, "hard per-task wall-clock limit (0 disables)")
		retries    = flag.Int("retries", 3, "max retries for retryable failures")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	if n, err := st.ReclaimStale(context.Background(), *liveness); err == nil && n > 0 {
		log.Info().Int("reclaimed", n).Msg("reclaimed stale running tasks")
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	q := queue.New(rdb, queue.Config{})

	promReg := prometheus.NewRegistry()
	obs := metrics.NewProm(promReg)

	reg := registry.New(st, q)

	execs := worker.NewRegistry()
	execs.Register("report.generate", report.Run)
	execs.Register("probe.http", probe.Run)
	execs.Register("shell.run", shellcmd.Run)

	shell := worker.NewShell(st, q, execs, worker.Config{
		MaxRetries: *retries,
		MaxRuntime: *maxRuntime,
	}, obs)
	pool := worker.NewPool(q, shell, *workers, obs)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)

	// Liveness reclamation runs alongside the workers so records of crashed
	// workers are failed instead of staying running forever.
	go func() {
		t := time.NewTicker(*liveness / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := st.ReclaimStale(ctx, *liveness); err == nil && n > 0 {
					log.Warn().Int("reclaimed", n).Msg("reclaimed stale running tasks")
				}
			}
		}
	}()

	srv := &http.Server{Addr: *opsAddr, Handler: ops.NewServer(reg, pool, promReg)}
	go func() {
		log.Info().Str("addr", *opsAddr).Msg("monitoring server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("monitoring server")
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
