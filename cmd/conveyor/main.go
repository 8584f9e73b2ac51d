package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"conveyor/internal/api"
	"conveyor/internal/backoff"
	"conveyor/internal/config"
	"conveyor/internal/dashboard"
	"conveyor/internal/jobs"
	"conveyor/internal/queue"
	"conveyor/internal/schedules"
	"conveyor/internal/scheduler"
	"conveyor/internal/store"
	"conveyor/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		addr              = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath            = flag.String("db", cfg.DBPath, "SQLite DB path")
		dispatchInterval  = flag.Duration("dispatch-interval", cfg.DispatchInterval, "dispatch loop period")
		schedulerInterval = flag.Duration("scheduler-interval", cfg.SchedulerInterval, "cron runner period")
		disableWorkers    = flag.Bool("disable-workers", cfg.DisableWorkers, "serve the API only, without dispatcher and cron runner")
		activeCeiling     = flag.Duration("active-ceiling", cfg.ActiveCeiling, "max time a job may stay active before the watchdog fails it")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	jobSvc := jobs.NewService(st, backoff.Default())
	queueSvc := queue.NewService(st)
	scheduleSvc := schedules.NewService(st, jobSvc)
	dashSvc := dashboard.NewService(st)

	registry := worker.NewRegistry()
	registry.Register("noop", worker.HandlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		return nil, nil
	}))
	registry.Register("echo", worker.HandlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		return data, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *disableWorkers {
		log.Info().Msg("dispatcher and cron runner disabled")
	} else {
		dispatcher := worker.NewDispatcher(st, jobSvc, registry, *dispatchInterval, *activeCeiling)
		go dispatcher.Run(ctx)

		cronRunner := scheduler.NewService(st, jobSvc, *schedulerInterval)
		go cronRunner.Start(ctx)
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(queueSvc, jobSvc, scheduleSvc, dashSvc),
	}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
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
