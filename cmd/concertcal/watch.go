package main

import (
	"context"
	"flag"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	appLog "concertcal/internal/log"
	"concertcal/internal/pipeline"
	"concertcal/internal/web"
)

func cmdWatch(ctx context.Context, g globalFlags, args []string, stdout io.Writer) error {
	fset := flag.NewFlagSet("watch", flag.ContinueOnError)
	listen := fset.String("listen", "", "HTTP listen address (overrides config if set)")
	skipInitial := fset.Bool("skip-initial", false, "Wait for the first scheduled run instead of scraping at startup")
	if err := fset.Parse(args); err != nil {
		return err
	}

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	if *listen != "" {
		a.cfg.Listen = *listen
	}

	runner, err := a.runner(stdout)
	if err != nil {
		return err
	}

	var (
		running atomic.Bool
		wg      sync.WaitGroup
		srv     *web.Server
	)
	trigger := func() bool {
		if !running.CompareAndSwap(false, true) {
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer running.Store(false)
			st := runOnce(ctx, runner)
			srv.SetStatus(st)
		}()
		return true
	}
	srv = web.NewServer(a.cfg, a.store, trigger)

	loc := a.cfg.Location()
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{}))
	if _, err := c.AddFunc(a.cfg.Refresh, func() {
		if !trigger() {
			appLog.Warn("previous run still in progress, skipping scheduled run")
		}
	}); err != nil {
		return err
	}
	c.Start()
	appLog.Info("watch started", "refresh", a.cfg.Refresh, "listen", a.cfg.Listen)

	if !*skipInitial {
		trigger()
	}

	err = srv.Serve(ctx)

	<-c.Stop().Done()
	wg.Wait()
	appLog.Info("watch stopped")
	return err
}

func runOnce(ctx context.Context, runner *pipeline.Runner) web.RunStatus {
	sum, err := runner.Run(ctx, pipeline.Options{})
	st := web.RunStatus{
		RunID:      sum.RunID,
		Added:      sum.Added,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		FinishedAt: time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
		appLog.Error("scheduled run failed", err, "run", sum.RunID)
	}
	return st
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
