package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/divider/internal/config"
	"github.com/matst80/divider/internal/divider"
	"github.com/matst80/divider/internal/obs"
	"github.com/matst80/divider/internal/ratelimit"
	"github.com/matst80/divider/internal/state"
)

const limiterSweepInterval = time.Minute

func main() {
	if err := run(os.Args[1:]); err != nil {
		obs.Error("divider.exit", obs.Fields{"err": err})
		obs.Sync()
		os.Exit(1)
	}
	obs.Sync()
}

func run(args []string) error {
	flags, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if err := obs.Init(cfg.LogLevel); err != nil {
		return err
	}
	if flags.Debug {
		obs.EnableDebug(true)
	}
	if flags.MetricsAddr != "" {
		cfg.MetricsAddr = flags.MetricsAddr
	}

	store, err := newStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r, ok := store.(*state.Redis); ok {
		go r.Maintain(ctx)
	}

	opts := dividerOptions(cfg, store)
	if l := ratelimit.NewLimiter(cfg.RateLimit.Global, cfg.RateLimit.PerRemote, cfg.RateLimit.Burst); l != nil {
		opts.Limiter = l
		go sweepLimiter(ctx, l)
	}
	srv := divider.New(opts)

	ln, err := srv.Listen()
	if err != nil {
		obs.Error("listen", obs.Fields{"err": err, "port": cfg.Port})
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: newMetricsHandler(store, srv), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.server", obs.Fields{"err": err, "addr": cfg.MetricsAddr})
			}
		}()
	}

	obs.Info("divider.start", obs.Fields{"port": cfg.Port, "real": cfg.Real, "test": cfg.Test, "max_conn": cfg.MaxConn, "buffer_size_bytes": cfg.BufferSizeBytes, "metrics": cfg.MetricsAddr})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()
	store.SetReady(true)
	obs.Info("divider.ready", obs.Fields{})

	var served error
	select {
	case <-ctx.Done():
		obs.Info("divider.shutdown.signal", obs.Fields{})
		served = <-serveErr
	case served = <-serveErr:
	}
	store.SetClosing(true)
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		obs.Warn("divider.shutdown.drain", obs.Fields{"err": err})
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(drainCtx)
	}
	obs.Info("divider.shutdown.complete", obs.Fields{})
	if served != nil {
		return fmt.Errorf("serve: %w", served)
	}
	return nil
}

func dividerOptions(cfg *config.Config, store state.Store) divider.Options {
	return divider.Options{
		Port:               cfg.Port,
		Primary:            cfg.Real,
		Shadow:             cfg.Test,
		BufferSize:         cfg.BufferSizeBytes,
		MaxSessions:        cfg.MaxConn,
		Admission:          divider.Admission(cfg.Admission),
		AdmissionBackoff:   cfg.AdmissionBackoff,
		Termination:        divider.Termination(cfg.Termination),
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		ClientWriteTimeout: cfg.ClientWriteTimeout,
		DialTimeout:        cfg.DialTimeout,
		IdleInterval:       cfg.IdleInterval,
		IdleLimit:          cfg.IdleLimit,
		Tracker:            store,
	}
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(limiterSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.CleanupIdle(limiterSweepInterval); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
