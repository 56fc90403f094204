package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/config"
	"github.com/nixpig/rtcr/internal/core"
	"github.com/nixpig/rtcr/internal/ledger"
	"github.com/nixpig/rtcr/internal/metrics"
	"github.com/nixpig/rtcr/internal/rpc"
	"github.com/nixpig/rtcr/internal/session"
)

// daemon wires the core, the session factory, the gRPC server and the
// metrics endpoint together.
type daemon struct {
	log     *slog.Logger
	factory *session.Factory
	rpc     *rpc.Server

	metrics         *http.Server
	metricsListener net.Listener
}

func newDaemon(cfg config.Config, listener net.Listener, logger *slog.Logger) (*daemon, error) {
	alloc := capability.NewAllocator()
	space := capability.NewSpace(alloc)
	phase := bootstrap.NewPhase(cfg.Bootstrap)

	factory, err := session.New(&session.Opts{
		Backend:  core.NewPlatform(alloc, logger),
		Space:    space,
		Phase:    phase,
		Reporter: ledger.LogReporter{Logger: logger},
		Logger:   logger,
		StateDir: cfg.StateDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create session factory: %w", err)
	}

	d := &daemon{
		log:     logger,
		factory: factory,
		rpc: rpc.NewServer(listener, &rpc.ServerOpts{
			Factory: factory,
			Space:   space,
			Phase:   phase,
			Logger:  logger,
		}),
	}

	if cfg.MetricsAddr != "" {
		ml, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			factory.Close()
			return nil, fmt.Errorf("listen on metrics address: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		d.metricsListener = ml
		d.metrics = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

// start serves until shutdown, returning the first serve error.
func (d *daemon) start() error {
	errCh := make(chan error, 2)

	if d.metrics != nil {
		go func() {
			d.log.Info("serving metrics", "addr", d.metricsListener.Addr().String())

			err := d.metrics.Serve(d.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()
	}

	go func() {
		errCh <- d.rpc.Start()
	}()

	return <-errCh
}

// shutdown stops serving and destroys every remaining session.
func (d *daemon) shutdown() {
	d.rpc.Shutdown()

	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := d.metrics.Shutdown(ctx); err != nil {
			d.log.Warn("shut down metrics server", "err", err)
		}
	}

	if err := d.factory.Close(); err != nil {
		d.log.Warn("destroy sessions", "err", err)
	}
}
