package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/throttle/api"
	"github.com/toolink/throttle/extension"
)

// grpcServiceName is the service name reported on the gRPC health endpoint.
const grpcServiceName = "throttle.v1.RateLimiter"

// ServeCmd runs the daemon until SIGINT or SIGTERM.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 2)
	srv := api.NewServer(a.engine, api.WithHealth(a.health), api.WithGatherer(a.registry))
	a.lifecycle.MustRegister(httpExtension(&http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, serveErr))
	if cfg.GRPC.Addr != "" {
		a.lifecycle.MustRegister(a.grpcExtension(cfg.GRPC.Addr, serveErr))
	}

	if err := a.lifecycle.LoadAll(ctx); err != nil {
		return err
	}
	log.Info().Str("http_addr", cfg.HTTP.Addr).Str("grpc_addr", cfg.GRPC.Addr).Msg("throttled started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		log.Error().Err(err).Msg("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if shutdownErr := a.lifecycle.ShutdownAll(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

// httpExtension listens on load so that a busy port fails start-up, then
// serves in the background.
func httpExtension(srv *http.Server, serveErr chan<- error) extension.Extension {
	return &extension.Func{
		ExtName: "http",
		OnLoad: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- fmt.Errorf("http server: %w", err)
				}
			}()
			return nil
		},
		OnShutdown: srv.Shutdown,
	}
}

// grpcExtension serves the standard gRPC health service, kept current by
// the health aggregator.
func (a *app) grpcExtension(addr string, serveErr chan<- error) extension.Extension {
	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	var stopWatch context.CancelFunc
	watchDone := make(chan struct{})
	return &extension.Func{
		ExtName: "grpc",
		OnLoad: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			stopWatch = cancel
			go func() {
				defer close(watchDone)
				a.health.Watch(watchCtx, hs, a.cfg.Health.WatchInterval, grpcServiceName)
			}()
			go func() {
				if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					serveErr <- fmt.Errorf("grpc server: %w", err)
				}
			}()
			return nil
		},
		OnShutdown: func(ctx context.Context) error {
			stopWatch()
			<-watchDone
			hs.Shutdown()

			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				gs.Stop()
				return ctx.Err()
			}
		},
	}
}
