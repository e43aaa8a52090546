// Command gossipnode runs one broadcast node speaking newline-delimited JSON
// on stdin/stdout. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gossipnode/internal/admin"
	"gossipnode/internal/config"
	"gossipnode/internal/node"
	"gossipnode/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gossipnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	telemetry.SetBuildInfo(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.NewNode(cfg, log)

	var (
		adminSrv *admin.Server
		adminLis net.Listener
	)
	if cfg.AdminAddr != "" {
		adminLis, err = net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		adminSrv = admin.NewServer(n, log)
	}

	// Side channels live only as long as the event loop.
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	group, gctx := errgroup.WithContext(loopCtx)
	group.Go(func() error {
		defer cancelLoop()
		err := n.Run(gctx, os.Stdin, os.Stdout)
		if adminSrv != nil {
			adminSrv.Shutdown()
		}
		return err
	})

	if adminSrv != nil {
		group.Go(func() error {
			return adminSrv.Serve(gctx, adminLis)
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	switch {
	case err == nil:
		log.Info("input closed, node stopped")
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info("interrupted, node stopped")
		return nil
	default:
		log.Error("node failed", zap.Error(err))
		return err
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
