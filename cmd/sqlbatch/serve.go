package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/sqlbatch/api"
	audithook "github.com/xraph/sqlbatch/audit_hook"
	"github.com/xraph/sqlbatch/engine"
	"github.com/xraph/sqlbatch/pg"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and a worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			listen, _ := cmd.Flags().GetString(flagListen)
			hosts, _ := cmd.Flags().GetStringSlice(flagHosts)
			noWorker, _ := cmd.Flags().GetBool(flagNoWorker)
			return run(cmd.Context(), runOptions{
				listen:   getEnv(envListen, listen),
				hosts:    hosts,
				noWorker: noWorker,
			})
		},
	}
	cmd.Flags().String(flagListen, ":8080", "HTTP listen address (env: "+envListen+")")
	cmd.Flags().StringSlice(flagHosts, nil, "Only run jobs for these database hosts (env: "+envHosts+")")
	cmd.Flags().Bool(flagNoWorker, false, "Serve the API without executing jobs")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hosts, _ := cmd.Flags().GetStringSlice(flagHosts)
			return run(cmd.Context(), runOptions{hosts: hosts})
		},
	}
	cmd.Flags().StringSlice(flagHosts, nil, "Only run jobs for these database hosts (env: "+envHosts+")")
	return cmd
}

type runOptions struct {
	listen   string // empty: no HTTP API
	hosts    []string
	noWorker bool
}

func run(parent context.Context, o runOptions) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(o.hosts) > 0 {
		cfg.Hosts = o.hosts
	}

	redisOpts, err := goredis.ParseURL(getEnv(envRedisURL, "redis://localhost:6379/0"))
	if err != nil {
		return fmt.Errorf("%s: %w", envRedisURL, err)
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()

	pgOpts := []pg.Option{
		pg.WithLogger(logger),
		pg.WithConnParam("application_name", "sqlbatch"),
	}
	if mode := getEnv(envPGSSLMode, ""); mode != "" {
		pgOpts = append(pgOpts, pg.WithConnParam("sslmode", mode))
	}
	pools := pg.NewPools(pgOpts...)
	defer pools.Close()

	engOpts := []engine.Option{
		engine.WithRedis(rdb),
		engine.WithLogger(logger),
		engine.WithPools(pools),
		engine.WithAdmin(pg.NewAdmin(pgOpts...)),
	}
	if envBool(envAudit) {
		engOpts = append(engOpts, engine.WithExtension(
			audithook.New(audithook.LogRecorder(logger.With(slog.String("component", "audit")))),
		))
	}
	eng, err := engine.New(cfg, engOpts...)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var shutdownHTTP func(time.Duration) error
	if o.listen != "" {
		// Copy streams outlive their handlers, so they run on the process
		// context rather than the request's.
		app := api.New(eng, api.WithLogger(logger), api.WithBaseContext(ctx)).App()
		ln, err := net.Listen("tcp", o.listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", o.listen, err)
		}
		g.Go(func() error {
			logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
			return app.Listener(ln)
		})
		shutdownHTTP = app.ShutdownWithTimeout
	}

	if !o.noWorker {
		if err := eng.Start(gctx); err != nil {
			if shutdownHTTP != nil {
				_ = shutdownHTTP(time.Second)
			}
			return fmt.Errorf("start engine: %w", err)
		}
		logger.Info("worker started",
			slog.String("worker_id", eng.Runner().WorkerID().String()),
			slog.Any("hosts", cfg.Hosts),
		)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

		var errs []error
		if shutdownHTTP != nil {
			if err := shutdownHTTP(cfg.ShutdownTimeout); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if !o.noWorker {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := eng.Stop(sctx); err != nil {
				errs = append(errs, fmt.Errorf("engine stop: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped")
	return nil
}
