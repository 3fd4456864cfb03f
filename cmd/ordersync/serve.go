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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/ordersync/internal/config"
	"github.com/agentworkforce/ordersync/internal/engine"
	"github.com/agentworkforce/ordersync/internal/httpapi"
	"github.com/agentworkforce/ordersync/internal/logging"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	noPoll          bool
	watchConfig     bool
	rateLimitMax    int
	rateLimitWindow time.Duration
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var so serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, admin API and poll loop",
		Long: `serve listens for fulfillment webhooks and admin requests and polls the order
stream on a jittered interval.

Only one poller may run against a given state store. Run a single replica, or
start extra replicas with --no-poll so they only receive webhooks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, so)
		},
	}
	cmd.Flags().BoolVar(&so.noPoll, "no-poll", false, "receive webhooks only, do not poll the order stream")
	cmd.Flags().BoolVar(&so.watchConfig, "watch-config", true, "reload log level, poll interval and event reasons when the config file changes")
	cmd.Flags().IntVar(&so.rateLimitMax, "admin-rate-limit", 60, "admin API requests allowed per subject per window, 0 disables")
	cmd.Flags().DurationVar(&so.rateLimitWindow, "admin-rate-window", time.Minute, "admin API rate limit window")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, so serveOptions) error {
	a, err := opts.newApp(needs{source: true, downstream: true, store: true}, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	session, err := a.session()
	if err != nil {
		return err
	}
	if a.cfg.Server.AdminJWTSecret == "" {
		logger.Warn("server.admin_jwt_secret is not set; admin endpoints accept tokens signed with the development secret")
	}

	server := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: httpapi.NewServerWithConfig(session, httpapi.ServerConfig{
			JWTSecret:       a.cfg.Server.AdminJWTSecret,
			RateLimitMax:    so.rateLimitMax,
			RateLimitWindow: so.rateLimitWindow,
			MaxBodyBytes:    a.cfg.Server.MaxBodyBytes,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	runner := engine.NewRunner(session, engine.RunnerOptions{
		Interval:     a.cfg.Poll.Interval,
		JitterRatio:  a.cfg.Poll.Jitter,
		CycleTimeout: a.cfg.Poll.Timeout,
		Logger:       logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ordersync listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	if so.noPoll {
		logger.Info("polling disabled; webhook receiver only")
	} else {
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}
	if so.watchConfig && a.cfg.File != "" {
		watcher, err := config.NewWatcher(a.cfg.File, func(next *config.Config) {
			applyReload(next, opts.logLevel, a, session, runner)
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reloadable is the part of the running session the config watcher updates.
type reloadable interface {
	SetEventReasons(reasons []string)
}

// applyReload pushes the settings that can change without a restart. A
// --log-level flag keeps precedence over the file.
func applyReload(next *config.Config, levelFlag string, a *app, session reloadable, runner *engine.Runner) {
	if levelFlag == "" {
		a.level.SetLevel(logging.ParseLevel(next.Log.Level))
	}
	session.SetEventReasons(next.Poll.EventReasons)
	runner.SetInterval(next.Poll.Interval)
	if next.State.DSN != a.cfg.State.DSN || next.Source.StreamName != a.cfg.Source.StreamName {
		a.logger.Warn("state or stream settings changed; restart to apply")
	}
	a.logger.Info("configuration reloaded",
		zap.String("log_level", a.level.String()),
		zap.Duration("poll_interval", runner.Interval()),
		zap.Strings("event_reasons", next.Poll.EventReasons),
	)
}
