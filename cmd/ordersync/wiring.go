package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/ordersync/internal/apiclient"
	"github.com/agentworkforce/ordersync/internal/config"
	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/engine"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
)

const userAgent = "ordersync/1"

// needs says which remote systems a command talks to, so read-only commands
// run without credentials.
type needs struct {
	source     bool
	downstream bool
	store      bool
}

// app is the wired runtime for one command invocation.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	level      zap.AtomicLevel
	store      state.Store
	source     *source.Client
	downstream *downstream.Client
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.envFile != "" {
		if err := config.LoadDotEnv(o.envFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// newApp loads config and builds what the command needs. Logs go to stderr
// unless a file is configured, keeping stdout for command output.
func (o *rootOptions) newApp(n needs, daemon bool) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if n.source {
		if err := cfg.RequireSource(); err != nil {
			return nil, err
		}
	}
	if n.downstream {
		if err := cfg.RequireDownstream(); err != nil {
			return nil, err
		}
	}

	logCfg := cfg.Log
	if !daemon && strings.EqualFold(logCfg.Output, "stdout") {
		logCfg.Output = "stderr"
	}
	logger, level, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, level: level}
	if n.store {
		store, err := state.BuildStoreFromDSN(cfg.State.DSN)
		if err != nil {
			_ = logger.Sync()
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = store
	}
	if n.source {
		a.source = newSourceClient(cfg, logger)
	}
	if n.downstream {
		a.downstream = newDownstreamClient(cfg, logger)
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *app) session() (*engine.Session, error) {
	return engine.New(engine.Options{
		Source:            a.source,
		Downstream:        a.downstream,
		Store:             a.store,
		Marker:            a.cfg.Correlation.Marker,
		StoreID:           a.cfg.Downstream.StoreID,
		StreamName:        a.cfg.Source.StreamName,
		PartitionID:       a.cfg.Source.PartitionID,
		EventReasons:      a.cfg.Poll.EventReasons,
		IncludeTestOrders: a.cfg.Source.IncludeTestOrders,
		Logger:            a.logger,
	})
}

func newSourceClient(cfg *config.Config, logger *zap.Logger) *source.Client {
	httpClient := &http.Client{}
	creds := apiclient.NewCredentialManager(apiclient.CredentialOptions{
		TokenURL:     cfg.Source.TokenURL,
		ClientID:     cfg.Source.ClientID,
		ClientSecret: cfg.Source.ClientSecret,
		HTTPClient:   httpClient,
		Timeout:      cfg.HTTP.TokenTimeout,
		SafetyBuffer: cfg.HTTP.TokenSafetyBuffer,
		Logger:       logger,
	})
	exec := apiclient.NewExecutor(apiclient.ExecutorOptions{
		Name:        "source",
		BaseURL:     cfg.Source.BaseURL,
		Credentials: creds,
		HTTPClient:  httpClient,
		MaxAttempts: cfg.HTTP.MaxAttempts,
		BaseDelay:   cfg.HTTP.BaseDelay,
		MaxDelay:    cfg.HTTP.MaxDelay,
		Timeout:     cfg.HTTP.Timeout,
		UserAgent:   userAgent,
		Logger:      logger,
	})
	return source.NewClient(exec, logger)
}

func newDownstreamClient(cfg *config.Config, logger *zap.Logger) *downstream.Client {
	exec := apiclient.NewExecutor(apiclient.ExecutorOptions{
		Name:        "downstream",
		BaseURL:     cfg.Downstream.BaseURL,
		Credentials: apiclient.StaticCredentials{Key: cfg.Downstream.APIKey},
		AuthHeader:  "API-Key",
		HTTPClient:  &http.Client{},
		MaxAttempts: cfg.HTTP.MaxAttempts,
		BaseDelay:   cfg.HTTP.BaseDelay,
		MaxDelay:    cfg.HTTP.MaxDelay,
		Timeout:     cfg.HTTP.Timeout,
		Limiter:     newLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		UserAgent:   userAgent,
		Logger:      logger,
	})
	return downstream.NewClient(exec, logger)
}

// newLimiter returns nil when limiting is disabled.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
