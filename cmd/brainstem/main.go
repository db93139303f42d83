// Command brainstem runs the co-pilot core: the Standing Orders policy
// engine, the SQLite logbook, the action executor, the advisory planner
// and the watch-condition supervisor behind one JSON API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/watchkeeper-labs/brainstem/pkg/advisory"
	"github.com/watchkeeper-labs/brainstem/pkg/assist"
	"github.com/watchkeeper-labs/brainstem/pkg/config"
	"github.com/watchkeeper-labs/brainstem/pkg/executor"
	"github.com/watchkeeper-labs/brainstem/pkg/observability"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/router"
	"github.com/watchkeeper-labs/brainstem/pkg/server"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
	"github.com/watchkeeper-labs/brainstem/pkg/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("brainstem exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	engine, err := policy.NewEngine(cfg.StandingOrdersPath, logger)
	if err != nil {
		// The engine denies everything until a valid file appears; keep
		// running so operators can fix the document in place.
		logger.Error("standing orders invalid at startup, denying all actions",
			"path", cfg.StandingOrdersPath, "error", err)
	}

	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(meterProvider)
	metrics, err := observability.NewMetrics(meterProvider.Meter("brainstem"))
	if err != nil {
		return err
	}

	rt := router.New(engine, st, logger)
	rt.SetMetrics(metrics)

	actuators := executor.NewActuators(executor.ActuatorConfig{
		EnableActuators:          cfg.EnableActuators,
		EnableKeypress:           cfg.EnableKeypress,
		AllowedKeypressProcesses: cfg.KeypressProcesses(),
		LightsWebhookURL:         cfg.LightsWebhookURL,
	}, nil, nil, st)

	exec := executor.New(st, rt, actuators, nil, logger)
	exec.SetMetrics(metrics)

	advisoryTimeout, _ := cfg.AdvisoryTimeoutDuration()
	adv, err := advisory.NewClient(advisory.Options{
		Mode:    cfg.AdvisoryMode,
		URL:     cfg.AdvisoryURL,
		Model:   cfg.AdvisoryModel,
		Timeout: advisoryTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	orch := assist.New(st, rt, adv, assist.DefaultContext{
		WatchCondition: strings.ToUpper(cfg.DefaultWatchCondition),
	}, logger)
	orch.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := engine.Watch(ctx); err != nil {
			logger.Warn("standing orders watcher stopped", "error", err)
		}
	}()

	interval, _ := cfg.SupervisorIntervalDuration()
	sup := supervisor.New(st, cfg.ForceWatchCondition, interval, logger)
	go sup.Run(ctx)

	srv := server.New(st, engine, exec, orch, logger)
	limiter := server.NewSourceRateLimiter(cfg.RequestsPerSecond, cfg.RequestBurst)
	handler := server.RequestLog(logger, limiter.Middleware(srv.Handler()))
	httpServer := server.NewHTTPServer(cfg.Addr, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("brainstem listening", "addr", cfg.Addr, "db", cfg.DBPath,
			"standing_orders", cfg.StandingOrdersPath, "advisory_mode", cfg.AdvisoryMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
