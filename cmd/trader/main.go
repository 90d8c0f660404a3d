// Package main runs the FX trading pipeline: market window, signal
// aggregation, sizing, regime and security gates, execution on the paper
// venue and the feedback loop, with the HTTP/WebSocket API alongside.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/api"
	"github.com/atlas-desktop/fx-trader/internal/calendar"
	"github.com/atlas-desktop/fx-trader/internal/config"
	"github.com/atlas-desktop/fx-trader/internal/data"
	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/execution"
	"github.com/atlas-desktop/fx-trader/internal/forecast"
	"github.com/atlas-desktop/fx-trader/internal/journal"
	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/internal/market"
	"github.com/atlas-desktop/fx-trader/internal/metrics"
	"github.com/atlas-desktop/fx-trader/internal/orchestrator"
	"github.com/atlas-desktop/fx-trader/internal/regime"
	"github.com/atlas-desktop/fx-trader/internal/security"
	"github.com/atlas-desktop/fx-trader/internal/signals"
	"github.com/atlas-desktop/fx-trader/internal/sizing"
	"github.com/atlas-desktop/fx-trader/internal/strategy"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/atlas-desktop/fx-trader/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// store is the persistence both the file store and ClickHouse provide.
type store interface {
	AppendCandles(ctx context.Context, candles []types.Candle) error
	LatestCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error)
	AppendOutcomes(ctx context.Context, outcomes []types.TradeOutcome) error
	QueryOutcomes(ctx context.Context, since time.Time) ([]types.TradeOutcome, error)
}

// candleSource is the live feed or the synthetic walk.
type candleSource interface {
	market.Source
	market.RangeSource
}

func main() {
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	synthetic := flag.Bool("synthetic", false, "Trade a synthetic random walk instead of the live feed")
	seed := flag.Int64("seed", 1, "Seed for the synthetic walk")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.App.LogLevel)
	defer logger.Sync()

	logger.Info("Starting FX trader",
		zap.String("symbol", cfg.App.Symbol),
		zap.String("timeframe", cfg.App.Timeframe),
		zap.Bool("paper", cfg.App.Paper),
		zap.Bool("synthetic", *synthetic),
	)
	if !cfg.App.Paper {
		logger.Warn("Only the paper venue is available; continuing in paper mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval, err := utils.TimeframeDuration(cfg.App.Timeframe)
	if err != nil {
		logger.Fatal("Invalid timeframe", zap.Error(err))
	}
	symbol := cfg.App.Symbol

	// Persistence
	var history store
	if cfg.App.ClickHouse.DSN != "" {
		ch, err := data.OpenClickHouse(ctx, logger, cfg.App.ClickHouse.DSN)
		if err != nil {
			logger.Fatal("Failed to open ClickHouse", zap.Error(err))
		}
		defer ch.Close()
		history = ch
	} else {
		fs, err := data.NewStore(logger, cfg.App.DataDir)
		if err != nil {
			logger.Fatal("Failed to initialize data store", zap.Error(err))
		}
		history = fs
	}

	// Market data
	var source candleSource
	if *synthetic {
		origin := time.Now().Add(-time.Duration(cfg.App.BackfillDays+1) * 24 * time.Hour)
		source = data.NewSynthetic(symbol, origin, interval, *seed, data.DefaultWalkParams())
	} else {
		source = data.NewFeed(logger, cfg.App.Feed, cfg.App.Timeframe)
	}

	window := market.NewWindow(logger, cfg.Window, symbol, source, history)
	if cfg.App.BackfillDays > 0 {
		end := time.Now()
		start := end.Add(-time.Duration(cfg.App.BackfillDays) * 24 * time.Hour)
		if _, err := window.Backfill(ctx, source, start, end); err != nil {
			logger.Fatal("Startup backfill failed", zap.Error(types.NewFatalInitError("backfill", err)))
		}
	}
	if err := window.Load(ctx); err != nil {
		logger.Fatal("Failed to load history", zap.Error(err))
	}

	// Observability
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	bus := events.NewEventBus(logger, cfg.Events)
	bus.Start(ctx)
	defer bus.Stop()

	if len(cfg.App.Kafka.Brokers) > 0 {
		j, err := journal.New(logger, cfg.App.Kafka)
		if err != nil {
			logger.Fatal("Failed to create journal", zap.Error(err))
		}
		j.Attach(bus)
		defer j.Close()
	}

	// Workers for predictor fan-out and strategy backtests
	pool := workers.NewPool(logger, cfg.Workers)
	pool.Start()
	defer pool.Stop()

	// Venue
	paper := execution.NewPaper(logger, cfg.Paper, symbol)
	if snap := window.Snapshot(); len(snap) > 0 {
		paper.Mark(snap[len(snap)-1])
	}

	// Signals
	aggregator := signals.NewAggregator(logger, cfg.Aggregator, pool)
	portfolio := strategy.NewPortfolio(logger, cfg.Strategies, pool, history, symbol)
	if err := portfolio.Refresh(ctx); err != nil {
		logger.Warn("Initial strategy optimization failed", zap.Error(err))
	}
	aggregator.AddPredictor(portfolio)

	if cfg.App.Model.Path != "" {
		model, err := forecast.NewModel(logger, cfg.App.Model)
		if err != nil {
			logger.Error("Sequence model disabled", zap.Error(err))
		} else {
			defer model.Close()
			aggregator.AddPredictor(model)
		}
	}

	// Risk, regime and security
	state := sizing.NewRiskState(cfg.Paper.InitialBalance, cfg.Risk.MaxRiskPerTrade, cfg.Risk.Limits)
	sizer := sizing.NewPositionSizer(logger, cfg.Sizing, state, paper, symbol)

	var cache calendar.Cache = calendar.NewTTLCache()
	if cfg.App.Calendar.RedisAddr != "" {
		rc, err := calendar.NewRedisCache(ctx, cfg.App.Calendar.RedisAddr)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process calendar cache", zap.Error(err))
		} else {
			defer rc.Close()
			cache = rc
		}
	}
	cal := calendar.NewClient(logger, cfg.App.Calendar, cache)

	regimeGate := regime.NewGate(logger, cfg.Regime, cal)
	supervisor := regime.NewSupervisor(logger, cfg.Supervisor, regimeGate, paper, symbol)
	securityGate := security.NewGate(logger, cfg.Security, paper, symbol)
	executor := execution.NewExecutor(logger, cfg.Executor, paper)

	monitor := learning.NewMonitor(logger, cfg.Feedback, state, history, paper, symbol)
	monitor.AddRefresher(aggregator)

	for _, c := range []interface {
		SetPublisher(events.Publisher)
		SetRecorder(*metrics.Recorder)
	}{aggregator, regimeGate, securityGate, executor, monitor} {
		c.SetPublisher(bus)
		c.SetRecorder(recorder)
	}

	orch := orchestrator.New(logger, cfg.Orchestrator, orchestrator.Components{
		Window:     window,
		Signals:    aggregator,
		Sizer:      sizer,
		Regime:     regimeGate,
		Security:   securityGate,
		Executor:   executor,
		Feedback:   monitor,
		Supervisor: supervisor,
		Marker:     paper,
		Outcomes:   history,
	})
	orch.SetPublisher(bus)
	orch.SetRecorder(recorder)

	// API
	hub := api.NewHub(logger)
	go hub.Run(ctx)
	hub.Attach(bus)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Addr = cfg.App.HTTPAddr
	server := api.NewServer(logger, serverConfig, api.Deps{
		Risk:       state,
		Regime:     regimeGate,
		Pipeline:   orch,
		Executor:   executor,
		Signals:    aggregator,
		Strategies: portfolio,
		Feedback:   monitor,
		Account:    paper,
		Gatherer:   registry,
		Symbol:     symbol,
	}, hub)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("Failed to start pipeline", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	orch.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping API server", zap.Error(err))
	}
	cancel()

	logger.Info("FX trader stopped")
}

func setupLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
