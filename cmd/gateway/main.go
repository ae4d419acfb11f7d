// Command gateway runs the crypto-futures alignment gateway: it watches a
// target-position file, reconciles live exchange state against it through
// the OSM/TWAP/planner pipeline, and reports progress back to the file and
// an optional status endpoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gateway/internal/bookcache"
	"gateway/internal/config"
	"gateway/internal/controller"
	"gateway/internal/exchange"
	"gateway/internal/ledger"
	"gateway/internal/osm"
	"gateway/internal/planner"
	"gateway/internal/poscache"
	"gateway/internal/ruletable"
	"gateway/internal/status"
	"gateway/internal/twap"
	"gateway/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	positions := poscache.New()
	books := bookcache.New()
	machine := osm.New(osm.Config{
		DefaultSubmitTimeout: cfg.OSM.DefaultSubmitTimeout,
		DefaultCancelTimeout: cfg.OSM.DefaultCancelTimeout,
		CleanupInterval:      cfg.OSM.CleanupInterval,
		Retention:            cfg.OSM.Retention,
		DuplicateTolerance:   decimal.NewFromFloat(cfg.OSM.DuplicateTolerance),
		RecentFillWindow:     cfg.OSM.RecentFillWindow,
	})

	var ledgerStore *ledger.Ledger
	if cfg.Ledger.Enabled {
		ledgerStore, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			logger.Error("failed to open ledger", "err", err)
			os.Exit(1)
		}
		records, err := ledgerStore.Load()
		if err != nil {
			logger.Error("failed to load ledger", "err", err)
			os.Exit(1)
		}
		if len(records) > 0 {
			machine.Restore(records)
			logger.Info("restored orders from ledger", "count", len(records))
		}
	}

	auth := exchange.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.APISecret)

	feed := exchange.NewFeed(
		cfg.Exchange.WSBaseURL,
		auth,
		func(evt types.DepthUpdateEvent) { books.Update(evt, time.Now()) },
		func(evt types.AccountUpdateEvent) { positions.Upsert(evt.Positions, time.Now()) },
		func(evt types.OrderResponseEvent) { routeOrderUpdate(machine, evt, logger) },
		logger,
	)

	client := exchange.NewClient(
		exchange.Config{
			RESTBaseURL:          cfg.Exchange.RESTBaseURL,
			WSBaseURL:            cfg.Exchange.WSBaseURL,
			APIKey:               cfg.Exchange.APIKey,
			APISecret:            cfg.Exchange.APISecret,
			RequestTimeout:       cfg.Exchange.RequestTimeout,
			AccountUpdateTimeout: cfg.Exchange.AccountUpdateTimeout,
			DryRun:               cfg.DryRun,
		},
		feed,
		func(evt types.AccountInfoEvent) { positions.Refresh(evt.Positions, nil, time.Now()) },
		logger,
	)

	var rules *ruletable.Table
	if !cfg.DryRun {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, 30*time.Second)
		tradingRules, err := client.FetchTradingRules(fetchCtx)
		fetchCancel()
		if err != nil {
			logger.Error("failed to fetch trading rules", "err", err)
			os.Exit(1)
		}
		rules, err = ruletable.New(tradingRules)
		if err != nil {
			logger.Error("failed to build rule table", "err", err)
			os.Exit(1)
		}
	} else {
		rules, err = ruletable.New(nil)
		if err != nil {
			logger.Error("failed to build rule table", "err", err)
			os.Exit(1)
		}
	}

	twapExec := twap.New(
		twap.Config{
			MinSliceSize:    decimal.NewFromFloat(cfg.Twap.MinSliceSize),
			SliceInterval:   cfg.Twap.SliceInterval,
			FallbackTimeout: cfg.Twap.FallbackTimeout,
			FinalWatchdog:   cfg.Twap.FinalSliceWatchdog,
		},
		machine,
		rules,
		client,
		books,
		logger,
	)

	plannerCfg := planner.Config{
		AbsoluteTolerance:    decimal.NewFromFloat(cfg.Planner.AbsoluteTolerance),
		RelativeTolerance:    decimal.NewFromFloat(cfg.Planner.RelativeTolerance),
		TwapMinSliceSize:     decimal.NewFromFloat(cfg.Planner.TwapMinSliceSize),
		DuplicateTolerance:   decimal.NewFromFloat(cfg.OSM.DuplicateTolerance),
		RecentFillWindow:     cfg.OSM.RecentFillWindow,
		DustThreshold:        decimal.NewFromFloat(cfg.Planner.DustThreshold),
		MaxPriceDeviationBps: int64(cfg.Planner.MaxPriceDeviationBps),
	}

	plannerObj := planner.New(
		plannerCfg,
		positions,
		books,
		rules,
		machine,
		twapExec,
		client,
		logger,
	)

	ctrl := controller.New(
		controller.Config{
			TargetFilePath:         cfg.File.Path,
			PollInterval:           cfg.File.PollInterval,
			FeedbackDir:            cfg.File.FeedbackDir,
			SnapshotTimeout:        cfg.Exchange.AccountUpdateTimeout,
			OrderCompletionTimeout: cfg.File.OrderCompletionTimeout,
			PositionCheckDelay:     cfg.Twap.PositionCheckDelay,
			Planner:                plannerCfg,
		},
		positions,
		books,
		machine,
		twapExec,
		plannerObj,
		client,
		logger,
	)

	statusServer := status.New(
		status.Config{Enabled: cfg.Status.Enabled, Port: cfg.Status.Port},
		positions,
		machine,
		twapExec,
		ctrl,
		logger,
	)

	go feed.Run(ctx)
	go machine.RunJanitor(ctx)
	go ctrl.Run(ctx)

	if ledgerStore != nil {
		go ledger.RunFlusher(ctx, ledgerStore, machine, cfg.Ledger.FlushInterval, func(err error) {
			logger.Error("ledger flush failed", "err", err)
		})
	}

	if cfg.Status.Enabled {
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server failed", "err", err)
			}
		}()
	}

	logger.Info("gateway started", "dry_run", cfg.DryRun, "target_file", cfg.File.Path)

	<-ctx.Done()
	logger.Info("shutting down")

	if cfg.Status.Enabled {
		if err := statusServer.Stop(); err != nil {
			logger.Error("status server shutdown failed", "err", err)
		}
	}
	if err := feed.Close(); err != nil {
		logger.Error("feed close failed", "err", err)
	}
	if ledgerStore != nil {
		if err := ledgerStore.Save(machine.All()); err != nil {
			logger.Error("final ledger save failed", "err", err)
		}
	}
}

// routeOrderUpdate translates a push from the venue's user-data stream into
// an OSM transition. The feed itself knows nothing about OSM; this glue is
// the only place that does.
func routeOrderUpdate(machine *osm.Machine, evt types.OrderResponseEvent, logger *slog.Logger) {
	rec, ok := machine.GetByClientOrderID(evt.ClientOrderID)
	if !ok {
		return
	}

	var err error
	switch evt.Status {
	case types.StatusNew:
		_, err = machine.ProcessEvent(rec.OrderID, types.EventAcknowledge, evt.ExchangeOrderID)
	case types.StatusPartiallyFilled, types.StatusFilled:
		_, err = machine.UpdateFill(rec.OrderID, evt.ExecutedQty, evt.AvgPrice)
	case types.StatusCanceled:
		_, err = machine.ProcessEvent(rec.OrderID, types.EventCancelConfirm, evt.ExchangeOrderID)
	case types.StatusRejected:
		if evt.ErrorMessage != "" {
			machine.RecordError(rec.OrderID, evt.ErrorMessage)
		}
		_, err = machine.ProcessEvent(rec.OrderID, types.EventReject, "")
	default:
		return
	}
	if err != nil {
		logger.Debug("order update transition failed", "order_id", rec.OrderID, "status", evt.Status, "err", err)
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
