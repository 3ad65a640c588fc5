package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appexecution "optcore/internal/application/service/execution"
	"optcore/internal/application/service/freshness"
	appinstruments "optcore/internal/application/service/instruments"
	appmarketdata "optcore/internal/application/service/marketdata"
	"optcore/internal/application/service/pipeline"
	apppositions "optcore/internal/application/service/positions"
	appqueue "optcore/internal/application/service/queue"
	appregime "optcore/internal/application/service/regime"
	"optcore/internal/application/service/router"
	appsafety "optcore/internal/application/service/safety"
	"optcore/internal/application/service/sizing"
	"optcore/internal/config"
	"optcore/internal/domain/interfaces"
	"optcore/internal/infrastructure/alerts"
	"optcore/internal/infrastructure/broker"
	"optcore/internal/infrastructure/cache"
	infrainstruments "optcore/internal/infrastructure/instruments"
	"optcore/internal/infrastructure/journal"
	inframarketdata "optcore/internal/infrastructure/marketdata"
	"optcore/internal/infrastructure/metrics"
	infrapositions "optcore/internal/infrastructure/positions"
	infraqueue "optcore/internal/infrastructure/queue"
	infrahttp "optcore/internal/interfaces/http"
	"optcore/internal/pkg/monoclock"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	statsWindow     = 20
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Execution.Paper {
		logger.Fatal("only paper execution is available; set EXECUTION_PAPER=true")
	}

	clock := monoclock.System()

	queueStore, err := infraqueue.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init command store: %v", err)
	}
	defer queueStore.Close()

	positionStore, err := infrapositions.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init position store: %v", err)
	}
	defer positionStore.Close()

	instrumentRepo, err := infrainstruments.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init instruments repo: %v", err)
	}
	defer instrumentRepo.Close()

	var archive interfaces.MarketDataArchive
	if cfg.Archive.Enabled {
		marketdataRepo, err := inframarketdata.NewRepository(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to init marketdata repo: %v", err)
		}
		defer marketdataRepo.Close()
		archive = marketdataRepo
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	// Event sinks.
	recorder := metrics.NewRecorder()
	hub := infrahttp.NewHub(logger)
	publishers := alerts.Fanout{alerts.NewLogPublisher(logger), recorder, hub}

	if alerter := alerts.NewWebhookAlerter(cfg.Alerts.WebhookURL); alerter.Enabled() {
		publishers = append(publishers, alerts.NewAlertingPublisher(alerter))
	}
	if cfg.RabbitMQ.URL != "" {
		eventPublisher, err := broker.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.EventsExchange, logger)
		if err != nil {
			logger.Fatalf("failed to init event publisher: %v", err)
		}
		defer eventPublisher.Close()
		publishers = append(publishers, eventPublisher)
	}

	journals := pipeline.Journals{recorder}
	var decisionJournal *journal.Journal
	if cfg.Journal.Enabled {
		db, err := journal.Open(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to open journal: %v", err)
		}
		decisionJournal = journal.New(db, journal.Config{
			BatchSize:    cfg.Journal.BatchSize,
			FlushTimeout: cfg.Journal.FlushTimeout,
		}, logger)
		defer decisionJournal.Close()
		publishers = append(publishers, decisionJournal)
		journals = append(journals, decisionJournal)
	}

	// Core state.
	queueService := appqueue.NewService(queueStore, appqueue.Config{
		Lease:       cfg.Queue.Lease,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, logger)
	queueService.SetPublisher(publishers)

	book := apppositions.NewBook(positionStore, logger)
	book.SetPublisher(publishers)
	writer, err := book.ClaimWriter()
	if err != nil {
		logger.Fatalf("failed to claim position writer: %v", err)
	}
	if err := writer.Load(ctx); err != nil {
		logger.Fatalf("failed to load positions: %v", err)
	}

	breakers := appsafety.NewBreakers(appsafety.Limits{
		Capital:              cfg.Safety.Capital,
		MaxDailyLossPct:      cfg.Safety.MaxDailyLossPct,
		MaxOrdersPerWindow:   cfg.Safety.MaxOrdersPerMinute,
		OrderWindow:          time.Minute,
		MaxGrossNotionalMult: cfg.Safety.MaxGrossNotionalMult,
		MaxUnderlyingShare:   cfg.Safety.MaxUnderlyingShare,
		UnhedgedTimeout:      cfg.Safety.UnhedgedTimeout,
	}, clock, logger)

	gate := freshness.NewGate(freshness.Config{
		UnderlyingQuoteMaxAge: cfg.Freshness.UnderlyingQuoteMaxAge,
		OptionQuoteMaxAge:     cfg.Freshness.OptionQuoteMaxAge,
		FeedSwitchCooldown:    cfg.Freshness.FeedSwitchCooldown,
		DepthMaxAge:           cfg.Freshness.DepthMaxAge,
		AnalyticsMaxAge:       cfg.Freshness.AnalyticsMaxAge,
		IVMaxAge:              cfg.Freshness.IVMaxAge,
		IVCreditSpreadMaxAge:  cfg.Freshness.IVCreditSpreadMaxAge,
		VIXMaxAge:             cfg.Freshness.VIXMaxAge,
	}, clock)

	machine := appregime.NewMachine(appregime.Config{
		Tick:           cfg.Regime.Tick,
		Underlying:     cfg.Regime.Underlying,
		LowVIX:         cfg.Regime.LowVIX,
		ElevatedVIX:    cfg.Regime.ElevatedVIX,
		HighVIX:        cfg.Regime.HighVIX,
		LowVIXScoreCap: cfg.Regime.LowVIXScoreCap,
	}, logger)
	machine.SetEventPublisher(publishers)
	machine.AddPublisher(hub)
	if redisClient != nil {
		machine.AddPublisher(cache.NewRegimePublisher(redisClient, cfg.Redis.RegimeKey, cfg.Redis.RegimeChannel, 0))
	}

	// Execution and safety.
	paper := appexecution.NewPaperBroker()
	worker := appexecution.NewWorker(appexecution.Config{
		PollInterval:      cfg.Execution.PollInterval,
		LegDelay:          cfg.Execution.LegDelay,
		DeferDelay:        cfg.Execution.DeferDelay,
		Batch:             cfg.Execution.Batch,
		ShortMarginFactor: cfg.Execution.ShortMarginFactor,
	}, queueService, writer, paper, gate, breakers, logger)

	killSwitch := appsafety.NewKillSwitch(queueService, worker.CancelAll, logger)
	killSwitch.SetPublisher(publishers)

	supervisor := appsafety.NewSupervisor(appsafety.SupervisorConfig{
		Interval:          cfg.Safety.SupervisorInterval,
		HeartbeatMultiple: cfg.Safety.HeartbeatMultiple,
		MaxRestarts:       cfg.Safety.MaxAgentRestarts,
		RestartBackoff:    cfg.Safety.AgentRestartBackoff,
	}, appsafety.Deps{
		Clock:      clock,
		Breakers:   breakers,
		KillSwitch: killSwitch,
		Book:       book,
		Queue:      queueService,
		ForceClose: worker.ForceClose,
	}, logger)
	supervisor.SetPublisher(publishers)
	killSwitch.AddPauser(supervisor)

	// Decision pipeline.
	catalog := appinstruments.NewService(instrumentRepo, sizing.StaticLots(cfg.Sizing.LotSizes))
	stats := pipeline.NewStats(statsWindow)
	pipe := pipeline.NewService(pipeline.Config{
		Interval:  cfg.Execution.PipelineInterval,
		Capital:   cfg.Safety.Capital,
		InboxSize: cfg.Execution.InboxSize,
	}, pipeline.Deps{
		Router: router.NewRouter(router.Config{
			MaxPositions:   cfg.Router.MaxPositions,
			SectorHeatCap:  cfg.Router.SectorHeatCap,
			StrengthWeight: cfg.Router.StrengthWeight,
			Capital:        cfg.Safety.Capital,
		}, logger),
		Chain: sizing.NewChain(sizing.Config{
			Capital:               cfg.Safety.Capital,
			TargetVolPct:          cfg.Sizing.TargetVolPct,
			MaxRiskPct:            cfg.Sizing.MaxRiskPct,
			VIXHalvingThreshold:   cfg.Sizing.VIXHalvingThreshold,
			CorrelationThreshold:  cfg.Sizing.CorrelationThreshold,
			DiversificationFactor: cfg.Sizing.DiversificationFactor,
			SectorLimit:           cfg.Sizing.SectorLimit,
			MaxPositions:          cfg.Sizing.MaxPositions,
			MarginReservePct:      cfg.Sizing.MarginReservePct,
			DefaultWinRate:        cfg.Sizing.DefaultWinRate,
			DefaultRewardRisk:     cfg.Sizing.DefaultRewardRisk,
		}, logger),
		Regime:  machine,
		Book:    book,
		Gate:    gate,
		Guard:   breakers,
		Queue:   queueService,
		Lots:    catalog,
		Stats:   stats,
		Journal: journals,
		Sectors: catalog,
	}, logger)

	marketdataService := appmarketdata.NewService(appmarketdata.Config{
		ArchiveBatch:   cfg.Archive.BatchSize,
		ArchiveTimeout: cfg.Archive.FlushTimeout,
		ArchiveDepth:   cfg.Archive.Depth,
	}, appmarketdata.Deps{
		Candles:   []appmarketdata.CandleHandler{machine, stats},
		VIX:       []appmarketdata.VIXHandler{machine},
		Quotes:    []appmarketdata.QuoteHandler{worker},
		Freshness: gate,
		Signals:   pipe,
		Archive:   archive,
	}, logger)

	supervisor.Register(machine)
	supervisor.Register(pipe)
	supervisor.Register(worker)

	if err := recorder.Watch(metrics.Sources{
		QueueStats:      queueService.Stats,
		BookVersion:     book.Version,
		OpenPositions:   func() int { return book.ReadSnapshot().Count },
		Regime:          machine.Current,
		FreshnessAges:   gate.Ages,
		KillSwitch:      killSwitch.Active,
		Agents:          supervisor.Agents,
		PipelinePending: pipe.Pending,
	}); err != nil {
		logger.Fatalf("failed to register state metrics: %v", err)
	}

	// Startup: reconcile against the broker, then prime indicators.
	if adopted, err := worker.Reconcile(ctx); err != nil {
		logger.WithError(err).Error("startup reconcile failed")
	} else if len(adopted) > 0 {
		logger.WithField("adopted", adopted).Warn("adopted broker positions missing from the book")
	}
	if archive != nil && cfg.Archive.WarmStartBars > 0 {
		if _, err := marketdataService.WarmStart(ctx, cfg.Regime.Underlying, cfg.Archive.BarInterval, cfg.Archive.WarmStartBars); err != nil {
			logger.WithError(err).Warn("warm start failed")
		}
	}

	handlerDeps := infrahttp.Deps{
		Book:       book,
		Regime:     machine,
		Queue:      queueService,
		Kill:       killSwitch,
		Supervisor: supervisor,
		Closer:     worker,
		Pipeline:   pipe,
		Catalog:    catalog,
		History:    marketdataService,
		Freshness:  gate,
		Metrics:    recorder.Handler(),
		Hub:        hub,
		Cache:      redisClient,
		CacheTTL:   cfg.Redis.CacheTTL,
	}
	if decisionJournal != nil {
		handlerDeps.Journal = decisionJournal
	}
	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: infrahttp.NewHandler(handlerDeps),
	}

	g, gctx := errgroup.WithContext(ctx)

	marketdataService.Start(gctx)
	if decisionJournal != nil {
		decisionJournal.Start(gctx)
	}

	var consumer *broker.Consumer
	if cfg.RabbitMQ.URL != "" {
		consumer, err = broker.NewConsumer(cfg.RabbitMQ, marketdataService, logger)
		if err != nil {
			logger.Fatalf("failed to init consumer: %v", err)
		}
		if err := consumer.Start(gctx); err != nil {
			logger.Fatalf("failed to start consumer: %v", err)
		}
	} else {
		logger.Warn("RABBITMQ_URL not set; no market data will arrive")
	}

	supervisor.Start(gctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("engine stopped with error: %v", err)
	}
	logger.Info("shutting down engine")

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Warn("consumer close")
		}
	}
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := marketdataService.Flush(shutdownCtx); err != nil {
		logger.WithError(err).Warn("archive flush failed")
	}
	if decisionJournal != nil {
		if err := decisionJournal.Flush(shutdownCtx); err != nil {
			logger.WithError(err).Warn("journal flush failed")
		}
	}
	if err := book.Persist(shutdownCtx); err != nil {
		logger.WithError(err).Error("persist positions failed")
	}
	logger.Info("engine stopped")
}
