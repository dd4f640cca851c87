package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tradeforge/intraday-strangler/internal/config"
	"github.com/tradeforge/intraday-strangler/internal/contracts"
	"github.com/tradeforge/intraday-strangler/internal/dashboard"
	"github.com/tradeforge/intraday-strangler/internal/engine"
	"github.com/tradeforge/intraday-strangler/internal/feed"
	"github.com/tradeforge/intraday-strangler/internal/models"
	"github.com/tradeforge/intraday-strangler/internal/scheduler"
	"github.com/tradeforge/intraday-strangler/internal/sink"
)

// handoffBuffer sizes the scheduler-to-engine position channel. Fires are
// bursty (two legs per slot, several strategies per slot), so give the
// scheduler some slack before it blocks on the engine.
const handoffBuffer = 64

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infof("Starting intraday strangler in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Fatal("Live mode requires a broker price feed, which is not wired in this build")
	}
	logger.Info("PAPER TRADING MODE - simulated prices, no real money at risk")

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("Failed to load timezone: %v", err)
	}
	clock := func() time.Time { return time.Now().In(loc) }

	cache, err := contracts.NewLoader(cfg.Contracts.Path).Get()
	if err != nil {
		logger.Fatalf("Failed to load contracts: %v", err)
	}
	logger.WithField("contracts", cache.Len()).Info("Contract cache loaded")

	// Paper feed: simulated prices, hardened the same way a broker feed
	// would be. The breaker sheds a flapping upstream; the cache papers
	// over brief gaps with the last good quote.
	var priceFeed feed.Feed = feed.NewSimFeed(120, 23450)
	priceFeed = feed.NewBreakerFeed(priceFeed)
	priceFeed = feed.NewCachedFeed(priceFeed, 30*time.Second)

	csvSink, err := sink.NewCSVSink(cfg.Sink.Dir)
	if err != nil {
		logger.Fatalf("Failed to open trade sink: %v", err)
	}

	handoff := make(chan *models.Position, handoffBuffer)
	sched := scheduler.New(cache, priceFeed, handoff, logger, clock, cfg.SampleInterval())
	eng := engine.New(priceFeed, csvSink, handoff, logger, clock, cfg.PollInterval(), cfg.FlushThreshold())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig.String()).Info("Shutdown signal received, stopping bot")
		cancel()
	}()

	if err := sched.RegisterAll(ctx, cfg.Strategies); err != nil {
		logger.Fatalf("Failed to register strategies: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *dashboard.Server
	if cfg.Dashboard.Enabled {
		srv = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, eng, logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		// The engine returning means the trading day is over: every slot
		// fired and every leg closed. Bring the rest of the bot down.
		defer cancel()
		return eng.Run(gctx)
	})

	// The scheduler drains its slots and the engine closes its last leg on
	// its own; shut the dashboard down once the trading day is over.
	g.Go(func() error {
		<-gctx.Done()
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Dashboard shutdown failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Info("Bot stopped")
}
