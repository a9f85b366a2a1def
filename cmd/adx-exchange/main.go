// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/api"
	"github.com/luxfi/rtbx/pkg/auction"
	"github.com/luxfi/rtbx/pkg/bidder"
	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/config"
	"github.com/luxfi/rtbx/pkg/exchange"
	"github.com/luxfi/rtbx/pkg/fanout"
	"github.com/luxfi/rtbx/pkg/ledger"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/notify"
	"github.com/luxfi/rtbx/pkg/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		envFile        = flag.String("env-file", ".env", "Optional dotenv file")
		port           = flag.Int("port", 0, "HTTP server port (overrides PORT)")
		auctionTimeout = flag.Duration("auction-timeout", 0, "Auction timeout (overrides RTB_TIMEOUT_MS)")
		bidders        = flag.String("bidders", "", "Bidder endpoints as id=url,... (overrides BIDDER_ENDPOINTS)")
		version        = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("RTBX Exchange v%s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *auctionTimeout > 0 {
		cfg.AuctionTimeout = *auctionTimeout
	}
	if *bidders != "" {
		if cfg.Bidders, err = config.ParseBidders(*bidders, cfg.BidderTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -bidders: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := log.NewWithLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange stopped", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting exchange",
		log.String("version", Version),
		log.Int("port", cfg.Port),
		log.Int("bidders", len(cfg.Bidders)),
		log.String("storage", cfg.StorageBackend),
	)

	metrics, err := metric.NewMetrics()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := storage.NewStorage(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := ledger.New(store, logger.With(log.String("component", "ledger")), ledger.WithMetrics(metrics))
	if err != nil {
		return err
	}

	registry, err := bidder.NewRegistry(cfg.Bidders...)
	if err != nil {
		return err
	}

	var publisher analytics.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := analytics.NewKafkaPublisher(analytics.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
	}
	trackerOpts := []analytics.TrackerOption{}
	if publisher != nil {
		trackerOpts = append(trackerOpts, analytics.WithPublisher(publisher))
	}
	tracker := analytics.NewTracker(cfg.ExchangeFeeRate, logger.With(log.String("component", "analytics")), trackerOpts...)
	hub := api.NewHub(logger.With(log.String("component", "stream")))
	stats := analytics.Multi(tracker, hub)

	notifyOpts := []notify.Option{notify.WithStats(stats), notify.WithMetrics(metrics)}
	if cfg.DatabaseURL != "" {
		campaigns, err := campaign.OpenPostgres(ctx, cfg.DatabaseURL, logger.With(log.String("component", "campaigns")))
		if err != nil {
			return err
		}
		defer campaigns.Close()
		notifyOpts = append(notifyOpts, notify.WithCampaigns(campaigns))
	} else {
		logger.Info("no campaign database, bidders settle their own budgets on win notices")
	}
	notifier := notify.New(notify.Config{
		Workers:     cfg.NotifyWorkers,
		QueueSize:   cfg.NotifyQueueSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Timeout:     cfg.NotifyTimeout,
	}, l, logger.With(log.String("component", "notify")), notifyOpts...)

	coordinator := fanout.New(
		bidder.NewHTTPClient(nil, logger.With(log.String("component", "bidder"))),
		logger.With(log.String("component", "fanout")),
		fanout.WithMetrics(metrics),
		fanout.WithLateHook(exchange.LateReporter(stats)),
	)

	ex := exchange.New(exchange.Config{
		AuctionTimeout:  cfg.AuctionTimeout,
		MaxConcurrent:   cfg.MaxConcurrentAuctions,
		RetentionWindow: cfg.RetentionWindow,
		SweepInterval:   cfg.SweepInterval,
	}, registry, coordinator, auction.NewEvaluator(cfg.PricingRule), l, logger.With(log.String("component", "exchange")),
		exchange.WithNotifier(notifier),
		exchange.WithStats(stats),
		exchange.WithMetrics(metrics),
	)

	server := api.NewServer(ex, tracker, hub, logger.With(log.String("component", "api")),
		api.WithMetrics(metrics),
		api.WithDefaultFloor(cfg.DefaultFloorPrice),
		api.WithVersion(Version),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// background loops stop with gctx; the store closes only after they return
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { tracker.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { notifier.Run(gctx); return nil })
	g.Go(func() error { ex.Run(gctx); return nil })
	g.Go(func() error {
		logger.Info("http server listening", log.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down exchange")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
