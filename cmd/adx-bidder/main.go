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
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/admin"
	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/dsp"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/profile"
)

func main() {
	var (
		port      = flag.Int("port", 8003, "HTTP server port")
		id        = flag.String("id", "dsp-demo", "Bidder id campaigns are routed by")
		publicURL = flag.String("public-url", "", "Base URL the exchange reaches this bidder at")
		freqCap   = flag.Int("frequency-cap", 5, "Impressions per user and campaign per day")
		seed      = flag.Bool("seed", true, "Load demo campaigns when running in memory")
		debit     = flag.Bool("debit-on-win", os.Getenv("DATABASE_URL") == "", "Debit campaign budgets on win notices (the exchange settles when it shares the database)")
		manage    = flag.Bool("management", true, "Serve the campaign and profile management API under /api/")
		origins   = flag.String("cors-origins", "", "Comma separated CORS origins for the management API")
	)
	flag.Parse()
	if *publicURL == "" {
		*publicURL = fmt.Sprintf("http://localhost:%d", *port)
	}

	logger := log.NewLogger("dsp")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	campaigns, profiles, closeStores, err := openStores(ctx, os.Getenv("DATABASE_URL"), *id, *seed, logger)
	if err != nil {
		logger.Error("open stores", log.Error(err))
		os.Exit(1)
	}
	defer closeStores()

	b, err := dsp.New(dsp.Config{BidderID: *id, FrequencyCap: *freqCap, DebitOnWin: *debit}, campaigns, profiles, logger)
	if err != nil {
		logger.Error("configure bidder", log.Error(err))
		os.Exit(1)
	}

	var serverOpts []dsp.ServerOption
	if *manage {
		var allowed []string
		if *origins != "" {
			allowed = strings.Split(*origins, ",")
		}
		mgmt := admin.NewHandler(campaigns, profile.NewDMP(profiles, logger), logger)
		serverOpts = append(serverOpts, dsp.WithManagement(mgmt.Router(allowed)))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           dsp.NewServer(b, *publicURL, logger, serverOpts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", log.Error(err))
			stop()
		}
	}()
	logger.Info("bidder started",
		log.String("id", *id),
		log.String("addr", srv.Addr),
		log.Bool("debit_on_win", *debit),
	)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// openStores opens Postgres campaign and profile stores when dsn is set so
// the bidder, admin API and exchange share them. Otherwise both stores live
// in this process and are seeded with demo data.
func openStores(ctx context.Context, dsn, bidderID string, seed bool, logger log.Logger) (campaign.Store, profile.Store, func(), error) {
	if dsn != "" {
		campaigns, err := campaign.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open campaign database: %w", err)
		}
		profiles, err := profile.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			_ = campaigns.Close()
			return nil, nil, nil, fmt.Errorf("open profile database: %w", err)
		}
		if err := profiles.Migrate(ctx); err != nil {
			_ = campaigns.Close()
			_ = profiles.Close()
			return nil, nil, nil, err
		}
		return campaigns, profiles, func() {
			_ = campaigns.Close()
			_ = profiles.Close()
		}, nil
	}

	campaigns := campaign.NewMemoryStore(logger)
	profiles := profile.NewMemoryStore(logger)
	if seed {
		if err := seedCampaigns(ctx, campaigns, bidderID); err != nil {
			return nil, nil, nil, fmt.Errorf("seed campaigns: %w", err)
		}
		if _, err := profiles.Upsert(ctx, profile.Profile{UserID: "user_123", Interests: []string{"technology", "gaming"}}); err != nil {
			return nil, nil, nil, fmt.Errorf("seed profiles: %w", err)
		}
	}
	return campaigns, profiles, func() {}, nil
}

func seedCampaigns(ctx context.Context, store campaign.Store, bidderID string) error {
	demo := []campaign.Campaign{
		{
			ID: "camp_tech", Name: "Tech Launch", AdvertiserID: "adv_1", BidderID: bidderID,
			Budget: decimal.NewFromInt(1000), MaxBid: decimal.NewFromFloat(2.5),
			Targeting: campaign.Targeting{DeviceTypes: []string{"mobile", "desktop"}, Interests: []string{"technology", "gaming"}, Countries: []string{"US", "CA"}},
			Creative:  campaign.Creative{Title: "New phone", ImageURL: "https://cdn.example.com/tech.png", ClickURL: "https://advertiser.example.com/tech"},
			Status:    campaign.StatusActive,
		},
		{
			ID: "camp_brand", Name: "Brand Awareness", AdvertiserID: "adv_2", BidderID: bidderID,
			Budget: decimal.NewFromInt(500), MaxBid: decimal.NewFromFloat(1.2),
			Creative: campaign.Creative{Title: "Brand", ClickURL: "https://advertiser.example.com/brand"},
			Status:   campaign.StatusActive,
		},
	}
	for _, c := range demo {
		if _, err := store.Create(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
