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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/luxfi/rtbx/pkg/admin"
	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/profile"
)

var (
	port    = flag.String("port", "8080", "API server port")
	env     = flag.String("env", "development", "Environment (development/production)")
	origins = flag.String("cors-origins", "http://localhost:3000,http://localhost:3001", "Comma separated CORS origins")
)

func main() {
	flag.Parse()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger("admin-api")
	defer func() { _ = logger.Sync() }()

	if *env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		campaigns campaign.Store
		profiles  profile.Store
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := campaign.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			logger.Error("open campaign database", log.Error(err))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migrate campaign schema", log.Error(err))
			os.Exit(1)
		}
		campaigns = pg

		pp, err := profile.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			logger.Error("open profile database", log.Error(err))
			os.Exit(1)
		}
		defer pp.Close()
		if err := pp.Migrate(ctx); err != nil {
			logger.Error("migrate profile schema", log.Error(err))
			os.Exit(1)
		}
		profiles = pp
	} else {
		logger.Warn("DATABASE_URL not set, campaigns and profiles are kept in memory; bidders only see them through their own /api/ mount")
		campaigns = campaign.NewMemoryStore(logger)
		profiles = profile.NewMemoryStore(logger)
	}

	h := admin.NewHandler(campaigns, profile.NewDMP(profiles, logger), logger)
	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           h.Router(strings.Split(*origins, ",")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", log.Error(err))
			stop()
		}
	}()
	logger.Info("admin api started", log.String("port", *port), log.String("env", *env))

	<-ctx.Done()
	logger.Info("shutting down admin api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", log.Error(err))
	}
}
