// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/luxfi/rtbx/pkg/auction"
	"github.com/luxfi/rtbx/pkg/rtb"
)

// Config holds exchange settings loaded from the environment
type Config struct {
	Port     int
	LogLevel string

	// RTB
	AuctionTimeout        time.Duration
	BidderTimeout         time.Duration
	MaxConcurrentAuctions int
	DefaultFloorPrice     float64
	ExchangeFeeRate       float64
	PricingRule           auction.Policy
	Bidders               []rtb.BidderEndpoint

	// Ledger
	StorageBackend  string
	DataDir         string
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	// Win notifications
	NotifyWorkers     int
	NotifyQueueSize   int
	NotifyMaxAttempts int
	NotifyTimeout     time.Duration

	// Collaborators
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads an optional .env file and then the process environment.
// A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var p parser
	cfg := &Config{
		Port:     p.int("PORT", 8004),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AuctionTimeout:        p.millis("RTB_TIMEOUT_MS", 100),
		BidderTimeout:         p.millis("DSP_TIMEOUT_MS", 50),
		MaxConcurrentAuctions: p.int("MAX_CONCURRENT_AUCTIONS", 100),
		DefaultFloorPrice:     p.float("DEFAULT_FLOOR_PRICE", 0.01),
		ExchangeFeeRate:       p.float("EXCHANGE_FEE_RATE", 0.1),

		StorageBackend:  getEnv("STORAGE_BACKEND", "memory"),
		DataDir:         getEnv("DATA_DIR", "/tmp/rtbx"),
		RetentionWindow: p.duration("RETENTION_WINDOW", 15*time.Minute),
		SweepInterval:   p.duration("SWEEP_INTERVAL", 30*time.Second),

		NotifyWorkers:     p.int("NOTIFY_WORKERS", 4),
		NotifyQueueSize:   p.int("NOTIFY_QUEUE_SIZE", 1024),
		NotifyMaxAttempts: p.int("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyTimeout:     p.duration("NOTIFY_TIMEOUT", 2*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "rtbx.stats"),
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	rule, err := auction.ParsePolicy(getEnv("PRICING_RULE", "second_price"))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.PricingRule = rule

	bidders, err := ParseBidders(getEnv("BIDDER_ENDPOINTS", ""), cfg.BidderTimeout)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.Bidders = bidders

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the exchange cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.AuctionTimeout <= 0 {
		errs = append(errs, errors.New("RTB_TIMEOUT_MS must be positive"))
	}
	if c.BidderTimeout <= 0 {
		errs = append(errs, errors.New("DSP_TIMEOUT_MS must be positive"))
	}
	if c.MaxConcurrentAuctions <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_AUCTIONS must be positive"))
	}
	if c.DefaultFloorPrice < 0 {
		errs = append(errs, errors.New("DEFAULT_FLOOR_PRICE must not be negative"))
	}
	if c.ExchangeFeeRate < 0 || c.ExchangeFeeRate > 1 {
		errs = append(errs, errors.New("EXCHANGE_FEE_RATE must be within [0, 1]"))
	}
	if c.NotifyWorkers <= 0 || c.NotifyQueueSize <= 0 || c.NotifyMaxAttempts <= 0 {
		errs = append(errs, errors.New("notification workers, queue size and attempts must be positive"))
	}
	switch c.StorageBackend {
	case "memory", "badger":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	return errors.Join(errs...)
}

// ParseBidders parses "id=url,id2=url2" into enabled endpoints sharing timeout.
func ParseBidders(spec string, timeout time.Duration) ([]rtb.BidderEndpoint, error) {
	var endpoints []rtb.BidderEndpoint
	seen := make(map[string]bool)
	for _, entry := range splitList(spec) {
		id, addr, ok := strings.Cut(entry, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("BIDDER_ENDPOINTS: malformed entry %q", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("BIDDER_ENDPOINTS: duplicate bidder %q", id)
		}
		seen[id] = true
		endpoints = append(endpoints, rtb.BidderEndpoint{
			ID:      id,
			Address: addr,
			Enabled: true,
			Timeout: timeout,
		})
	}
	return endpoints, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser accumulates conversion errors so Load reports all of them at once
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
