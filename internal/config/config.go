package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// DefaultGossipInterval is the period of the anti-entropy timer.
	DefaultGossipInterval = 300 * time.Millisecond
	// DefaultResendFraction is the share of already acknowledged values
	// resent to a neighbor on every push.
	DefaultResendFraction = 0.2
)

// Config holds the node configuration.
type Config struct {
	GossipInterval time.Duration
	ResendFraction float64
	// Seed feeds the resend sampler. Zero means seed from the clock.
	Seed int64
	// MergeAcks unions neighbor reports instead of keeping only the latest.
	MergeAcks bool
	LogLevel  string
	// AdminAddr and MetricsAddr enable the optional listeners when non-empty.
	AdminAddr   string
	MetricsAddr string
}

// Default returns the configuration used when no flags are given.
func Default() *Config {
	return &Config{
		GossipInterval: DefaultGossipInterval,
		ResendFraction: DefaultResendFraction,
		LogLevel:       "info",
	}
}

// Parse reads flags from args (without the program name) on top of Default.
func Parse(name string, args []string, output io.Writer) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.DurationVar(&cfg.GossipInterval, "gossip-interval", cfg.GossipInterval, "Anti-entropy push period")
	fs.Float64Var(&cfg.ResendFraction, "resend-fraction", cfg.ResendFraction, "Fraction of acknowledged values resent per push (0..1)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for the resend sampler (0 = time based)")
	fs.BoolVar(&cfg.MergeAcks, "merge-acks", cfg.MergeAcks, "Union neighbor has-seen reports instead of keeping the latest")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "gRPC admin listen address (disabled if empty)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address (disabled if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.GossipInterval <= 0 {
		return fmt.Errorf("gossip interval must be positive, got %s", c.GossipInterval)
	}
	if c.ResendFraction < 0 || c.ResendFraction > 1 {
		return fmt.Errorf("resend fraction must be within [0, 1], got %g", c.ResendFraction)
	}
	if c.AdminAddr != "" && c.AdminAddr == c.MetricsAddr {
		return errors.New("admin and metrics listeners cannot share an address")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
