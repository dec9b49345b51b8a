// Package config loads server settings from command line flags. Every flag
// takes its default from a MATCHBOOK_* environment variable when one is set.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid config")

const envPrefix = "MATCHBOOK_"

type Config struct {
	Address   string
	Port      int
	DebugPort int
	FeedAddr  string
	ServerID  uint

	QueueSize int
	Workers   uint

	RateCapacity int64
	RateRefill   float64
	RedisAddr    string

	KafkaBrokers []string
	KafkaTopic   string

	BreakerThreshold uint
	BreakerCooldown  time.Duration

	// LedgerDir empty keeps the ledger in memory.
	LedgerDir   string
	SettleQueue int

	LogLevel string
	Console  bool
}

// Load parses args, which exclude the program name.
func Load(args []string) (Config, error) {
	var cfg Config
	var brokers string

	fs := flag.NewFlagSet("matchbook", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", envString("ADDRESS", "0.0.0.0"), "listen address")
	fs.IntVar(&cfg.Port, "port", envInt("PORT", 9001), "order entry port")
	fs.IntVar(&cfg.DebugPort, "debug-port", envInt("DEBUG_PORT", 9002), "debug gRPC port, 0 disables")
	fs.StringVar(&cfg.FeedAddr, "feed", envString("FEED", ":8080"), "market data HTTP address, empty disables")
	fs.UintVar(&cfg.ServerID, "id", uint(envInt("ID", 1)), "server id reported by the debug service")

	fs.IntVar(&cfg.QueueSize, "queue", envInt("QUEUE", 1024), "matching queue size")
	fs.UintVar(&cfg.Workers, "workers", uint(envInt("WORKERS", 10)), "connection workers")

	fs.Int64Var(&cfg.RateCapacity, "rate-capacity", int64(envInt("RATE_CAPACITY", 100)), "orders per owner burst, 0 disables")
	fs.Float64Var(&cfg.RateRefill, "rate-refill", envFloat("RATE_REFILL", 10), "orders per owner per second")
	fs.StringVar(&cfg.RedisAddr, "redis", envString("REDIS", ""), "redis address for shared rate limits")

	fs.StringVar(&brokers, "kafka-brokers", envString("KAFKA_BROKERS", ""), "comma separated kafka brokers")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", envString("KAFKA_TOPIC", "executions"), "kafka topic for executions")

	fs.UintVar(&cfg.BreakerThreshold, "breaker-threshold", uint(envInt("BREAKER_THRESHOLD", 5)), "failures before a breaker opens")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", envDuration("BREAKER_COOLDOWN", 30*time.Second), "time an open breaker waits before probing")

	fs.StringVar(&cfg.LedgerDir, "ledger", envString("LEDGER", ""), "ledger directory, empty for memory")
	fs.IntVar(&cfg.SettleQueue, "settle-queue", envInt("SETTLE_QUEUE", 1024), "pending settlements")

	fs.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "log level")
	fs.BoolVar(&cfg.Console, "console", envBool("CONSOLE", false), "human readable logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	case c.DebugPort < 0 || c.DebugPort > 65535:
		return fmt.Errorf("%w: debug port %d", ErrInvalidConfig, c.DebugPort)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	case c.Workers == 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	case c.RateCapacity < 0 || c.RateRefill < 0:
		return fmt.Errorf("%w: rate limits must not be negative", ErrInvalidConfig)
	case c.BreakerThreshold == 0:
		return fmt.Errorf("%w: breaker threshold must be positive", ErrInvalidConfig)
	case c.SettleQueue <= 0:
		return fmt.Errorf("%w: settle queue must be positive", ErrInvalidConfig)
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("%w: kafka topic required", ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level is the parsed log level. Validate has already checked it.
func (c Config) Level() zerolog.Level {
	level, _ := zerolog.ParseLevel(c.LogLevel)
	return level
}

func envString(name, fallback string) string {
	if value, ok := os.LookupEnv(envPrefix + name); ok {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if value, err := strconv.Atoi(envString(name, "")); err == nil {
		return value
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(envString(name, ""), 64); err == nil {
		return value
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if value, err := strconv.ParseBool(envString(name, "")); err == nil {
		return value
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(envString(name, "")); err == nil {
		return value
	}
	return fallback
}
