package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"forexfeed/internal/model"
)

// MaxKeySlots is the highest QUOTE_API_KEY_n slot scanned at startup.
const MaxKeySlots = 36

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream quote provider
	QuoteBaseURL   string
	QuoteAPIKeys   []string // QUOTE_API_KEY_1 .. QUOTE_API_KEY_36, gaps skipped
	CallTimeout    time.Duration
	RequestsPerSec float64
	RequestBurst   int

	// Per-key budgets
	KeyMinuteLimit int
	KeyDailyLimit  int
	KeyCooldown    time.Duration // default cooldown when upstream omits retry-after

	// Scheduling
	SettlementDelay time.Duration
	MaxConcurrent   int
	PairSlice       time.Duration

	// Rolling window sizes per timeframe
	RollingLimits map[model.Timeframe]int

	// Servers
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// It is fatal to run without at least one API key.
func Load() *Config {
	cfg := &Config{
		QuoteBaseURL:   getEnv("QUOTE_BASE_URL", "https://api.twelvedata.com"),
		QuoteAPIKeys:   loadKeys(),
		CallTimeout:    getDuration("QUOTE_CALL_TIMEOUT", 10*time.Second),
		RequestsPerSec: getFloat("QUOTE_REQUESTS_PER_SEC", 8),
		RequestBurst:   getInt("QUOTE_REQUEST_BURST", 8),

		KeyMinuteLimit: getInt("KEY_MINUTE_LIMIT", 8),
		KeyDailyLimit:  getInt("KEY_DAILY_LIMIT", 800),
		KeyCooldown:    getDuration("KEY_COOLDOWN", time.Minute),

		SettlementDelay: getDuration("SETTLEMENT_DELAY", 5*time.Second),
		MaxConcurrent:   getInt("MAX_CONCURRENT_FETCHES", 4),
		PairSlice:       getDuration("PAIR_SLICE", time.Second),

		RollingLimits: loadRollingLimits(),

		ListenAddr:  getEnv("LISTEN_ADDR", ":8000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if len(cfg.QuoteAPIKeys) == 0 {
		log.Fatalf("[config] no API keys loaded; set QUOTE_API_KEY_1..%d", MaxKeySlots)
	}
	return cfg
}

// loadKeys scans QUOTE_API_KEY_1..36; empty slots are skipped so keys can
// be provisioned sparsely.
func loadKeys() []string {
	var keys []string
	for i := 1; i <= MaxKeySlots; i++ {
		if v := os.Getenv(fmt.Sprintf("QUOTE_API_KEY_%d", i)); v != "" {
			keys = append(keys, v)
		}
	}
	log.Printf("[config] loaded %d API keys", len(keys))
	return keys
}

// loadRollingLimits returns per-timeframe window sizes, overridable via
// ROLLING_LIMIT_1M, ROLLING_LIMIT_5M, etc.
func loadRollingLimits() map[model.Timeframe]int {
	return map[model.Timeframe]int{
		model.TF1m:  getInt("ROLLING_LIMIT_1M", 500),
		model.TF5m:  getInt("ROLLING_LIMIT_5M", 300),
		model.TF15m: getInt("ROLLING_LIMIT_15M", 200),
		model.TF1h:  getInt("ROLLING_LIMIT_1H", 120),
		model.TF4h:  getInt("ROLLING_LIMIT_4H", 100),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
