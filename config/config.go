package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Slippage abort policies. "retry" reverts a slippage-aborted order to
// PENDING so a later tick may pick it up; "fail" marks it FAILED for ops.
const (
	SlippagePolicyRetry = "retry"
	SlippagePolicyFail  = "fail"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	JournalPath   string
	MetricsAddr   string
	LedgerURL     string

	// Notification backends (empty = disabled)
	WebhookURL    string
	TelegramToken string
	TelegramChat  string

	// Tracked instruments (comma-separated, e.g. "BTC,ETH,SOL")
	Instruments string

	// Hot-path tuning
	PollInterval     time.Duration   // price watcher tick
	MoveThresholdPct decimal.Decimal // relative change below this is noise
	BandWidthPct     decimal.Decimal // hot-window half-width around price
	CacheTTL         time.Duration   // hard refresh backstop
	LockTTL          time.Duration   // execution lock expiry
	SlippagePct      decimal.Decimal // max unfavorable move vs trigger
	SlippagePolicy   string          // SlippagePolicyRetry | SlippagePolicyFail
	ScanInterval     time.Duration   // safety scanner period
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/orders.db"),
		JournalPath:   getEnv("JOURNAL_PATH", "data/journal.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LedgerURL:     mustEnv("LEDGER_URL"),

		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		TelegramToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChat:  getEnv("TELEGRAM_CHAT_ID", ""),

		Instruments: getEnv("INSTRUMENTS", "BTC,ETH"),

		PollInterval:     secondsEnv("POLL_INTERVAL_SEC", 5),
		MoveThresholdPct: decimalEnv("MOVE_THRESHOLD_PCT", "0.1"),
		BandWidthPct:     decimalEnv("BAND_WIDTH_PCT", "5"),
		CacheTTL:         minutesEnv("CACHE_TTL_MIN", 30),
		LockTTL:          secondsEnv("LOCK_TTL_SEC", 30),
		SlippagePct:      decimalEnv("SLIPPAGE_PCT", "1"),
		SlippagePolicy:   getEnv("SLIPPAGE_POLICY", SlippagePolicyRetry),
		ScanInterval:     minutesEnv("SCAN_INTERVAL_MIN", 30),
	}

	if cfg.SlippagePolicy != SlippagePolicyRetry && cfg.SlippagePolicy != SlippagePolicyFail {
		log.Printf("[config] unknown SLIPPAGE_POLICY %q, using %q", cfg.SlippagePolicy, SlippagePolicyRetry)
		cfg.SlippagePolicy = SlippagePolicyRetry
	}
	return cfg
}

// ParseInstruments splits the Instruments string into a cleaned slice.
func (c *Config) ParseInstruments() []string {
	parts := strings.Split(c.Instruments, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}

func minutesEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Minute
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] ignoring invalid %s value: %q", key, v)
		return fallback
	}
	return n
}

func decimalEnv(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		log.Printf("[config] ignoring invalid %s value: %q", key, v)
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}
