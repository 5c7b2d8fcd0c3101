package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	InventoryPath string
	LogLevel      string
	SentryDSN     string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Stripe top-ups
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string

	// Node scheduling
	ReserveRetries int
	ReserveBackoff time.Duration

	// Session tuning
	TaskTimeout          time.Duration
	InflightWindow       int
	InitialEstimateUnits int
	RingCapacityMs       int
	GracePeriod          time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		InventoryPath: getenv("INVENTORY_PATH", "inventory.yaml"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: getenvDuration("JWT_EXPIRY", 24*time.Hour),

		// Stripe top-ups
		StripeWebhookSecret: getenv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    getenv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:     getenv("STRIPE_CANCEL_URL", ""),

		// Node scheduling
		ReserveRetries: getenvIntClamped("RESERVE_RETRIES", 10, 1, 100),
		ReserveBackoff: getenvDuration("RESERVE_BACKOFF", 100*time.Millisecond),

		// Session tuning
		TaskTimeout:          getenvDuration("TASK_TIMEOUT", 30*time.Second),
		InflightWindow:       getenvIntClamped("INFLIGHT_WINDOW", 4, 1, 64),
		InitialEstimateUnits: getenvIntClamped("INITIAL_ESTIMATE_UNITS", 60_000, 1_000, 3_600_000),
		RingCapacityMs:       getenvIntClamped("RING_CAPACITY_MS", 30_000, 5_000, 600_000),
		GracePeriod:          getenvDuration("GRACE_PERIOD", 5*time.Second),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an integer env var, falling back to def on absence
// or parse failure and clamping the result into [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
