// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/aiquota/internal/auth"
)

// Store backends.
const (
	StoreSQLite    = "sqlite"
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
)

// Config holds all runtime settings.
type Config struct {
	ListenAddr    string
	DataDir       string
	Store         string
	BaseURL       string
	PublicMetrics bool

	FirestoreProject     string
	FirestoreCredentials string // path to a service account file; empty uses ADC
	RedisURL             string
	CatalogFile          string
	CatalogTTL           time.Duration

	CheckTimeout   time.Duration
	RecordTimeout  time.Duration
	FairUseCeiling int
	SweepInterval  time.Duration
	RateLimit      int // requests per minute per client IP

	PastDueReminderAfter time.Duration // 0 disables the reminder
	PastDueCancelAfter   time.Duration // 0 leaves past_due accounts to the provider's retries

	AdminKeyHash   string
	AdminKey       string
	AllowedOrigins []string

	StripeAPIKey        string
	StripeWebhookSecret string

	LogLevel  string
	LogFormat string
}

// SQLitePath is the database file used by the sqlite store.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "aiquota.db")
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration without touching .env files.
func FromEnv() (*Config, error) {
	var errs []error
	durationVar := func(key string, fallback time.Duration) time.Duration {
		d, err := envOrDefaultDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	intVar := func(key string, fallback int) int {
		n, err := envOrDefaultInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	boolVar := func(key string, fallback bool) bool {
		b, err := envOrDefaultBool(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	cfg := &Config{
		ListenAddr:    envOrDefault("AIQUOTA_LISTEN_ADDR", ":8080"),
		DataDir:       envOrDefault("AIQUOTA_DATA_DIR", "./data"),
		Store:         strings.ToLower(envOrDefault("AIQUOTA_STORE", StoreSQLite)),
		BaseURL:       envOrDefault("AIQUOTA_BASE_URL", "http://localhost:8080"),
		PublicMetrics: boolVar("AIQUOTA_PUBLIC_METRICS", false),

		FirestoreProject:     strings.TrimSpace(os.Getenv("AIQUOTA_FIRESTORE_PROJECT")),
		FirestoreCredentials: strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		RedisURL:             strings.TrimSpace(os.Getenv("AIQUOTA_REDIS_URL")),
		CatalogFile:          strings.TrimSpace(os.Getenv("AIQUOTA_CATALOG_FILE")),
		CatalogTTL:           durationVar("AIQUOTA_CATALOG_TTL", 5*time.Minute),

		CheckTimeout:   durationVar("AIQUOTA_CHECK_TIMEOUT", 2*time.Second),
		RecordTimeout:  durationVar("AIQUOTA_RECORD_TIMEOUT", 5*time.Second),
		FairUseCeiling: intVar("AIQUOTA_FAIR_USE_CEILING", 10000),
		SweepInterval:  durationVar("AIQUOTA_SWEEP_INTERVAL", time.Hour),
		RateLimit:      intVar("AIQUOTA_RATE_LIMIT", 120),

		PastDueReminderAfter: durationVar("AIQUOTA_PAST_DUE_REMINDER_AFTER", 72*time.Hour),
		PastDueCancelAfter:   durationVar("AIQUOTA_PAST_DUE_CANCEL_AFTER", 0),

		AdminKeyHash:   strings.TrimSpace(os.Getenv("AIQUOTA_ADMIN_KEY_HASH")),
		AdminKey:       strings.TrimSpace(os.Getenv("AIQUOTA_ADMIN_KEY")),
		AllowedOrigins: splitList(os.Getenv("AIQUOTA_ALLOWED_ORIGINS")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// validate reports every problem rather than stopping at the first.
func (c *Config) validate() []error {
	var errs []error

	switch c.Store {
	case StoreSQLite, StoreMemory:
	case StoreFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("AIQUOTA_FIRESTORE_PROJECT is required when AIQUOTA_STORE=firestore"))
		}
	default:
		errs = append(errs, fmt.Errorf("AIQUOTA_STORE must be one of sqlite, memory, firestore; got %q", c.Store))
	}

	if u, err := url.Parse(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("AIQUOTA_BASE_URL must be a valid URL: %w", err))
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, errors.New("AIQUOTA_BASE_URL must be an http(s) URL with a host"))
	}

	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, errors.New("AIQUOTA_REDIS_URL must be a redis:// or rediss:// URL"))
		}
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"AIQUOTA_CATALOG_TTL", c.CatalogTTL},
		{"AIQUOTA_CHECK_TIMEOUT", c.CheckTimeout},
		{"AIQUOTA_RECORD_TIMEOUT", c.RecordTimeout},
		{"AIQUOTA_SWEEP_INTERVAL", c.SweepInterval},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %s", p.key, p.val))
		}
	}
	if c.PastDueReminderAfter < 0 || c.PastDueCancelAfter < 0 {
		errs = append(errs, errors.New("AIQUOTA_PAST_DUE_REMINDER_AFTER and AIQUOTA_PAST_DUE_CANCEL_AFTER must not be negative"))
	}
	if c.PastDueCancelAfter > 0 && c.PastDueReminderAfter >= c.PastDueCancelAfter {
		errs = append(errs, errors.New("AIQUOTA_PAST_DUE_REMINDER_AFTER must be shorter than AIQUOTA_PAST_DUE_CANCEL_AFTER"))
	}
	if c.FairUseCeiling < 0 {
		errs = append(errs, fmt.Errorf("AIQUOTA_FAIR_USE_CEILING must not be negative, got %d", c.FairUseCeiling))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("AIQUOTA_RATE_LIMIT must be greater than 0, got %d", c.RateLimit))
	}

	if c.AdminKeyHash != "" && !auth.LooksLikeBcrypt(c.AdminKeyHash) {
		errs = append(errs, errors.New("AIQUOTA_ADMIN_KEY_HASH must be a bcrypt hash (see `aiquota hash-admin-key`)"))
	}
	if c.AdminKeyHash == "" && c.AdminKey != "" {
		if err := auth.ValidateAdminKey(c.AdminKey); err != nil {
			errs = append(errs, fmt.Errorf("AIQUOTA_ADMIN_KEY: %w", err))
		}
	}
	return errs
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fallback, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fallback, fmt.Errorf("%s must be a duration like 30s or 5m: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
