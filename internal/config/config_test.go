package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"AIQUOTA_LISTEN_ADDR", "AIQUOTA_DATA_DIR", "AIQUOTA_STORE", "AIQUOTA_BASE_URL",
	"AIQUOTA_PUBLIC_METRICS", "AIQUOTA_FIRESTORE_PROJECT", "GOOGLE_APPLICATION_CREDENTIALS",
	"AIQUOTA_REDIS_URL", "AIQUOTA_CATALOG_FILE", "AIQUOTA_CATALOG_TTL", "AIQUOTA_CHECK_TIMEOUT",
	"AIQUOTA_RECORD_TIMEOUT", "AIQUOTA_FAIR_USE_CEILING", "AIQUOTA_SWEEP_INTERVAL",
	"AIQUOTA_RATE_LIMIT", "AIQUOTA_ADMIN_KEY_HASH", "AIQUOTA_ADMIN_KEY", "AIQUOTA_ALLOWED_ORIGINS",
	"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "LOG_LEVEL", "LOG_FORMAT",
	"AIQUOTA_PAST_DUE_REMINDER_AFTER", "AIQUOTA_PAST_DUE_CANCEL_AFTER",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 2*time.Second, cfg.CheckTimeout)
	assert.Equal(t, 5*time.Second, cfg.RecordTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CatalogTTL)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 72*time.Hour, cfg.PastDueReminderAfter)
	assert.Zero(t, cfg.PastDueCancelAfter)
	assert.Equal(t, 10000, cfg.FairUseCeiling)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.False(t, cfg.PublicMetrics)
	assert.Equal(t, filepath.Join("./data", "aiquota.db"), cfg.SQLitePath())
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIQUOTA_STORE", "FIRESTORE")
	t.Setenv("AIQUOTA_FIRESTORE_PROJECT", "quota-prod")
	t.Setenv("AIQUOTA_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AIQUOTA_CHECK_TIMEOUT", "750ms")
	t.Setenv("AIQUOTA_FAIR_USE_CEILING", "0")
	t.Setenv("AIQUOTA_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	t.Setenv("AIQUOTA_PUBLIC_METRICS", "true")
	t.Setenv("AIQUOTA_ADMIN_KEY", "0123456789abcdef")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StoreFirestore, cfg.Store)
	assert.Equal(t, "quota-prod", cfg.FirestoreProject)
	assert.Equal(t, 750*time.Millisecond, cfg.CheckTimeout)
	assert.Equal(t, 0, cfg.FairUseCeiling)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.PublicMetrics)
}

func TestFromEnvReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIQUOTA_STORE", "firestore")
	t.Setenv("AIQUOTA_BASE_URL", "ftp://example.com")
	t.Setenv("AIQUOTA_CHECK_TIMEOUT", "soon")
	t.Setenv("AIQUOTA_RATE_LIMIT", "0")
	t.Setenv("AIQUOTA_ADMIN_KEY_HASH", "plaintext")
	t.Setenv("AIQUOTA_REDIS_URL", "http://localhost")

	_, err := FromEnv()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"AIQUOTA_FIRESTORE_PROJECT",
		"AIQUOTA_BASE_URL",
		"AIQUOTA_CHECK_TIMEOUT",
		"AIQUOTA_RATE_LIMIT",
		"AIQUOTA_ADMIN_KEY_HASH",
		"AIQUOTA_REDIS_URL",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestFromEnvRejectsShortPlainAdminKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIQUOTA_ADMIN_KEY", "short")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AIQUOTA_ADMIN_KEY")
}

func TestFromEnvUnknownStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIQUOTA_STORE", "postgres")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"postgres"`)
}

func TestFromEnvPastDuePolicy(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIQUOTA_PAST_DUE_REMINDER_AFTER", "48h")
	t.Setenv("AIQUOTA_PAST_DUE_CANCEL_AFTER", "168h")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.PastDueReminderAfter)
	assert.Equal(t, 7*24*time.Hour, cfg.PastDueCancelAfter)

	t.Setenv("AIQUOTA_PAST_DUE_REMINDER_AFTER", "200h")
	_, err = FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than AIQUOTA_PAST_DUE_CANCEL_AFTER")
}
