package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/aiquota/internal/catalog"
	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/internal/store/sqlite"
	"github.com/rcourtman/aiquota/internal/usage"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
)

func resetFlags() {
	recordOutcome = ""
	exportAccount = ""
	exportFrom = ""
	exportTo = ""
	exportOutput = ""
	priceDiscount = ""
	priceCurrency = string(quota.CurrencyUSD)
	adminKey = ""
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// useSQLite points the CLI at a fresh database with one trialing account.
func useSQLite(t *testing.T, accountID string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AIQUOTA_STORE", "sqlite")
	t.Setenv("AIQUOTA_DATA_DIR", dir)
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	s, err := sqlite.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	cache := catalog.NewCache(s, time.Minute)
	_, err = catalog.NewManager(s, cache, nil).Seed(ctx)
	require.NoError(t, err)
	_, err = lifecycle.NewService(s, cache).Provision(ctx, accountID)
	require.NoError(t, err)
	return dir
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2025-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "aiquota 1.2.3")
	assert.Contains(t, out, "Built: 2025-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestPriceCmdWithMonthlyPrice(t *testing.T) {
	out, err := execute(t, "price", "10")
	require.NoError(t, err)

	var got pricing.Breakdown
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "$10.00", got.Monthly)
	assert.Equal(t, "$96.00", got.Annual)
	assert.Equal(t, "$8.00", got.MonthlyEquivalent)
	assert.Equal(t, "$24.00", got.Savings)

	out, err = execute(t, "price", "10", "--discount", "50", "--currency", "eur")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "€60.00", got.Annual)
}

func TestPriceCmdRejectsBadInput(t *testing.T) {
	_, err := execute(t, "price", "ten")
	assert.Error(t, err)

	_, err = execute(t, "price", "10", "--discount", "75")
	assert.Error(t, err)
}

func TestPlanPricesSkipsInactiveAndUnpriced(t *testing.T) {
	cat := quota.Catalog{Plans: map[string]quota.Plan{
		"basic": {ID: "basic", Name: "Basic", IsActive: true, Pricing: map[quota.Currency]decimal.Decimal{
			quota.CurrencyUSD: decimal.NewFromInt(20),
		}},
		"legacy": {ID: "legacy", IsActive: false, Pricing: map[quota.Currency]decimal.Decimal{
			quota.CurrencyUSD: decimal.NewFromInt(5),
		}},
		"euro": {ID: "euro", IsActive: true, Pricing: map[quota.Currency]decimal.Decimal{
			quota.CurrencyEUR: decimal.NewFromInt(5),
		}},
	}}

	got := planPrices(cat, quota.CurrencyUSD, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "basic", got[0].PlanID)
	assert.Equal(t, "$192.00", got[0].Prices.Annual)

	override := decimal.NewFromInt(0)
	got = planPrices(cat, quota.CurrencyUSD, &override)
	require.Len(t, got, 1)
	assert.Equal(t, "$240.00", got[0].Prices.Annual)
}

func TestHashAdminKeyCmd(t *testing.T) {
	const key = "correct-horse-battery-staple"
	out, err := execute(t, "hash-admin-key", "--key", key)
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	_, err = execute(t, "hash-admin-key", "--key", "short")
	assert.Error(t, err)
}

func TestHashAdminKeyPromptMismatch(t *testing.T) {
	old := readPassword
	defer func() { readPassword = old }()

	answers := [][]byte{[]byte("first-admin-key-value"), []byte("second-admin-key-value")}
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
	_, err := execute(t, "hash-admin-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")

	readPassword = func(int) ([]byte, error) { return nil, errors.New("not a terminal") }
	_, err = execute(t, "hash-admin-key")
	assert.Error(t, err)
}

func TestRecordCheckExport(t *testing.T) {
	dir := useSQLite(t, "acct-1")

	out, err := execute(t, "record", "acct-1", "act-1", "--outcome", "ok")
	require.NoError(t, err)
	var res usage.RecordResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.Ledger.TrialCallsUsed)

	out, err = execute(t, "record", "acct-1", "act-1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Duplicate)

	out, err = execute(t, "check", "acct-1")
	require.NoError(t, err)
	var check quota.CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.True(t, check.Allowed)
	assert.True(t, check.IsInTrial)
	assert.Equal(t, 1, check.CurrentUsage)

	csvPath := filepath.Join(dir, "usage.csv")
	_, err = execute(t, "export", "--account", "acct-1", "-o", csvPath)
	require.NoError(t, err)
	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "act-1")
	assert.Contains(t, lines[1], "ok")
}

func TestCheckUnknownAccount(t *testing.T) {
	useSQLite(t, "acct-1")

	out, err := execute(t, "check", "nobody")
	require.NoError(t, err)
	var check quota.CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.False(t, check.Allowed)
	assert.Equal(t, quota.ReasonNoSubscription, check.Reason)
}

func TestExportRejectsBadTime(t *testing.T) {
	_, err := execute(t, "export", "--from", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--from")
}
