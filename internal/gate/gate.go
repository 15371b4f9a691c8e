// Package gate answers "may this account run an AI action right now". Every
// check is bounded by a timeout and fails closed when the store or catalog
// cannot be read.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const (
	DefaultCheckTimeout   = 2 * time.Second
	DefaultFairUseCeiling = 10000
)

// Accounts reads account snapshots.
type Accounts interface {
	Get(ctx context.Context, accountID string) (quota.Account, error)
}

// Catalog is satisfied by *catalog.Cache.
type Catalog interface {
	Get(ctx context.Context) (quota.Catalog, error)
	Refresh(ctx context.Context) (quota.Catalog, error)
}

// Config bounds a check.
type Config struct {
	CheckTimeout time.Duration
	// FairUseCeiling is the per-period call count above which unlimited plans
	// are logged. 0 disables the check.
	FairUseCeiling int
}

// Service evaluates access checks.
type Service struct {
	accounts Accounts
	catalog  Catalog
	cfg      Config
	now      func() time.Time
}

// NewService wires a gate. A zero CheckTimeout selects DefaultCheckTimeout.
func NewService(accounts Accounts, catalog Catalog, cfg Config) *Service {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	return &Service{accounts: accounts, catalog: catalog, cfg: cfg, now: time.Now}
}

// Check returns the verdict for accountID. It never returns an error: store
// failures become a denial with reason check_unavailable.
func (s *Service) Check(ctx context.Context, accountID string) quota.CheckResult {
	start := time.Now()
	result := s.check(ctx, accountID)
	metrics.RecordCheck(result.Allowed, string(result.Reason), time.Since(start))

	evt := log.Debug()
	if !result.Allowed {
		evt = log.Info()
	}
	evt.Str("account_id", accountID).
		Bool("allowed", result.Allowed).
		Str("reason", string(result.Reason)).
		Int("usage", result.CurrentUsage).
		Int("limit", result.Limit).
		Msg("AI access check")
	return result
}

func (s *Service) check(parent context.Context, accountID string) quota.CheckResult {
	ctx, cancel := context.WithTimeout(parent, s.cfg.CheckTimeout)
	defer cancel()

	acct, cat, err := s.load(ctx, accountID)
	if qerrors.IsNotFound(err) {
		return quota.CheckResult{Reason: quota.ReasonNoSubscription}
	}
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("Access check failed closed")
		return quota.Unavailable()
	}

	now := s.now()
	result, plan, ledger := s.evaluate(acct, cat, now)
	if result.Reason == quota.ReasonQuotaExhausted || result.Reason == quota.ReasonTrialCallsExhausted {
		// The limit may have been raised since the snapshot was cached.
		if fresh, err := s.catalog.Refresh(ctx); err == nil && fresh.Version != cat.Version {
			log.Debug().
				Str("account_id", accountID).
				Int64("cached_version", cat.Version).
				Int64("fresh_version", fresh.Version).
				Msg("Re-evaluating denial against refreshed catalog")
			result, plan, ledger = s.evaluate(acct, fresh, now)
		}
	}

	if result.Allowed && quota.ExceedsFairUse(plan, ledger, s.cfg.FairUseCeiling) {
		metrics.FairUseExceededTotal.Inc()
		log.Warn().
			Str("account_id", accountID).
			Int("calls", ledger.CallsUsedThisPeriod).
			Int("ceiling", s.cfg.FairUseCeiling).
			Msg("Unlimited plan above fair-use ceiling")
	}
	return result
}

// load fetches the account and catalog in parallel.
func (s *Service) load(ctx context.Context, accountID string) (quota.Account, quota.Catalog, error) {
	var (
		acct    quota.Account
		cat     quota.Catalog
		acctErr error
		catErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acct, acctErr = s.accounts.Get(gctx, accountID)
		return acctErr
	})
	g.Go(func() error {
		cat, catErr = s.catalog.Get(gctx)
		return catErr
	})
	_ = g.Wait()

	switch {
	case acctErr != nil:
		if errors.Is(acctErr, context.DeadlineExceeded) {
			return acct, cat, qerrors.NewQuotaError(qerrors.ErrorTypeTimeout, "check", accountID, acctErr)
		}
		return acct, cat, acctErr
	case catErr != nil:
		return acct, cat, catErr
	}
	return acct, cat, nil
}

// evaluate applies rollover to a copy of acct and runs the decision table.
func (s *Service) evaluate(acct quota.Account, cat quota.Catalog, now time.Time) (quota.CheckResult, *quota.Plan, quota.Ledger) {
	working := acct.Clone()
	quota.ApplyRollover(&working, now)

	var plan *quota.Plan
	if p, ok := cat.PlanFor(working.Subscription); ok {
		plan = &p
	}

	if working.ForcedAccess.Active(now) {
		metrics.OverridesTotal.Inc()
		log.Info().
			Str("account_id", working.AccountID).
			Bool("override", true).
			Str("granted_by", working.ForcedAccess.GrantedBy).
			Msg("AI access allowed by admin override")
		return quota.Override(working.Subscription, working.Ledger), plan, working.Ledger
	}
	return quota.Check(working.Subscription, plan, working.Ledger, cat.Trial, now), plan, working.Ledger
}

// View derives the display state for accountID.
func (s *Service) View(ctx context.Context, accountID string) (quota.View, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()

	acct, cat, err := s.load(ctx, accountID)
	if err != nil {
		return quota.View{}, err
	}
	return quota.Derive(acct, cat, s.now()), nil
}
