package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
)

// ForceAccessRequest grants or revokes an admin override.
type ForceAccessRequest struct {
	Enabled   bool      `json:"enabled"`
	Until     time.Time `json:"until,omitempty"`
	GrantedBy string    `json:"grantedBy,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// ForceAIAccess sets or clears the account's override. Disabling removes it.
func (s *Service) ForceAIAccess(ctx context.Context, accountID string, req ForceAccessRequest) (quota.Account, error) {
	acct, err := s.mutate(ctx, "force_ai_access", accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		if !req.Enabled {
			if acct.ForcedAccess == nil {
				return false, nil
			}
			acct.ForcedAccess = nil
			return true, nil
		}
		acct.ForcedAccess = &quota.ForcedAccess{
			Enabled:   true,
			Until:     req.Until.UTC(),
			GrantedBy: req.GrantedBy,
			Note:      req.Note,
			GrantedAt: now,
		}
		return true, nil
	})
	if err != nil {
		return quota.Account{}, err
	}
	log.Info().
		Str("account_id", accountID).
		Bool("override", req.Enabled).
		Str("granted_by", req.GrantedBy).
		Time("until", req.Until).
		Msg("Admin AI access override changed")
	return acct, nil
}

// AdminResetQuota zeroes the period counter, and the trial counter when
// includeTrial is set. The usage log is left untouched.
func (s *Service) AdminResetQuota(ctx context.Context, accountID string, includeTrial bool, by string) (quota.Account, error) {
	var prevPeriod, prevTrial int
	acct, err := s.mutate(ctx, "admin_reset_quota", accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		prevPeriod = acct.Ledger.CallsUsedThisPeriod
		prevTrial = acct.Ledger.TrialCallsUsed
		if prevPeriod == 0 && (!includeTrial || prevTrial == 0) {
			return false, nil
		}
		acct.Ledger.CallsUsedThisPeriod = 0
		if includeTrial {
			acct.Ledger.TrialCallsUsed = 0
		}
		return true, nil
	})
	if err != nil {
		return quota.Account{}, err
	}
	log.Info().
		Str("account_id", accountID).
		Str("by", by).
		Int("previous_period_calls", prevPeriod).
		Int("previous_trial_calls", prevTrial).
		Bool("include_trial", includeTrial).
		Msg("Admin reset AI quota")
	return acct, nil
}

// ChangePlan moves a paid subscription to another catalog plan. With
// immediate the plan, tier and period amount switch now; otherwise the change
// waits for the end of the current period. The provider side of the change is
// made in the billing dashboard; this keeps the record in step with it.
func (s *Service) ChangePlan(ctx context.Context, accountID, planID string, immediate bool, by string) (quota.Account, error) {
	const op = "admin_change_plan"
	if planID == "" {
		return quota.Account{}, fmt.Errorf("%w: plan id is required", qerrors.ErrInvalidInput)
	}
	cat, err := s.catalog.Get(ctx)
	if err != nil {
		return quota.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	plan, ok := cat.Plans[planID]
	if !ok || !plan.IsActive {
		return quota.Account{}, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, op, accountID,
			fmt.Errorf("%w: plan %q does not exist or is inactive", qerrors.ErrInvalidInput, planID))
	}

	var previous quota.Tier
	acct, err := s.mutate(ctx, op, accountID, func(acct *quota.Account, now time.Time) (bool, error) {
		sub, err := requireSubscription(op, acct)
		if err != nil {
			return false, err
		}
		if quota.IsTerminal(sub.Status) {
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(sub.Status))
		}
		if sub.StripeSubscriptionID == "" {
			return false, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, op, accountID,
				fmt.Errorf("%w: account has no provider subscription", qerrors.ErrInvalidInput))
		}
		if sub.Status != quota.StatusActive && sub.Status != quota.StatusPastDue {
			return false, qerrors.WrapTransition(op, accountID, string(sub.Status), string(sub.Status))
		}
		previous = sub.Tier
		amount, ok := plan.PeriodAmount(sub.Currency, sub.BillingPeriod, decimal.NewFromInt(pricing.DefaultAnnualDiscountPercent))
		if !ok {
			return false, qerrors.NewQuotaError(qerrors.ErrorTypeValidation, op, accountID,
				fmt.Errorf("%w: plan %s has no %s price", qerrors.ErrInvalidInput, plan.ID, sub.Currency))
		}
		if !switchPlan(sub, plan, "", amount, immediate, by) {
			return false, nil
		}
		sub.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return quota.Account{}, err
	}
	log.Info().
		Str("account_id", accountID).
		Str("by", by).
		Str("from_tier", string(previous)).
		Str("plan_id", planID).
		Bool("immediate", immediate).
		Msg("Admin changed subscription plan")
	return acct, nil
}
