// Package usage records completed AI actions against the account ledger and
// the append-only usage log.
package usage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxAttempts   = 10
	DefaultRetryInterval = 30 * time.Second

	// MaxClockSkew is how far ahead of server time a caller's timestamp may be.
	MaxClockSkew = 5 * time.Minute
)

// Store is the slice of the store the recorder writes through.
type Store interface {
	store.Accounts
	store.UsageLog
}

// CatalogSource supplies plan limits for warning levels.
type CatalogSource interface {
	Get(ctx context.Context) (quota.Catalog, error)
}

// RecordRequest describes one completed AI action. At is when the action
// happened and defaults to now; it stamps the log entry but never decides
// which period is charged.
type RecordRequest struct {
	AccountID string    `json:"accountId"`
	ActionID  string    `json:"actionId"`
	Outcome   string    `json:"outcome,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// RecordResult reports what Record did.
type RecordResult struct {
	Entry     store.UsageEntry   `json:"entry"`
	Ledger    quota.Ledger       `json:"ledger"`
	Duplicate bool               `json:"duplicate"`
	Queued    bool               `json:"queued"`
	Limit     int                `json:"limit"`
	Warning   quota.WarningLevel `json:"warning,omitempty"`
}

// Config tunes retry behaviour.
type Config struct {
	Timeout       time.Duration // per Record call
	MaxAttempts   int           // version conflicts tolerated per call
	RetryInterval time.Duration // pending queue drain interval
}

// Recorder increments ledgers with optimistic concurrency and keeps requests
// that could not be written in a pending queue.
type Recorder struct {
	store   Store
	catalog CatalogSource
	cfg     Config
	backoff backoffConfig
	now     func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader

	pendingMu sync.Mutex
	pending   []RecordRequest
}

// NewRecorder creates a recorder. catalog may be nil, in which case results
// carry no warning level.
func NewRecorder(s Store, catalog CatalogSource, cfg Config) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Recorder{
		store:   s,
		catalog: catalog,
		cfg:     cfg,
		backoff: defaultBackoff,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Record applies one action to the ledger. Replaying an action id returns the
// original entry with Duplicate set. When the store stays unreachable past the
// timeout the request is queued and the result has Queued set; the error is
// nil in that case because the action itself already happened.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	if req.AccountID == "" || req.ActionID == "" {
		return RecordResult{}, fmt.Errorf("%w: account id and action id are required", qerrors.ErrInvalidInput)
	}
	now := r.now().UTC()
	if req.At.IsZero() {
		req.At = now
	}
	req.At = req.At.UTC()
	switch {
	case req.At.After(now.Add(MaxClockSkew)):
		return RecordResult{}, fmt.Errorf("%w: at %s is ahead of server time", qerrors.ErrInvalidInput, req.At.Format(time.RFC3339))
	case req.At.Before(time.Unix(0, 0)):
		return RecordResult{}, fmt.Errorf("%w: at %s predates the Unix epoch", qerrors.ErrInvalidInput, req.At.Format(time.RFC3339))
	}

	res, err := r.attempt(ctx, req)
	if err == nil {
		return res, nil
	}
	if !qerrors.IsRetryableError(err) && !errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordUsage("failed")
		return RecordResult{}, err
	}

	r.enqueue(req)
	metrics.RecordUsage("queued")
	log.Warn().Err(err).
		Str("account_id", req.AccountID).
		Str("action_id", req.ActionID).
		Msg("Usage record deferred; store unavailable")
	return RecordResult{Queued: true}, nil
}

func (r *Recorder) attempt(parent context.Context, req RecordRequest) (RecordResult, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()

	var lastErr error
	conflicts := 0
	for try := 0; ; try++ {
		if try > 0 {
			if err := r.backoff.wait(ctx, try-1); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return RecordResult{}, qerrors.NewQuotaError(qerrors.ErrorTypeTimeout, "record_usage", req.AccountID, lastErr)
			}
		}

		res, err := r.apply(ctx, req)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrDuplicateAction):
			// Re-read; a duplicate is resolved by FindUsage on the next pass.
			metrics.UsageConflictsTotal.Inc()
			conflicts++
			if conflicts >= r.cfg.MaxAttempts {
				return RecordResult{}, qerrors.NewQuotaError(qerrors.ErrorTypeConflict, "record_usage", req.AccountID, err)
			}
		case qerrors.IsRetryableError(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Debug().Err(err).Str("account_id", req.AccountID).Int("attempt", try+1).Msg("Retrying usage record")
		default:
			return RecordResult{}, err
		}
		lastErr = err
	}
}

// apply performs one read-modify-write.
func (r *Recorder) apply(ctx context.Context, req RecordRequest) (RecordResult, error) {
	if existing, found, err := r.store.FindUsage(ctx, req.AccountID, req.ActionID); err != nil {
		return RecordResult{}, err
	} else if found {
		metrics.RecordUsage("duplicate")
		res := RecordResult{Entry: existing, Duplicate: true}
		if acct, err := r.store.Get(ctx, req.AccountID); err == nil {
			res.Ledger = acct.Ledger
		}
		return res, nil
	}

	acct, err := r.store.Get(ctx, req.AccountID)
	if err != nil {
		return RecordResult{}, err
	}
	if acct.Subscription == nil {
		return RecordResult{}, qerrors.NewQuotaError(qerrors.ErrorTypeNotFound, "record_usage", req.AccountID,
			fmt.Errorf("%w: account has no subscription", qerrors.ErrNotFound))
	}

	now := r.now().UTC()
	next := acct.Clone()
	roll := quota.ApplyRollover(&next, now)
	if roll.LedgerReset {
		log.Info().
			Str("account_id", req.AccountID).
			Str("previous_period", roll.PreviousPeriodKey).
			Int("previous_calls", roll.PreviousPeriodCalls).
			Msg("Usage period rolled over")
	}

	trial := next.Subscription.Status == quota.StatusTrialing
	if trial {
		next.Ledger.TrialCallsUsed++
	} else {
		next.Ledger.CallsUsedThisPeriod++
	}
	next.Ledger.AccountID = req.AccountID
	next.Ledger.TotalCallsAllTime++
	if last := next.Ledger.LastCallAt; last == nil || req.At.After(*last) {
		at := req.At
		next.Ledger.LastCallAt = &at
	}

	id, err := r.newID(req.At)
	if err != nil {
		return RecordResult{}, err
	}
	entry := store.UsageEntry{
		ID:        id,
		AccountID: req.AccountID,
		ActionID:  req.ActionID,
		Timestamp: req.At,
		Outcome:   req.Outcome,
		PeriodKey: next.Ledger.PeriodKey,
		Trial:     trial,
		Override:  next.ForcedAccess.Active(now),
	}

	saved, err := r.store.Update(ctx, acct.Version, next, entry)
	if err != nil {
		return RecordResult{}, err
	}
	metrics.RecordUsage("recorded")

	res := RecordResult{Entry: entry, Ledger: saved.Ledger}
	r.fillWarning(ctx, saved, &res)
	if res.Warning != quota.WarningNone {
		log.Info().
			Str("account_id", req.AccountID).
			Str("warning", string(res.Warning)).
			Int("limit", res.Limit).
			Msg("Account approaching AI usage limit")
	}
	return res, nil
}

func (r *Recorder) fillWarning(ctx context.Context, acct quota.Account, res *RecordResult) {
	if r.catalog == nil || acct.Subscription == nil {
		return
	}
	cat, err := r.catalog.Get(ctx)
	if err != nil {
		return
	}
	sub := acct.Subscription
	usage := acct.Ledger.CallsUsedThisPeriod
	switch sub.Status {
	case quota.StatusTrialing:
		res.Limit = quota.EffectiveTrialMaxCalls(sub, cat.Trial)
		usage = acct.Ledger.TrialCallsUsed
	default:
		plan, ok := cat.PlanFor(sub)
		if !ok {
			return
		}
		res.Limit = plan.AICallsLimit
	}
	res.Warning = quota.Warning(usage, res.Limit)
}

// newID mints a ULID whose time component is the entry timestamp so that
// time ranges map onto id ranges.
func (r *Recorder) newID(at time.Time) (string, error) {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), r.entropy)
	if errors.Is(err, ulid.ErrBigTime) {
		return "", fmt.Errorf("%w: at %s cannot be encoded: %v", qerrors.ErrInvalidInput, at.Format(time.RFC3339), err)
	}
	if err != nil {
		return "", fmt.Errorf("mint usage id: %w", err)
	}
	return id.String(), nil
}

func (r *Recorder) enqueue(req RecordRequest) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for _, p := range r.pending {
		if p.AccountID == req.AccountID && p.ActionID == req.ActionID {
			return
		}
	}
	r.pending = append(r.pending, req)
	metrics.UsagePending.Set(float64(len(r.pending)))
}

// Pending returns a copy of the queued requests.
func (r *Recorder) Pending() []RecordRequest {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := make([]RecordRequest, len(r.pending))
	copy(out, r.pending)
	return out
}

// Flush retries every queued request once and returns how many remain.
func (r *Recorder) Flush(ctx context.Context) int {
	r.pendingMu.Lock()
	batch := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	var retained []RecordRequest
	for _, req := range batch {
		if ctx.Err() != nil {
			retained = append(retained, req)
			continue
		}
		_, err := r.attempt(ctx, req)
		switch {
		case err == nil:
			log.Info().Str("account_id", req.AccountID).Str("action_id", req.ActionID).Msg("Deferred usage recorded")
		case qerrors.IsRetryableError(err) || errors.Is(err, context.DeadlineExceeded):
			retained = append(retained, req)
		default:
			metrics.RecordUsage("failed")
			log.Error().Err(err).Str("account_id", req.AccountID).Str("action_id", req.ActionID).Msg("Dropping deferred usage record")
		}
	}

	r.pendingMu.Lock()
	r.pending = append(retained, r.pending...)
	n := len(r.pending)
	r.pendingMu.Unlock()
	metrics.UsagePending.Set(float64(n))
	return n
}

// Run drains the pending queue on an interval until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(r.Pending()); n > 0 {
				log.Warn().Int("pending", n).Msg("Usage recorder stopped with deferred records")
			}
			return
		case <-ticker.C:
			if len(r.Pending()) == 0 {
				continue
			}
			r.Flush(ctx)
		}
	}
}
