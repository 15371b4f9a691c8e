// Package store defines the boundary to the authoritative account store and
// provides an in-memory implementation. The SQLite and Firestore backends live
// in sub-packages.
package store

import (
	"context"
	"time"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/pkg/quota"
)

var (
	// ErrNotFound is returned by Get when the account has never been provisioned.
	ErrNotFound = qerrors.ErrNotFound
	// ErrVersionConflict is returned by Update when expectedVersion is stale.
	ErrVersionConflict = qerrors.ErrVersionConflict
	// ErrDuplicateAction is returned by Update when a usage entry reuses an
	// (account, action) pair already in the log.
	ErrDuplicateAction = qerrors.ErrDuplicateAction
)

// UsageEntry is one immutable line of the usage log.
type UsageEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	ActionID  string    `json:"actionId"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	PeriodKey string    `json:"periodKey"`
	Trial     bool      `json:"trial"`
	Override  bool      `json:"override"`
}

// UsageFilter selects log entries. Zero values mean "no bound".
type UsageFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
	Cursor    string // exclusive; entry ID to continue after
	Limit     int
}

// UsagePage is one page of log entries in ID order.
type UsagePage struct {
	Entries    []UsageEntry `json:"entries"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// Accounts is the versioned per-account document boundary.
type Accounts interface {
	// Get returns the current snapshot or ErrNotFound.
	Get(ctx context.Context, accountID string) (quota.Account, error)
	// Update writes next if the stored version equals expectedVersion
	// (0 means "must not exist yet") and appends entries in the same write.
	// The returned account carries the new version.
	Update(ctx context.Context, expectedVersion int64, next quota.Account, entries ...UsageEntry) (quota.Account, error)
	// ListAccountIDs returns every provisioned account.
	ListAccountIDs(ctx context.Context) ([]string, error)
	// FindByStripeCustomer resolves a payment-provider customer to an account.
	FindByStripeCustomer(ctx context.Context, customerID string) (string, error)
}

// UsageLog is the read side of the append-only usage log.
type UsageLog interface {
	FindUsage(ctx context.Context, accountID, actionID string) (UsageEntry, bool, error)
	ListUsage(ctx context.Context, filter UsageFilter) (UsagePage, error)
}

// CatalogStore persists trial terms and plans.
type CatalogStore interface {
	// LoadCatalog returns the stored catalog or ErrNotFound.
	LoadCatalog(ctx context.Context) (quota.Catalog, error)
	// SaveCatalog writes cat with Version = expectedVersion+1.
	SaveCatalog(ctx context.Context, expectedVersion int64, cat quota.Catalog) (quota.Catalog, error)
}

// EventLog records processed payment-provider events.
type EventLog interface {
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Watcher opens change streams for one account.
type Watcher interface {
	Watch(ctx context.Context, accountID string) (*Watch, error)
}

// Store is the full boundary.
type Store interface {
	Accounts
	UsageLog
	CatalogStore
	EventLog
	Watcher
	Close() error
}
