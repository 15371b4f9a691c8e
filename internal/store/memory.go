package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/aiquota/pkg/quota"
)

// MemoryStore keeps everything in process. It backs tests and the
// `--store=memory` mode of the CLI.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]quota.Account
	usage     []UsageEntry
	actions   map[string]UsageEntry
	catalog   *quota.Catalog
	events    map[string]time.Time
	broadcast *Broadcaster

	// failErr, when set, is returned by reads and writes.
	failErr error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]quota.Account),
		actions:   make(map[string]UsageEntry),
		events:    make(map[string]time.Time),
		broadcast: NewBroadcaster(),
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func actionKey(accountID, actionID string) string {
	return accountID + "\x00" + actionID
}

func (m *MemoryStore) Get(ctx context.Context, accountID string) (quota.Account, error) {
	if err := ctx.Err(); err != nil {
		return quota.Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return quota.Account{}, m.failErr
	}
	acct, ok := m.accounts[accountID]
	if !ok {
		return quota.Account{}, ErrNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, expectedVersion int64, next quota.Account, entries ...UsageEntry) (quota.Account, error) {
	if err := ctx.Err(); err != nil {
		return quota.Account{}, err
	}
	m.mu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		return quota.Account{}, err
	}

	current, exists := m.accounts[next.AccountID]
	switch {
	case expectedVersion == 0 && exists:
		m.mu.Unlock()
		return quota.Account{}, ErrVersionConflict
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		m.mu.Unlock()
		return quota.Account{}, ErrVersionConflict
	}
	for _, e := range entries {
		if _, dup := m.actions[actionKey(e.AccountID, e.ActionID)]; dup {
			m.mu.Unlock()
			return quota.Account{}, ErrDuplicateAction
		}
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	m.accounts[stored.AccountID] = stored
	for _, e := range entries {
		m.usage = append(m.usage, e)
		m.actions[actionKey(e.AccountID, e.ActionID)] = e
	}
	m.mu.Unlock()

	m.broadcast.Publish(stored)
	return stored.Clone(), nil
}

func (m *MemoryStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) FindByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, acct := range m.accounts {
		if acct.Subscription != nil && customerID != "" && acct.Subscription.StripeCustomerID == customerID {
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (m *MemoryStore) FindUsage(ctx context.Context, accountID, actionID string) (UsageEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return UsageEntry{}, false, m.failErr
	}
	e, ok := m.actions[actionKey(accountID, actionID)]
	return e, ok, nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, filter UsageFilter) (UsagePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]UsageEntry, 0)
	for _, e := range m.usage {
		if MatchesFilter(e, filter) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return Paginate(entries, filter.Limit), nil
}

// MatchesFilter applies the account, time-range and cursor bounds of filter.
func MatchesFilter(e UsageEntry, filter UsageFilter) bool {
	if filter.AccountID != "" && e.AccountID != filter.AccountID {
		return false
	}
	if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !e.Timestamp.Before(filter.To) {
		return false
	}
	if filter.Cursor != "" && e.ID <= filter.Cursor {
		return false
	}
	return true
}

// Paginate cuts sorted entries to one page and sets the next cursor.
func Paginate(sorted []UsageEntry, limit int) UsagePage {
	limit = NormalizeLimit(limit)
	if len(sorted) <= limit {
		return UsagePage{Entries: sorted}
	}
	page := sorted[:limit]
	return UsagePage{Entries: page, NextCursor: page[len(page)-1].ID}
}

func (m *MemoryStore) LoadCatalog(ctx context.Context) (quota.Catalog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return quota.Catalog{}, m.failErr
	}
	if m.catalog == nil {
		return quota.Catalog{}, ErrNotFound
	}
	return m.catalog.Clone(), nil
}

func (m *MemoryStore) SaveCatalog(ctx context.Context, expectedVersion int64, cat quota.Catalog) (quota.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return quota.Catalog{}, m.failErr
	}

	var current int64
	if m.catalog != nil {
		current = m.catalog.Version
	}
	if current != expectedVersion {
		return quota.Catalog{}, ErrVersionConflict
	}
	saved := cat.Clone()
	saved.Version = expectedVersion + 1
	m.catalog = &saved
	return saved.Clone(), nil
}

func (m *MemoryStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = at
	return nil
}

func (m *MemoryStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, at := range m.events {
		if at.Before(cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Watch(ctx context.Context, accountID string) (*Watch, error) {
	return m.broadcast.Subscribe(ctx, accountID), nil
}

// Watchers returns the number of open watches for accountID.
func (m *MemoryStore) Watchers(accountID string) int {
	return m.broadcast.Watchers(accountID)
}

func (m *MemoryStore) Close() error {
	m.broadcast.Close()
	return nil
}
