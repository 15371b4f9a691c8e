package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

type mutableCatalog struct {
	mu  sync.Mutex
	cat quota.Catalog
}

func (m *mutableCatalog) Get(context.Context) (quota.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cat.Clone(), nil
}

func (m *mutableCatalog) setBasicLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.cat.Plans["basic"]
	p.AICallsLimit = n
	m.cat.Plans["basic"] = p
	m.cat.Version++
}

func activeAccount(id string) quota.Account {
	now := time.Now().UTC()
	start := now.Add(-24 * time.Hour)
	return quota.Account{
		AccountID: id,
		Subscription: &quota.Subscription{
			AccountID:          id,
			PlanID:             "basic",
			Tier:               quota.TierBasic,
			Status:             quota.StatusActive,
			BillingPeriod:      quota.PeriodMonthly,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   now.Add(29 * 24 * time.Hour),
			Currency:           quota.CurrencyEUR,
		},
		Ledger: quota.Ledger{AccountID: id, PeriodKey: quota.PeriodKey(start)},
	}
}

func newTestHub(t *testing.T) (*Hub, *store.MemoryStore, *mutableCatalog) {
	t.Helper()
	mem := store.NewMemoryStore()
	cat := &mutableCatalog{cat: quota.DefaultCatalog()}
	return NewHub(mem, cat), mem, cat
}

func next(t *testing.T, h *Handle) Update {
	t.Helper()
	select {
	case u, ok := <-h.C():
		if !ok {
			t.Fatal("handle closed unexpectedly")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func expectClosed(t *testing.T, h *Handle) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("handle was not closed")
		}
	}
}

func TestHubDeliversCurrentSnapshotThenChanges(t *testing.T) {
	hub, mem, _ := newTestHub(t)
	ctx := context.Background()
	stored, err := mem.Update(ctx, 0, activeAccount("acct-1"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	h, err := hub.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Cancel()

	first := next(t, h)
	if first.Account.Version != stored.Version || first.View.Check.Limit != 5 {
		t.Fatalf("unexpected initial update: version=%d limit=%d", first.Account.Version, first.View.Check.Limit)
	}

	changed := stored.Clone()
	changed.Ledger.CallsUsedThisPeriod = 4
	if _, err := mem.Update(ctx, stored.Version, changed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	second := next(t, h)
	if second.View.Check.CurrentUsage != 4 || second.View.Warning != quota.WarningApproachingLimit {
		t.Fatalf("unexpected pushed view: %+v", second.View)
	}
}

func TestHubSharesOneWatchPerAccount(t *testing.T) {
	hub, mem, _ := newTestHub(t)
	ctx := context.Background()
	stored, _ := mem.Update(ctx, 0, activeAccount("acct-1"))

	a, err := hub.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	b, err := hub.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	next(t, a)
	next(t, b)

	if hub.Topics() != 1 {
		t.Fatalf("expected 1 topic, got %d", hub.Topics())
	}
	if got := mem.Watchers("acct-1"); got != 1 {
		t.Fatalf("expected 1 store watch, got %d", got)
	}

	changed := stored.Clone()
	changed.Ledger.CallsUsedThisPeriod = 1
	if _, err := mem.Update(ctx, stored.Version, changed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if next(t, a).View.Check.CurrentUsage != 1 || next(t, b).View.Check.CurrentUsage != 1 {
		t.Fatal("both handles should see the change")
	}

	a.Cancel()
	a.Cancel()
	expectClosed(t, a)
	if hub.Topics() != 1 {
		t.Fatal("topic should stay open while b is subscribed")
	}

	b.Cancel()
	expectClosed(t, b)
	if hub.Topics() != 0 {
		t.Fatalf("expected no topics after last cancel, got %d", hub.Topics())
	}
	if got := mem.Watchers("acct-1"); got != 0 {
		t.Fatalf("store watch leaked: %d", got)
	}
}

func TestHubPushesProvisioningOfUnknownAccount(t *testing.T) {
	hub, mem, _ := newTestHub(t)
	ctx := context.Background()

	h, err := hub.Subscribe(ctx, "new")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Cancel()

	select {
	case u := <-h.C():
		t.Fatalf("unexpected update before provisioning: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := mem.Update(ctx, 0, activeAccount("new")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if u := next(t, h); u.Account.AccountID != "new" || !u.View.Check.Allowed {
		t.Fatalf("unexpected update: %+v", u)
	}
}

func TestHubCatalogChangeRederivesViews(t *testing.T) {
	hub, mem, cat := newTestHub(t)
	ctx := context.Background()
	if _, err := mem.Update(ctx, 0, activeAccount("acct-1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h, err := hub.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Cancel()
	if next(t, h).View.Check.Limit != 5 {
		t.Fatal("expected initial basic limit 5")
	}

	cat.setBasicLimit(10)
	hub.CatalogChanged(2)

	if got := next(t, h).View.Check.Limit; got != 10 {
		t.Fatalf("limit after catalog change = %d, want 10", got)
	}
}

func TestHubContextCancelReleasesHandle(t *testing.T) {
	hub, mem, _ := newTestHub(t)
	mem.Update(context.Background(), 0, activeAccount("acct-1"))

	ctx, cancel := context.WithCancel(context.Background())
	h, err := hub.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	expectClosed(t, h)
	if hub.Topics() != 0 {
		t.Fatalf("expected topic released, got %d", hub.Topics())
	}
}

func TestHubClosesHandlesWhenStoreEndsWatch(t *testing.T) {
	hub, mem, _ := newTestHub(t)
	mem.Update(context.Background(), 0, activeAccount("acct-1"))

	h, err := hub.Subscribe(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	next(t, h)

	mem.Close()
	expectClosed(t, h)
	h.Cancel()
}
