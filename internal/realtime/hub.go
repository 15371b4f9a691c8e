// Package realtime pushes account snapshots and their derived quota view to
// interested clients. The Hub keeps a single store watch per account no
// matter how many handles are open for it.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/aiquota/internal/metrics"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
)

const refreshTimeout = 5 * time.Second

// Source is the store side of the hub.
type Source interface {
	store.Watcher
	Get(ctx context.Context, accountID string) (quota.Account, error)
}

// Catalog supplies plan and trial terms for view derivation.
type Catalog interface {
	Get(ctx context.Context) (quota.Catalog, error)
}

// Update is one pushed snapshot.
type Update struct {
	Account quota.Account `json:"account"`
	View    quota.View    `json:"view"`
}

// Handle is one consumer's subscription. The consumer owns it and must call
// Cancel, or cancel the context passed to Subscribe. C is closed afterwards.
type Handle struct {
	c      chan Update
	cancel func()
	once   sync.Once
}

// C delivers updates. A slow consumer only sees the newest one.
func (h *Handle) C() <-chan Update {
	return h.c
}

// Cancel releases the handle. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

type topic struct {
	accountID string
	watch     *store.Watch
	stop      context.CancelFunc
	handles   map[int]chan Update
	last      *Update
}

// superseded reports whether acct is older than what was last pushed. A forced
// push may repeat the same version but never go backwards.
func (t *topic) superseded(acct quota.Account, force bool) bool {
	if t.last == nil {
		return false
	}
	if force {
		return acct.Version < t.last.Account.Version
	}
	return acct.Version <= t.last.Account.Version
}

// Hub multiplexes store watches.
type Hub struct {
	source  Source
	catalog Catalog
	now     func() time.Time

	mu     sync.Mutex
	nextID int
	topics map[string]*topic
}

// NewHub creates a hub.
func NewHub(source Source, catalog Catalog) *Hub {
	return &Hub{
		source:  source,
		catalog: catalog,
		now:     time.Now,
		topics:  make(map[string]*topic),
	}
}

// Subscribe opens a handle for accountID. The current snapshot, if any, is
// delivered first.
func (h *Hub) Subscribe(ctx context.Context, accountID string) (*Handle, error) {
	h.mu.Lock()
	t, ok := h.topics[accountID]
	if !ok {
		watchCtx, stop := context.WithCancel(context.Background())
		w, err := h.source.Watch(watchCtx, accountID)
		if err != nil {
			h.mu.Unlock()
			stop()
			return nil, err
		}
		t = &topic{accountID: accountID, watch: w, stop: stop, handles: make(map[int]chan Update)}
		h.topics[accountID] = t
		go h.pump(t)
		log.Debug().Str("account_id", accountID).Msg("Opened account watch")
	}

	id := h.nextID
	h.nextID++
	ch := make(chan Update, 1)
	t.handles[id] = ch
	last := t.last
	if last != nil {
		ch <- *last
	}
	h.mu.Unlock()
	metrics.WatchersActive.Inc()

	handle := &Handle{c: ch}
	stopAfter := context.AfterFunc(ctx, handle.Cancel)
	handle.cancel = func() {
		stopAfter()
		h.release(t, id)
	}

	if last == nil {
		h.prime(ctx, t)
	}
	return handle, nil
}

// prime loads the current snapshot for a topic that has not seen one yet.
func (h *Hub) prime(ctx context.Context, t *topic) {
	acct, err := h.source.Get(ctx, t.accountID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("account_id", t.accountID).Msg("Initial snapshot unavailable")
		}
		return
	}
	h.deliver(ctx, t, acct, false)
}

func (h *Hub) release(t *topic, id int) {
	h.mu.Lock()
	ch, ok := t.handles[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(t.handles, id)
	close(ch)
	last := len(t.handles) == 0 && h.topics[t.accountID] == t
	if last {
		delete(h.topics, t.accountID)
	}
	h.mu.Unlock()
	metrics.WatchersActive.Dec()

	if last {
		t.watch.Cancel()
		t.stop()
		log.Debug().Str("account_id", t.accountID).Msg("Closed account watch")
	}
}

func (h *Hub) pump(t *topic) {
	for acct := range t.watch.Updates() {
		h.deliver(context.Background(), t, acct, false)
	}

	// The store ended the watch; close any handles still attached.
	h.mu.Lock()
	if h.topics[t.accountID] == t {
		delete(h.topics, t.accountID)
	}
	handles := t.handles
	t.handles = map[int]chan Update{}
	h.mu.Unlock()

	for _, ch := range handles {
		close(ch)
		metrics.WatchersActive.Dec()
	}
}

// deliver derives the view and fans it out. Snapshots not newer than the last
// delivered one are dropped unless force is set.
func (h *Hub) deliver(ctx context.Context, t *topic, acct quota.Account, force bool) {
	h.mu.Lock()
	stale := t.superseded(acct, force)
	h.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	cat, err := h.catalog.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Str("account_id", t.accountID).Msg("Catalog unavailable; skipping push")
		return
	}
	update := Update{Account: acct, View: quota.Derive(acct, cat, h.now())}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t.superseded(acct, force) {
		return
	}
	t.last = &update
	for _, ch := range t.handles {
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- update
		}
	}
}

// CatalogChanged re-derives and pushes every open account's view. Register it
// with catalog.Cache.OnChange so trial and plan edits reach clients.
func (h *Hub) CatalogChanged(version int64) {
	h.mu.Lock()
	pending := make(map[*topic]quota.Account, len(h.topics))
	for _, t := range h.topics {
		if t.last != nil {
			pending[t] = t.last.Account
		}
	}
	h.mu.Unlock()

	for t, acct := range pending {
		h.deliver(context.Background(), t, acct, true)
	}
	if len(pending) > 0 {
		log.Debug().Int64("version", version).Int("accounts", len(pending)).Msg("Pushed catalog change")
	}
}

// Topics returns the number of accounts with an open store watch.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
