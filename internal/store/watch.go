package store

import (
	"context"
	"sync"

	"github.com/rcourtman/aiquota/pkg/quota"
)

// Watch is a live subscription to one account's snapshots. The consumer owns it
// and must call Cancel (or cancel the context it was opened with) when done;
// the Updates channel is closed afterwards.
type Watch struct {
	updates <-chan quota.Account
	stop    func()
	once    sync.Once
}

// NewWatch wraps a channel and its release function. Backends use it to build
// handles; stop must close the channel.
func NewWatch(updates <-chan quota.Account, stop func()) *Watch {
	return &Watch{updates: updates, stop: stop}
}

// Updates delivers snapshots, newest wins when the consumer falls behind.
func (w *Watch) Updates() <-chan quota.Account {
	return w.updates
}

// Cancel releases the subscription. Safe to call more than once.
func (w *Watch) Cancel() {
	w.once.Do(w.stop)
}

// Broadcaster fans account snapshots out to in-process watchers. The memory and
// SQLite stores publish to it after every committed update.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan quota.Account
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[int]chan quota.Account)}
}

// Subscribe registers a watcher for accountID. The watch ends when ctx is done
// or Cancel is called.
func (b *Broadcaster) Subscribe(ctx context.Context, accountID string) *Watch {
	ch := make(chan quota.Account, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return NewWatch(ch, func() {})
	}
	id := b.nextID
	b.nextID++
	if b.subs[accountID] == nil {
		b.subs[accountID] = make(map[int]chan quota.Account)
	}
	b.subs[accountID][id] = ch
	b.mu.Unlock()

	w := NewWatch(ch, func() { b.remove(accountID, id) })
	stopAfter := context.AfterFunc(ctx, w.Cancel)
	return NewWatch(ch, func() {
		stopAfter()
		w.Cancel()
	})
}

func (b *Broadcaster) remove(accountID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[accountID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, accountID)
	}
	close(ch)
}

// Publish delivers acct to every watcher of its account without blocking.
func (b *Broadcaster) Publish(acct quota.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[acct.AccountID] {
		snapshot := acct.Clone()
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Watchers returns the number of open watches for accountID.
func (b *Broadcaster) Watchers(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[accountID])
}

// Close ends every open watch.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for accountID, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, accountID)
	}
	b.closed = true
}
