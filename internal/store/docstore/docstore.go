// Package docstore backs the account store with Cloud Firestore, for
// deployments that share state across regions and want server-pushed snapshots.
//
// Layout:
//
//	accounts/{accountId}          version, status, stripeCustomerId, document (JSON)
//	usage_log/{sha256(acct,act)}  one immutable entry per (account, action)
//	config/catalog                version, document (JSON)
//	processed_events/{eventId}    type, processedAt
//
// Listing usage for one account filtered by id needs a composite index on
// (accountId ASC, id ASC).
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/oklog/ulid/v2"
	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	accountsCollection = "accounts"
	usageCollection    = "usage_log"
	configCollection   = "config"
	eventsCollection   = "processed_events"
	catalogDocID       = "catalog"
)

// Config selects the Firebase project and credentials. CredentialsJSON may be
// raw or base64 encoded; when both credentials fields are empty the
// application default credentials are used.
type Config struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
}

// Store implements store.Store on Firestore.
type Store struct {
	client *firestore.Client
}

var _ store.Store = (*Store)(nil)

type accountDoc struct {
	Version          int64     `firestore:"version"`
	Status           string    `firestore:"status"`
	StripeCustomerID string    `firestore:"stripeCustomerId"`
	Document         string    `firestore:"document"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

type usageDoc struct {
	ID        string    `firestore:"id"`
	AccountID string    `firestore:"accountId"`
	ActionID  string    `firestore:"actionId"`
	Timestamp time.Time `firestore:"ts"`
	Outcome   string    `firestore:"outcome"`
	PeriodKey string    `firestore:"periodKey"`
	Trial     bool      `firestore:"trial"`
	Override  bool      `firestore:"override"`
}

type catalogDoc struct {
	Version  int64  `firestore:"version"`
	Document string `firestore:"document"`
}

type eventDoc struct {
	Type        string    `firestore:"type"`
	ProcessedAt time.Time `firestore:"processedAt"`
}

// Open initializes the Firebase app and its Firestore client.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore client: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client *firestore.Client) *Store {
	return &Store{client: client}
}

func clientOptions(cfg Config) ([]option.ClientOption, error) {
	if raw := strings.TrimSpace(cfg.CredentialsJSON); raw != "" {
		if !strings.HasPrefix(raw, "{") {
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("decode base64 firebase credentials: %w", err)
			}
			raw = string(decoded)
		}
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}, nil
	}
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}, nil
	}
	return nil, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) accountRef(accountID string) *firestore.DocumentRef {
	return s.client.Collection(accountsCollection).Doc(accountID)
}

func (s *Store) usageRef(accountID, actionID string) *firestore.DocumentRef {
	return s.client.Collection(usageCollection).Doc(usageDocID(accountID, actionID))
}

// usageDocID derives a stable document id from the idempotency pair; action
// ids are caller supplied and may contain characters Firestore rejects.
func usageDocID(accountID, actionID string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + actionID))
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *Store) Get(ctx context.Context, accountID string) (quota.Account, error) {
	snap, err := s.accountRef(accountID).Get(ctx)
	if isNotFound(err) {
		return quota.Account{}, store.ErrNotFound
	}
	if err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("get_account", accountID, err)
	}
	return decodeAccountSnapshot(snap)
}

func decodeAccountSnapshot(snap *firestore.DocumentSnapshot) (quota.Account, error) {
	var doc accountDoc
	if err := snap.DataTo(&doc); err != nil {
		return quota.Account{}, fmt.Errorf("decode account %s: %w", snap.Ref.ID, err)
	}
	return decodeAccount(doc)
}

func decodeAccount(doc accountDoc) (quota.Account, error) {
	var acct quota.Account
	if err := json.Unmarshal([]byte(doc.Document), &acct); err != nil {
		return quota.Account{}, fmt.Errorf("decode account document: %w", err)
	}
	acct.Version = doc.Version
	return acct, nil
}

func encodeAccount(acct quota.Account, now time.Time) (accountDoc, error) {
	raw, err := json.Marshal(acct)
	if err != nil {
		return accountDoc{}, fmt.Errorf("encode account document: %w", err)
	}
	doc := accountDoc{Version: acct.Version, Document: string(raw), UpdatedAt: now}
	if acct.Subscription != nil {
		doc.Status = string(acct.Subscription.Status)
		doc.StripeCustomerID = acct.Subscription.StripeCustomerID
	}
	return doc, nil
}

func (s *Store) Update(ctx context.Context, expectedVersion int64, next quota.Account, entries ...store.UsageEntry) (quota.Account, error) {
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	doc, err := encodeAccount(stored, time.Now().UTC())
	if err != nil {
		return quota.Account{}, err
	}
	ref := s.accountRef(stored.AccountID)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
			if expectedVersion != 0 {
				return store.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var current accountDoc
			if err := snap.DataTo(&current); err != nil {
				return fmt.Errorf("decode account %s: %w", ref.ID, err)
			}
			if current.Version != expectedVersion {
				return store.ErrVersionConflict
			}
		}

		usageRefs := make([]*firestore.DocumentRef, len(entries))
		for i, e := range entries {
			usageRefs[i] = s.usageRef(e.AccountID, e.ActionID)
			_, err := tx.Get(usageRefs[i])
			if err == nil {
				return store.ErrDuplicateAction
			}
			if !isNotFound(err) {
				return err
			}
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		for i, e := range entries {
			if err := tx.Create(usageRefs[i], toUsageDoc(e)); err != nil {
				return err
			}
		}
		return nil
	}, firestore.MaxAttempts(1))
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicateAction) {
			return quota.Account{}, err
		}
		if status.Code(err) == codes.Aborted {
			return quota.Account{}, store.ErrVersionConflict
		}
		return quota.Account{}, qerrors.WrapUnavailable("update_account", next.AccountID, err)
	}
	return stored, nil
}

func toUsageDoc(e store.UsageEntry) usageDoc {
	return usageDoc{
		ID:        e.ID,
		AccountID: e.AccountID,
		ActionID:  e.ActionID,
		Timestamp: e.Timestamp.UTC(),
		Outcome:   e.Outcome,
		PeriodKey: e.PeriodKey,
		Trial:     e.Trial,
		Override:  e.Override,
	}
}

func fromUsageDoc(d usageDoc) store.UsageEntry {
	return store.UsageEntry{
		ID:        d.ID,
		AccountID: d.AccountID,
		ActionID:  d.ActionID,
		Timestamp: d.Timestamp.UTC(),
		Outcome:   d.Outcome,
		PeriodKey: d.PeriodKey,
		Trial:     d.Trial,
		Override:  d.Override,
	}
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	it := s.client.Collection(accountsCollection).DocumentRefs(ctx)
	var ids []string
	for {
		ref, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

func (s *Store) FindByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", store.ErrNotFound
	}
	it := s.client.Collection(accountsCollection).
		Where("stripeCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find account by stripe customer: %w", err)
	}
	return snap.Ref.ID, nil
}

func (s *Store) FindUsage(ctx context.Context, accountID, actionID string) (store.UsageEntry, bool, error) {
	snap, err := s.usageRef(accountID, actionID).Get(ctx)
	if isNotFound(err) {
		return store.UsageEntry{}, false, nil
	}
	if err != nil {
		return store.UsageEntry{}, false, qerrors.WrapUnavailable("find_usage", accountID, err)
	}
	var d usageDoc
	if err := snap.DataTo(&d); err != nil {
		return store.UsageEntry{}, false, fmt.Errorf("decode usage entry: %w", err)
	}
	return fromUsageDoc(d), true, nil
}

// ListUsage pages by entry id. Entry ids are ULIDs minted from the entry
// timestamp, so the time range is expressed as an id range.
func (s *Store) ListUsage(ctx context.Context, filter store.UsageFilter) (store.UsagePage, error) {
	limit := store.NormalizeLimit(filter.Limit)

	q := s.client.Collection(usageCollection).Query
	if filter.AccountID != "" {
		q = q.Where("accountId", "==", filter.AccountID)
	}
	lower := filter.Cursor
	if !filter.From.IsZero() {
		if bound := TimeBound(filter.From); bound > lower {
			lower = bound
		}
	}
	if lower != "" {
		op := ">="
		if lower == filter.Cursor {
			op = ">"
		}
		q = q.Where("id", op, lower)
	}
	if !filter.To.IsZero() {
		q = q.Where("id", "<", TimeBound(filter.To))
	}
	q = q.OrderBy("id", firestore.Asc).Limit(limit + 1)

	it := q.Documents(ctx)
	defer it.Stop()

	entries := make([]store.UsageEntry, 0, limit+1)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return store.UsagePage{}, fmt.Errorf("list usage: %w", err)
		}
		var d usageDoc
		if err := snap.DataTo(&d); err != nil {
			return store.UsagePage{}, fmt.Errorf("decode usage entry: %w", err)
		}
		entries = append(entries, fromUsageDoc(d))
	}
	return store.Paginate(entries, limit), nil
}

// TimeBound is the smallest ULID string carrying timestamp t.
func TimeBound(t time.Time) string {
	var id ulid.ULID
	if err := id.SetTime(ulid.Timestamp(t)); err != nil {
		return ""
	}
	return id.String()
}

func (s *Store) LoadCatalog(ctx context.Context) (quota.Catalog, error) {
	snap, err := s.client.Collection(configCollection).Doc(catalogDocID).Get(ctx)
	if isNotFound(err) {
		return quota.Catalog{}, store.ErrNotFound
	}
	if err != nil {
		return quota.Catalog{}, qerrors.WrapUnavailable("load_catalog", "", err)
	}
	var doc catalogDoc
	if err := snap.DataTo(&doc); err != nil {
		return quota.Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	var cat quota.Catalog
	if err := json.Unmarshal([]byte(doc.Document), &cat); err != nil {
		return quota.Catalog{}, fmt.Errorf("decode catalog document: %w", err)
	}
	cat.Version = doc.Version
	return cat, nil
}

func (s *Store) SaveCatalog(ctx context.Context, expectedVersion int64, cat quota.Catalog) (quota.Catalog, error) {
	saved := cat.Clone()
	saved.Version = expectedVersion + 1
	raw, err := json.Marshal(saved)
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("encode catalog: %w", err)
	}
	ref := s.client.Collection(configCollection).Doc(catalogDocID)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var current int64
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			var doc catalogDoc
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			current = doc.Version
		}
		if current != expectedVersion {
			return store.ErrVersionConflict
		}
		return tx.Set(ref, catalogDoc{Version: saved.Version, Document: string(raw)})
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return quota.Catalog{}, err
		}
		return quota.Catalog{}, fmt.Errorf("save catalog: %w", err)
	}
	return saved, nil
}

func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.client.Collection(eventsCollection).Doc(eventID).Get(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := s.client.Collection(eventsCollection).Doc(eventID).Set(ctx, eventDoc{Type: eventType, ProcessedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	it := s.client.Collection(eventsCollection).Where("processedAt", "<", cutoff.UTC()).Documents(ctx)
	defer it.Stop()

	n := 0
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("list expired events: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return n, fmt.Errorf("delete event %s: %w", snap.Ref.ID, err)
		}
		n++
	}
	return n, nil
}

// Watch streams server-pushed snapshots of the account document.
func (s *Store) Watch(ctx context.Context, accountID string) (*store.Watch, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := s.accountRef(accountID).Snapshots(ctx)
	out := make(chan quota.Account, 1)

	go func() {
		defer close(out)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Warn().Err(err).Str("account_id", accountID).Msg("Firestore account listener ended")
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			acct, err := decodeAccountSnapshot(snap)
			if err != nil {
				log.Warn().Err(err).Str("account_id", accountID).Msg("Skipping undecodable account snapshot")
				continue
			}
			select {
			case out <- acct:
			default:
				select {
				case <-out:
				default:
				}
				out <- acct
			}
		}
	}()

	return store.NewWatch(out, cancel), nil
}
