package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/pricing"
	"github.com/rcourtman/aiquota/pkg/quota"
	"github.com/rs/zerolog/log"
)

const maxSaveAttempts = 3

// Bus announces catalog versions to other processes.
type Bus interface {
	Publish(ctx context.Context, version int64) error
}

// Manager applies admin edits to the stored catalog and propagates the new
// version to the local cache and the bus.
type Manager struct {
	store store.CatalogStore
	cache *Cache
	bus   Bus
	now   func() time.Time
}

// NewManager wires a manager. bus may be nil for single-process deployments.
func NewManager(s store.CatalogStore, cache *Cache, bus Bus) *Manager {
	return &Manager{store: s, cache: cache, bus: bus, now: time.Now}
}

// Cache exposes the cache the manager invalidates.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Seed stores the default catalog when none exists yet.
func (m *Manager) Seed(ctx context.Context) (quota.Catalog, error) {
	cat, err := m.store.LoadCatalog(ctx)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return quota.Catalog{}, fmt.Errorf("load catalog: %w", err)
	}
	seed := quota.DefaultCatalog()
	seed.UpdatedAt = m.now().UTC()
	saved, err := m.store.SaveCatalog(ctx, 0, seed)
	if errors.Is(err, store.ErrVersionConflict) {
		return m.store.LoadCatalog(ctx)
	}
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("seed catalog: %w", err)
	}
	m.announce(ctx, saved.Version)
	return saved, nil
}

// UpdateTrialConfig replaces the trial terms. Existing trials keep the terms
// captured on their records.
func (m *Manager) UpdateTrialConfig(ctx context.Context, cfg quota.TrialConfig) (quota.Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return quota.Catalog{}, invalid("trial config", err)
	}
	return m.mutate(ctx, "update_trial_config", func(cat *quota.Catalog) error {
		cat.Trial = cfg
		return nil
	})
}

// UpdatePlan inserts or replaces one plan.
func (m *Manager) UpdatePlan(ctx context.Context, plan quota.Plan) (quota.Catalog, error) {
	if err := plan.Validate(); err != nil {
		return quota.Catalog{}, invalid("plan", err)
	}
	if plan.AnnualDiscountPercent != nil {
		if err := pricing.ValidateDiscount(*plan.AnnualDiscountPercent, pricing.MaxAdminDiscountPercent); err != nil {
			return quota.Catalog{}, invalid("plan", err)
		}
	}
	return m.mutate(ctx, "update_plan", func(cat *quota.Catalog) error {
		if cat.Plans == nil {
			cat.Plans = make(map[string]quota.Plan)
		}
		cat.Plans[plan.ID] = plan
		return nil
	})
}

// Import replaces trial terms and plans wholesale, e.g. from a seed file.
func (m *Manager) Import(ctx context.Context, incoming quota.Catalog) (quota.Catalog, error) {
	if err := incoming.Validate(); err != nil {
		return quota.Catalog{}, invalid("catalog", err)
	}
	return m.mutate(ctx, "import_catalog", func(cat *quota.Catalog) error {
		cat.Trial = incoming.Trial
		cat.Plans = incoming.Clone().Plans
		return nil
	})
}

func invalid(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", qerrors.ErrInvalidInput, what, err)
}

func (m *Manager) mutate(ctx context.Context, op string, apply func(*quota.Catalog) error) (quota.Catalog, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		current, err := m.store.LoadCatalog(ctx)
		if errors.Is(err, store.ErrNotFound) {
			current, err = quota.DefaultCatalog(), nil
			current.Version = 0
		}
		if err != nil {
			return quota.Catalog{}, fmt.Errorf("%s: load catalog: %w", op, err)
		}

		next := current.Clone()
		if err := apply(&next); err != nil {
			return quota.Catalog{}, fmt.Errorf("%s: %w", op, err)
		}
		next.UpdatedAt = m.now().UTC()

		saved, err := m.store.SaveCatalog(ctx, current.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return quota.Catalog{}, fmt.Errorf("%s: save catalog: %w", op, err)
		}

		log.Info().
			Str("op", op).
			Int64("version", saved.Version).
			Msg("Catalog updated")
		m.announce(ctx, saved.Version)
		return saved, nil
	}
	return quota.Catalog{}, fmt.Errorf("%s: %w", op, lastErr)
}

func (m *Manager) announce(ctx context.Context, version int64) {
	if m.cache != nil {
		m.cache.Invalidate(version)
	}
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, version); err != nil {
		log.Warn().Err(err).Int64("version", version).Msg("Failed to announce catalog version")
	}
}
