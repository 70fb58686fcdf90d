package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

// Manager combines cache tiers ordered by priority, the fastest tier first.
//
// Get doesn't copy bitmaps found in slower tiers into faster ones: tiers are
// populated by the caller with Set and Backfill.
type Manager struct {
	tiers []rpix.Cache
}

func NewManager(tiers ...rpix.Cache) *Manager {
	return &Manager{
		tiers: tiers,
	}
}

// Get returns the bitmap from the first tier that has it. Tier errors are logged
// and treated as misses, so the only returned error is [rpix.ErrCacheMiss] or
// a context error.
func (m *Manager) Get(ctx context.Context, key string) (*rpix.Bitmap, rpix.DataSource, error) {
	for _, tier := range m.tiers {
		b, err := m.get(ctx, tier, key)
		if err == nil {
			return b, tier.Source(), nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, rpix.ErrCacheMiss
}

// GetFrom probes only the tier with the passed source.
func (m *Manager) GetFrom(ctx context.Context, source rpix.DataSource, key string) (*rpix.Bitmap, error) {
	for _, tier := range m.tiers {
		if tier.Source() != source {
			continue
		}

		b, err := m.get(ctx, tier, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, rpix.ErrCacheMiss
		}
		return b, nil
	}
	return nil, rpix.ErrCacheMiss
}

func (m *Manager) get(ctx context.Context, tier rpix.Cache, key string) (*rpix.Bitmap, error) {
	b, err := tier.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, rpix.ErrCacheMiss) && ctx.Err() == nil {
			rlog.Warnf("couldn't get %q from %s cache: %s", key, tier.Source(), err)
		}
		return nil, err
	}
	if b == nil || b.Released() {
		return nil, rpix.ErrCacheMiss
	}
	return b, nil
}

// Set writes the bitmap to all tiers. Released bitmaps are rejected with [rpix.ErrInvalidValue].
func (m *Manager) Set(ctx context.Context, key string, b *rpix.Bitmap) error {
	if b == nil || b.Released() {
		return rpix.ErrInvalidValue
	}

	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Set(ctx, key, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Source(), err))
		}
	}
	return errors.Join(errs...)
}

// Backfill writes the bitmap found in the tier with the passed source to all
// faster tiers.
func (m *Manager) Backfill(ctx context.Context, key string, b *rpix.Bitmap, from rpix.DataSource) error {
	if b == nil || b.Released() {
		return rpix.ErrInvalidValue
	}

	var errs []error
	for _, tier := range m.tiers {
		if tier.Source() == from {
			break
		}
		if err := tier.Set(ctx, key, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Source(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Remove(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Source(), err))
		}
	}
	return errors.Join(errs...)
}

// ClearMemory clears the memory tiers.
func (m *Manager) ClearMemory(ctx context.Context) error {
	var errs []error
	for _, tier := range m.tiers {
		if tier.Source() != rpix.SourceMemory {
			continue
		}
		if err := tier.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Source(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Tiers() []rpix.Cache {
	return m.tiers
}
