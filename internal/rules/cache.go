// Package rules serves a read-mostly snapshot of active detection rules,
// refreshed from the rule store on a TTL.
package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
)

// Store fetches active rules ordered by severity desc, points desc.
type Store interface {
	ActiveRules(ctx context.Context) ([]models.DetectionRule, error)
}

// snapshot is an immutable rule set plus its fetch time. Snapshots are
// swapped wholesale; readers never see a partially updated set.
type snapshot struct {
	rules     []models.DetectionRule
	fetchedAt time.Time
}

// Cache holds the active rule snapshot. Reads outside a refresh window never
// block; refreshes are serialized by a single-writer mutex so concurrent
// callers do not issue duplicate fetches.
type Cache struct {
	store Store
	ttl   time.Duration
	log   *logging.Logger

	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex

	now func() time.Time // test hook
}

// NewCache creates a rule cache with the given refresh TTL.
func NewCache(store Store, ttl time.Duration, log *logging.Logger) *Cache {
	return &Cache{
		store: store,
		ttl:   ttl,
		log:   log.Component("rules"),
		now:   time.Now,
	}
}

// Rules returns the current snapshot, refreshing synchronously when the
// snapshot is older than the TTL. A failed refresh keeps the previous
// snapshot in place; the cache never fails open to an empty rule set while
// it has data.
func (c *Cache) Rules(ctx context.Context) []models.DetectionRule {
	if s := c.snap.Load(); s != nil && c.now().Sub(s.fetchedAt) <= c.ttl {
		return s.rules
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if s := c.snap.Load(); s != nil && c.now().Sub(s.fetchedAt) <= c.ttl {
		return s.rules
	}

	if err := c.refreshLocked(ctx); err != nil {
		metrics.RuleRefreshErrors.Inc()
		c.log.Error("rule refresh failed, serving previous snapshot", "error", err)
	}

	if s := c.snap.Load(); s != nil {
		return s.rules
	}
	return nil
}

// ForceRefresh bypasses the TTL and fetches immediately. For administrative
// use; a fetch error leaves the previous snapshot in place.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if err := c.refreshLocked(ctx); err != nil {
		metrics.RuleRefreshErrors.Inc()
		c.log.Error("forced rule refresh failed", "error", err)
		return err
	}
	return nil
}

// refreshLocked fetches and swaps the snapshot. Caller holds refreshMu.
func (c *Cache) refreshLocked(ctx context.Context) error {
	rules, err := c.store.ActiveRules(ctx)
	if err != nil {
		return err
	}

	c.snap.Store(&snapshot{rules: rules, fetchedAt: c.now()})
	c.log.Debug("rule snapshot refreshed", "count", len(rules))
	return nil
}

// Len returns the size of the current snapshot without triggering a refresh.
func (c *Cache) Len() int {
	if s := c.snap.Load(); s != nil {
		return len(s.rules)
	}
	return 0
}

// Age returns how old the current snapshot is, or a negative value when no
// snapshot has been loaded yet.
func (c *Cache) Age() time.Duration {
	if s := c.snap.Load(); s != nil {
		return c.now().Sub(s.fetchedAt)
	}
	return -1
}
