package routing

import (
	"context"
	"time"

	"playdelivery/internal/models"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

type trackedLease struct {
	lease  *models.Lease
	source Source
}

// LeaseTracker remembers outstanding leases. A lease that is not released
// before its TTL is released as a failure when it expires, so an abandoned
// execution still feeds source health.
type LeaseTracker struct {
	cache *ttlcache.Cache[string, trackedLease]
}

func NewLeaseTracker(defaultTTL time.Duration, logger zerolog.Logger) *LeaseTracker {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, trackedLease](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, trackedLease](),
	)
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, trackedLease]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		tl := item.Value()
		logger.Warn().
			Str("lease_id", tl.lease.ID).
			Str("source", tl.lease.SourceName).
			Msg("lease expired without release")
		if err := tl.source.Release(ctx, tl.lease, false); err != nil {
			logger.Error().Err(err).Str("lease_id", tl.lease.ID).Msg("failed to release expired lease")
		}
	})
	go cache.Start()
	return &LeaseTracker{cache: cache}
}

func (t *LeaseTracker) Track(lease *models.Lease, src Source) {
	ttl := lease.TTL
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	t.cache.Set(lease.ID, trackedLease{lease: lease, source: src}, ttl)
}

// Take removes an outstanding lease. It reports false for a lease that was
// never tracked or already expired.
func (t *LeaseTracker) Take(leaseID string) (Source, bool) {
	item, ok := t.cache.GetAndDelete(leaseID)
	if !ok || item == nil {
		return nil, false
	}
	return item.Value().source, true
}

func (t *LeaseTracker) Outstanding() int {
	return t.cache.Len()
}

// Expire releases every lease past its TTL now instead of on the next
// background sweep.
func (t *LeaseTracker) Expire() {
	t.cache.DeleteExpired()
}

func (t *LeaseTracker) Close() {
	t.cache.Stop()
}
