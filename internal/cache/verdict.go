package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
)

// Verdicts is the typed layer over Cache used by the rating endpoint.
// It stores whole domain rows keyed by name. Freshness decisions are
// still made from the row's UpdatedAt, so a stale cache entry can
// never suppress a rescan; the TTL only bounds memory.
type Verdicts struct {
	cache Cache
	ttl   time.Duration
}

// NewVerdicts wraps a cache backend. The TTL should be at least the
// domain expiration window so fresh rows do not churn.
func NewVerdicts(c Cache, ttl time.Duration) *Verdicts {
	return &Verdicts{cache: c, ttl: ttl}
}

// Get returns the cached domain row, or nil when absent. Cache errors
// are logged and treated as misses.
func (v *Verdicts) Get(ctx context.Context, name string) *domain.Domain {
	raw, err := v.cache.Get(ctx, verdictKey(name))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		logging.Op().Debug("verdict cache read failed", "domain", name, "error", err)
		return nil
	}

	var d domain.Domain
	if err := json.Unmarshal(raw, &d); err != nil {
		logging.Op().Warn("dropping undecodable verdict entry", "domain", name, "error", err)
		_ = v.cache.Delete(ctx, verdictKey(name))
		return nil
	}
	return &d
}

// Put stores a domain row. Write failures are logged and ignored; the
// store remains the source of truth.
func (v *Verdicts) Put(ctx context.Context, d *domain.Domain) {
	raw, err := json.Marshal(d)
	if err != nil {
		logging.Op().Warn("encode verdict entry", "domain", d.Name, "error", err)
		return
	}
	if err := v.cache.Set(ctx, verdictKey(d.Name), raw, v.ttl); err != nil {
		logging.Op().Debug("verdict cache write failed", "domain", d.Name, "error", err)
	}
}

// Forget drops a domain from the cache. Used when a review lands so
// the next rating rereads the updated row.
func (v *Verdicts) Forget(ctx context.Context, name string) {
	if err := v.cache.Delete(ctx, verdictKey(name)); err != nil {
		logging.Op().Debug("verdict cache delete failed", "domain", name, "error", err)
	}
}

func verdictKey(name string) string {
	return "verdict:" + name
}
