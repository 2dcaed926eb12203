// Package cache implements the TTL cache in front of Item Store reads.
//
// Key components:
//   - Fingerprint: hash of the full filter set so different sessions never collide
//   - ReviewCache: injected instance with explicit lifecycle (New, Invalidate,
//     InvalidateAll), not a process-wide singleton, so tests can construct
//     isolated instances
//   - Backing: optional second-level store (Redis) consulted on a miss and
//     populated on every load, to keep fingerprints warm across restarts
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/card"
	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/review"
)

// DefaultTTL is how long a cached payload stays fresh.
const DefaultTTL = 5 * time.Minute

// ══════════════════════════════════════════════════════════════════════════════
// FINGERPRINT
// ══════════════════════════════════════════════════════════════════════════════

// Fingerprint identifies one filter combination. Entries for different
// users, filters, boxes or strategies never collide.
type Fingerprint string

// NewFingerprint hashes (user, category, sub-category set, regulation, box,
// strategy) into a cache key. The sub-category set is sorted first so the
// same selection always produces the same key.
func NewFingerprint(userID review.UserID, strategy string, box review.Box, filters card.Filters) Fingerprint {
	f := filters.Normalized()

	h := fnv.New64a()
	fmt.Fprintf(h, "u=%s|s=%s|b=%d|c=%s|sc=%s|r=%s",
		userID,
		strategy,
		box,
		f.Category,
		strings.Join(f.EffectiveSubCategories(), ","),
		f.Regulation,
	)
	return Fingerprint(fmt.Sprintf("%s:%016x", strategy, h.Sum64()))
}

// String returns the string representation of the fingerprint.
func (fp Fingerprint) String() string {
	return string(fp)
}

// ══════════════════════════════════════════════════════════════════════════════
// PAYLOAD
// ══════════════════════════════════════════════════════════════════════════════

// Result is one cached Item Store read: cards with progress for the
// due/box strategies, bare cards for practice.
type Result struct {
	DueCards []review.DueCard `json:"due_cards,omitempty"`
	Cards    []card.Card      `json:"cards,omitempty"`
}

// IsEmpty returns true when the result carries no cards at all.
func (r Result) IsEmpty() bool {
	return len(r.DueCards) == 0 && len(r.Cards) == 0
}

// Loader fetches a Result from the Item Store on a cache miss.
type Loader func(ctx context.Context) (Result, error)

// Backing is an optional second-level cache (Redis in production).
// All Backing failures are best-effort: logged, never propagated.
type Backing interface {
	Load(ctx context.Context, fp Fingerprint) (Result, bool, error)
	Store(ctx context.Context, fp Fingerprint, result Result, ttl time.Duration) error
	Remove(ctx context.Context, fp Fingerprint) error
	RemoveAll(ctx context.Context) error
}

// ══════════════════════════════════════════════════════════════════════════════
// REVIEW CACHE
// ══════════════════════════════════════════════════════════════════════════════

type entry struct {
	result   Result
	storedAt time.Time
}

// ReviewCache is a TTL-keyed cache wrapping Item Store reads. On upstream
// failure it returns stale data instead of erroring.
type ReviewCache struct {
	mu      sync.Mutex
	entries map[Fingerprint]entry

	ttl     time.Duration
	backing Backing
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures the cache.
type Option func(*ReviewCache)

// WithTTL overrides the default TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *ReviewCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBacking attaches a second-level cache.
func WithBacking(b Backing) Option {
	return func(c *ReviewCache) {
		c.backing = b
	}
}

// WithClock overrides the time source (for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *ReviewCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates an isolated ReviewCache instance.
func New(logger *slog.Logger, opts ...Option) *ReviewCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ReviewCache{
		entries: make(map[Fingerprint]entry),
		ttl:     DefaultTTL,
		logger:  logger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for fp if a non-expired entry exists.
// Otherwise it invokes the loader, stores the result, and returns it.
// If the loader fails and any entry exists - even an expired one - that
// entry is returned as a degraded-but-available fallback and the
// degradation is logged; only with no entry at all is the error propagated.
func (c *ReviewCache) Get(ctx context.Context, fp Fingerprint, loader Loader) (Result, error) {
	now := c.clock()

	c.mu.Lock()
	e, ok := c.entries[fp]
	c.mu.Unlock()

	if ok && now.Sub(e.storedAt) < c.ttl {
		return e.result, nil
	}

	// Miss or expired: consult the warm layer before hitting the store.
	if !ok && c.backing != nil {
		if warm, found, err := c.backing.Load(ctx, fp); err != nil {
			c.logger.Debug("cache backing load failed", "fingerprint", fp, "error", err)
		} else if found {
			c.store(fp, warm, now)
			return warm, nil
		}
	}

	result, err := loader(ctx)
	if err != nil {
		if ok {
			c.logger.Warn("loader failed, serving stale cache entry",
				"fingerprint", fp,
				"age", now.Sub(e.storedAt),
				"error", err,
			)
			return e.result, nil
		}
		return Result{}, err
	}

	c.store(fp, result, now)

	if c.backing != nil {
		if err := c.backing.Store(ctx, fp, result, c.ttl); err != nil {
			c.logger.Debug("cache backing store failed", "fingerprint", fp, "error", err)
		}
	}

	return result, nil
}

// Peek returns the cached entry regardless of freshness, without loading.
// Used by the composer's fallback chain.
func (c *ReviewCache) Peek(fp Fingerprint) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	return e.result, ok
}

// Invalidate evicts one fingerprint, e.g. after a write that could change
// what is due.
func (c *ReviewCache) Invalidate(ctx context.Context, fp Fingerprint) {
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.Remove(ctx, fp); err != nil {
			c.logger.Debug("cache backing remove failed", "fingerprint", fp, "error", err)
		}
	}
}

// InvalidateAll evicts every entry.
func (c *ReviewCache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[Fingerprint]entry)
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.RemoveAll(ctx); err != nil {
			c.logger.Debug("cache backing clear failed", "error", err)
		}
	}
}

// Len returns the number of entries currently held.
func (c *ReviewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ReviewCache) store(fp Fingerprint, result Result, now time.Time) {
	c.mu.Lock()
	c.entries[fp] = entry{result: result, storedAt: now}
	c.mu.Unlock()
}
