// Package marketstats serves rolling per-market trade-size baselines.
//
// A baseline covers the window of trade event time that ends just before
// the trade being judged. Baselines are cached through domain.Cache with a
// TTL. A miss or stale entry triggers one recomputation per market no
// matter how many callers ask at once; the others wait for and share that
// result.
package marketstats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Source computes a baseline over [from, to).
type Source interface {
	MarketTradeStats(ctx context.Context, market string, from, to time.Time) (*domain.MarketStats, error)
}

// Service caches market baselines.
type Service struct {
	src    Source
	cache  domain.Cache
	ttl    time.Duration
	window time.Duration
	now    func() time.Time

	group      singleflight.Group
	recomputes atomic.Int64
}

// New creates a market statistics service.
func New(src Source, cache domain.Cache, ttl, window time.Duration) *Service {
	return &Service{
		src:    src,
		cache:  cache,
		ttl:    ttl,
		window: window,
		now:    time.Now,
	}
}

func cacheKey(market string) string {
	return "stats:" + market
}

// StatsFor returns the baseline for market over [asOf-window, asOf), so a
// trade judged at asOf is never part of its own baseline. A cached baseline
// serves asOf when it ends at or before asOf, no more than the TTL earlier,
// and was computed within the TTL of wall-clock now. Cancelling ctx
// abandons only this caller's wait; an in-flight recomputation still
// completes and is cached.
func (s *Service) StatsFor(ctx context.Context, market string, asOf time.Time) (domain.MarketStats, error) {
	asOf = asOf.UTC()
	if stats, ok := s.lookup(ctx, market); ok && s.serves(stats, asOf) {
		return stats, nil
	}

	ch := s.group.DoChan(market, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), market, asOf)
	})

	var stats domain.MarketStats
	select {
	case <-ctx.Done():
		return domain.MarketStats{}, fmt.Errorf("%w: waiting for stats of %s: %v", domain.ErrTransientStore, market, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.MarketStats{}, res.Err
		}
		stats = res.Val.(domain.MarketStats)
	}

	// A shared flight may have been anchored for a different trade.
	if !s.serves(stats, asOf) {
		return s.compute(ctx, market, asOf)
	}
	return stats, nil
}

// Latest computes the baseline ending now. It bypasses the cache, whose
// entries are anchored on the event time of trades under evaluation.
func (s *Service) Latest(ctx context.Context, market string) (domain.MarketStats, error) {
	return s.compute(ctx, market, s.now().UTC())
}

// Recomputes returns how many times a baseline was computed from the store.
func (s *Service) Recomputes() int64 {
	return s.recomputes.Load()
}

// Invalidate drops the cached baseline for market.
func (s *Service) Invalidate(ctx context.Context, market string) error {
	return s.cache.Delete(ctx, cacheKey(market))
}

func (s *Service) serves(stats domain.MarketStats, asOf time.Time) bool {
	return !stats.AsOf.After(asOf) && asOf.Sub(stats.AsOf) <= s.ttl
}

// lookup returns the cached baseline if it was computed within the TTL.
func (s *Service) lookup(ctx context.Context, market string) (domain.MarketStats, bool) {
	data, err := s.cache.Get(ctx, cacheKey(market))
	if err != nil {
		slog.Debug("market stats cache read failed", "market", market, "error", err)
		return domain.MarketStats{}, false
	}
	if data == nil {
		return domain.MarketStats{}, false
	}

	var stats domain.MarketStats
	if err := json.Unmarshal(data, &stats); err != nil {
		slog.Warn("discarding corrupt market stats entry", "market", market, "error", err)
		return domain.MarketStats{}, false
	}
	if s.now().Sub(stats.ComputedAt) > s.ttl {
		return domain.MarketStats{}, false
	}
	return stats, true
}

// refresh runs inside the flight. It re-reads the cache first so callers
// that missed just before a previous flight landed do not recompute. A late
// trade gets its own baseline without displacing the newer cached one.
func (s *Service) refresh(ctx context.Context, market string, asOf time.Time) (domain.MarketStats, error) {
	cached, ok := s.lookup(ctx, market)
	if ok && s.serves(cached, asOf) {
		return cached, nil
	}

	stats, err := s.compute(ctx, market, asOf)
	if err != nil {
		return domain.MarketStats{}, err
	}
	if ok && cached.AsOf.After(asOf) {
		return stats, nil
	}

	data, err := json.Marshal(stats)
	if err == nil {
		err = s.cache.Set(ctx, cacheKey(market), data, s.ttl)
	}
	if err != nil {
		slog.Warn("failed to cache market stats", "market", market, "error", err)
	}
	return stats, nil
}

func (s *Service) compute(ctx context.Context, market string, asOf time.Time) (domain.MarketStats, error) {
	computed, err := s.src.MarketTradeStats(ctx, market, asOf.Add(-s.window), asOf)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("%w: compute stats for %s: %v", domain.ErrTransientStore, market, err)
	}
	s.recomputes.Add(1)

	stats := *computed
	stats.Market = market
	stats.AsOf = asOf
	stats.ComputedAt = s.now().UTC()

	slog.Debug("market stats recomputed",
		"market", market,
		"as_of", asOf,
		"samples", stats.SampleCount,
		"mean", stats.MeanSize,
	)
	return stats, nil
}
