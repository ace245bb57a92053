package engine

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// lazy fetches a value at most once and lets each caller stop waiting on
// its own context. The fetch runs on the snapshot's context, so one rule
// timing out does not poison the value for its siblings.
type lazy[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func (l *lazy[T]) get(ctx context.Context, fetch func() (T, error)) (T, error) {
	l.once.Do(func() {
		l.done = make(chan struct{})
		go func() {
			defer close(l.done)
			l.val, l.err = fetch()
		}()
	})

	select {
	case <-l.done:
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// snapshot implements rules.Snapshot for one trade.
type snapshot struct {
	ctx   context.Context
	trade *domain.Trade
	deps  *Engine

	wallet lazy[domain.WalletSummary]
	stats  lazy[domain.MarketStats]

	mu       sync.Mutex
	activity map[int64]*lazy[domain.WindowActivity]
}

func newSnapshot(ctx context.Context, trade *domain.Trade, e *Engine) *snapshot {
	return &snapshot{
		ctx:      ctx,
		trade:    trade,
		deps:     e,
		activity: make(map[int64]*lazy[domain.WindowActivity]),
	}
}

func (s *snapshot) Wallet(ctx context.Context) (domain.WalletSummary, error) {
	return s.wallet.get(ctx, func() (domain.WalletSummary, error) {
		return s.deps.ledger.Summary(s.ctx, s.trade.Wallet)
	})
}

func (s *snapshot) Activity(ctx context.Context, since time.Time) (domain.WindowActivity, error) {
	s.mu.Lock()
	l, ok := s.activity[since.UnixNano()]
	if !ok {
		l = &lazy[domain.WindowActivity]{}
		s.activity[since.UnixNano()] = l
	}
	s.mu.Unlock()

	return l.get(ctx, func() (domain.WindowActivity, error) {
		return s.deps.activity.Activity(s.ctx, s.trade.Wallet, s.trade.Market, since, s.trade.Timestamp)
	})
}

func (s *snapshot) MarketStats(ctx context.Context) (domain.MarketStats, error) {
	return s.stats.get(ctx, func() (domain.MarketStats, error) {
		return s.deps.stats.StatsFor(s.ctx, s.trade.Market, s.trade.Timestamp)
	})
}
