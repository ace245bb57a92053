package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func testConfig() domain.DetectionConfig {
	cfg := domain.DefaultDetectionConfig()
	cfg.RuleTimeoutMs = 50
	return cfg
}

func newFakeEngine(t *testing.T, cfg domain.DetectionConfig, led Ledger, stats StatsSource, sink AlertSink, active []rules.Rule) *Engine {
	t.Helper()
	eng, err := New(cfg, Deps{
		Ledger:   led,
		Activity: &fakeActivity{},
		Stats:    stats,
		Alerts:   sink,
		Rules:    active,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng
}

// fakeLedger always records. A zero summary means the wallet is unknown.
type fakeLedger struct {
	recordErr error
	summary   domain.WalletSummary
	records   atomic.Int64
	summaries atomic.Int64
}

func (l *fakeLedger) RecordTrade(ctx context.Context, trade *domain.Trade) (bool, error) {
	l.records.Add(1)
	if l.recordErr != nil {
		return false, l.recordErr
	}
	return true, nil
}

func (l *fakeLedger) Summary(ctx context.Context, wallet string) (domain.WalletSummary, error) {
	l.summaries.Add(1)
	if l.summary.Address == "" {
		return domain.WalletSummary{Address: wallet}, domain.ErrUnknownWallet
	}
	return l.summary, nil
}

type fakeActivity struct {
	calls atomic.Int64
}

func (a *fakeActivity) Activity(ctx context.Context, wallet, market string, from, to time.Time) (domain.WindowActivity, error) {
	a.calls.Add(1)
	return domain.WindowActivity{WindowStart: from, WindowEnd: to}, nil
}

type fakeStats struct {
	err error
}

func (s *fakeStats) StatsFor(ctx context.Context, market string, asOf time.Time) (domain.MarketStats, error) {
	if s.err != nil {
		return domain.MarketStats{}, s.err
	}
	return domain.MarketStats{Market: market}, nil
}

// recordingSink accepts every candidate.
type recordingSink struct {
	mu         sync.Mutex
	candidates []*domain.AlertCandidate
}

func (s *recordingSink) Submit(ctx context.Context, c *domain.AlertCandidate, sev domain.Severity) (domain.SubmitOutcome, *domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return domain.OutcomeCreated, &domain.Alert{
		ID:         c.TradeID + ":" + string(c.Type),
		Type:       c.Type,
		Severity:   sev,
		Confidence: c.Confidence,
		Wallet:     c.Wallet,
		Market:     c.Market,
		TradeID:    c.TradeID,
	}, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// recordingPublisher keeps every published payload per topic.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		p.payloads = make(map[string][][]byte)
	}
	p.payloads[topic] = append(p.payloads[topic], payload)
	return nil
}

func (p *recordingPublisher) topic(name string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[name]
}

// stubRule returns a fixed outcome.
type stubRule struct {
	typ        domain.AlertType
	confidence float64
	err        error
	panics     bool
	block      chan struct{}
}

func (r *stubRule) Type() domain.AlertType { return r.typ }

func (r *stubRule) Evaluate(ctx context.Context, trade *domain.Trade, snap rules.Snapshot) (*domain.AlertCandidate, error) {
	if r.panics {
		panic("rule exploded")
	}
	if r.block != nil {
		// Ignores ctx on purpose.
		<-r.block
		return nil, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.AlertCandidate{
		Type:       r.typ,
		Confidence: r.confidence,
		Wallet:     trade.Wallet,
		Market:     trade.Market,
		TradeID:    trade.ID,
		TradeTime:  trade.Timestamp,
	}, nil
}

// readingRule touches the wallet and one activity window, then stays quiet.
type readingRule struct {
	typ   domain.AlertType
	since time.Time
}

func (r *readingRule) Type() domain.AlertType { return r.typ }

func (r *readingRule) Evaluate(ctx context.Context, trade *domain.Trade, snap rules.Snapshot) (*domain.AlertCandidate, error) {
	if _, err := snap.Wallet(ctx); err != nil {
		return nil, err
	}
	if _, err := snap.Activity(ctx, r.since); err != nil {
		return nil, err
	}
	return nil, nil
}
