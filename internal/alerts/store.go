// Package alerts deduplicates, rate-limits, persists and announces alerts.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store turns mapped candidates into persisted alerts.
type Store struct {
	repo domain.Repository
	gate Gate
	bus  domain.EventBus
	now  func() time.Time
}

// NewStore creates an alert store. bus may be nil, in which case alerts
// are persisted but not announced.
func NewStore(repo domain.Repository, gate Gate, bus domain.EventBus) *Store {
	return &Store{
		repo: repo,
		gate: gate,
		bus:  bus,
		now:  time.Now,
	}
}

// Submit offers a candidate with its mapped severity. Created alerts are
// durable before Submit returns. Rejected candidates are dropped.
func (s *Store) Submit(ctx context.Context, c *domain.AlertCandidate, severity domain.Severity) (domain.SubmitOutcome, *domain.Alert, error) {
	exists, err := s.repo.AlertExists(ctx, c.TradeID, c.Type)
	if err != nil {
		return "", nil, fmt.Errorf("%w: dedup lookup: %v", domain.ErrTransientStore, err)
	}
	if exists {
		return domain.OutcomeDuplicate, nil, nil
	}

	release, ok, err := s.gate.Reserve(ctx, c)
	if err != nil {
		return "", nil, fmt.Errorf("%w: rate gate: %v", domain.ErrTransientStore, err)
	}
	if !ok {
		slog.Debug("alert rate limited",
			"trade_id", c.TradeID,
			"wallet", c.Wallet,
			"rule", c.Type,
		)
		return domain.OutcomeRateLimited, nil, nil
	}

	title, description := compose(c)
	alert := &domain.Alert{
		ID:          uuid.New().String(),
		Type:        c.Type,
		Severity:    severity,
		Confidence:  c.Confidence,
		Title:       title,
		Description: description,
		Evidence:    c.Evidence,
		Wallet:      c.Wallet,
		Market:      c.Market,
		TradeID:     c.TradeID,
		TradeTime:   c.TradeTime,
		CreatedAt:   s.now().UTC(),
	}

	inserted, err := s.repo.SaveAlert(ctx, alert)
	if err != nil {
		release()
		return "", nil, fmt.Errorf("%w: save alert: %v", domain.ErrTransientStore, err)
	}
	if !inserted {
		// Lost a race with a concurrent submit for the same key.
		release()
		return domain.OutcomeDuplicate, nil, nil
	}

	s.notify(ctx, alert)
	return domain.OutcomeCreated, alert, nil
}

// notify publishes the alert on the bus. Failures are logged only; the
// alert is already durable.
func (s *Store) notify(ctx context.Context, alert *domain.Alert) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Warn("failed to encode alert", "alert_id", alert.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		slog.Warn("failed to publish alert",
			"alert_id", alert.ID,
			"trade_id", alert.TradeID,
			"error", err,
		)
	}
}
