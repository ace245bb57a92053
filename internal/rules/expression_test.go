package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestExpressionEngineCreation(t *testing.T) {
	engine, err := NewExpressionEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewExpressionEngine()

	rule := &domain.RuleConfig{
		ID:         "big-yes",
		Name:       "Big YES buy",
		Expression: `side == "BUY" && outcome == "YES" && value_usd > 25000.0`,
		Enabled:    true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewExpressionEngine()

	cases := []*domain.RuleConfig{
		{ID: "syntax", Expression: "this is not valid CEL !!!"},
		{ID: "string-result", Expression: `"HIGH"`},
		{ID: "unknown-var", Expression: "amount > 1.0"},
		{ID: "bad-ceiling", Expression: "true", SeverityCeiling: "URGENT"},
		{Expression: "true"},
	}
	for _, rule := range cases {
		if err := engine.LoadRule(rule); err == nil {
			t.Errorf("rule %q: expected compile error", rule.ID)
		}
	}
	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not load, got %d", engine.RulesCount())
	}
}

func TestExpressionEvaluate(t *testing.T) {
	engine, _ := NewExpressionEngine()
	ctx := context.Background()

	engine.LoadRule(&domain.RuleConfig{
		ID:              "young-and-big",
		Name:            "Young wallet outsized vs market",
		Version:         "1.0.0",
		Expression:      `wallet_age_hours < 24.0 && market_samples >= 10 && value_usd > 5.0 * market_mean_size ? 0.75 : 0.0`,
		SeverityCeiling: domain.SeverityMedium,
		Enabled:         true,
	})

	rules := engine.Rules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.Type() != "EXPRESSION:young-and-big" {
		t.Errorf("unexpected type %s", rule.Type())
	}

	snap := &fakeSnapshot{
		wallet: walletAged(2*time.Hour, 3),
		stats:  domain.MarketStats{MeanSize: 100, SampleCount: 40},
	}

	t.Run("Match", func(t *testing.T) {
		c, err := rule.Evaluate(ctx, tradeOf(900), snap)
		if err != nil || c == nil {
			t.Fatalf("expected candidate, got %v, %v", c, err)
		}
		if c.Confidence != 0.75 || c.SeverityCeiling != domain.SeverityMedium {
			t.Errorf("unexpected candidate: %+v", c)
		}
		if c.Evidence["rule_id"] != "young-and-big" {
			t.Errorf("unexpected evidence: %v", c.Evidence)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		c, err := rule.Evaluate(ctx, tradeOf(200), snap)
		if err != nil || c != nil {
			t.Errorf("expected no candidate, got %v, %v", c, err)
		}
	})

	t.Run("MarketLookupFails", func(t *testing.T) {
		broken := &fakeSnapshot{wallet: snap.wallet, statsErr: domain.ErrTransientStore}
		_, err := rule.Evaluate(ctx, tradeOf(900), broken)
		if !errors.Is(err, domain.ErrTransientStore) {
			t.Errorf("expected store error, got %v", err)
		}
	})
}

func TestExpressionBoolResult(t *testing.T) {
	engine, _ := NewExpressionEngine()
	engine.LoadRule(&domain.RuleConfig{ID: "whale", Expression: "value_usd >= 100000.0", Enabled: true})
	rule := engine.Rules()[0]

	// Trade-only expressions never touch the snapshot.
	snap := &fakeSnapshot{walletErr: errors.New("unused"), statsErr: errors.New("unused")}

	c, err := rule.Evaluate(context.Background(), tradeOf(100000), snap)
	if err != nil || c == nil {
		t.Fatalf("expected candidate, got %v, %v", c, err)
	}
	if c.Confidence != 1.0 || c.SeverityCeiling != domain.SeverityHigh {
		t.Errorf("expected confidence 1 with default ceiling, got %+v", c)
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewExpressionEngine()
	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "true", Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "a", Expression: "price > 0.9", Enabled: true},
		{ID: "b", Expression: "size > 1000.0", Enabled: false},
		{ID: "c", Expression: "wallet_total_trades == 1", Enabled: true},
	})
	if err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].ID != "c" {
		t.Errorf("unexpected loaded rules: %+v", loaded)
	}

	// A bad batch leaves the current set in place.
	err = engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "(((", Enabled: true}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected previous rules kept, got %d", engine.RulesCount())
	}
}
