package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionEngine compiles and holds operator-defined CEL rules.
type ExpressionEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*ExpressionRule
}

// ExpressionRule is a compiled CEL rule. It implements Rule.
type ExpressionRule struct {
	Config  *domain.RuleConfig
	program cel.Program

	needsWallet bool
	needsMarket bool
}

// NewExpressionEngine creates the CEL environment with the trade, wallet and
// market variables an expression may reference.
func NewExpressionEngine() (*ExpressionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("value_usd", cel.DoubleType),
		cel.Variable("size", cel.DoubleType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("side", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("wallet_age_hours", cel.DoubleType),
		cel.Variable("wallet_total_trades", cel.IntType),
		cel.Variable("wallet_volume_usd", cel.DoubleType),
		cel.Variable("market_mean_size", cel.DoubleType),
		cel.Variable("market_stddev_size", cel.DoubleType),
		cel.Variable("market_samples", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ExpressionEngine{
		env:      env,
		compiled: make(map[string]*ExpressionRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *ExpressionEngine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compile(cfg)
	return err
}

// LoadRule compiles and adds or replaces one rule.
func (e *ExpressionEngine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules replaces the loaded set. Disabled configs are skipped. On a
// compile error the previous set stays loaded.
func (e *ExpressionEngine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make(map[string]*ExpressionRule, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Rules returns the loaded rules ordered by ID.
func (e *ExpressionEngine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.compiled))
	for id := range e.compiled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.compiled[id])
	}
	return out
}

// GetLoadedRules returns the configurations of the loaded rules.
func (e *ExpressionEngine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.Rules()
	out := make([]*domain.RuleConfig, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.(*ExpressionRule).Config)
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *ExpressionEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

func (e *ExpressionEngine) compile(cfg *domain.RuleConfig) (*ExpressionRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrConfiguration)
	}
	if cfg.SeverityCeiling != "" && !cfg.SeverityCeiling.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown severity ceiling %q", domain.ErrConfiguration, cfg.ID, cfg.SeverityCeiling)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &ExpressionRule{
		Config:      cfg,
		program:     program,
		needsWallet: strings.Contains(cfg.Expression, "wallet_"),
		needsMarket: strings.Contains(cfg.Expression, "market_"),
	}, nil
}

func (r *ExpressionRule) Type() domain.AlertType {
	return domain.ExpressionAlertType(r.Config.ID)
}

// Evaluate runs the expression. A result of zero or less means no match.
func (r *ExpressionRule) Evaluate(ctx context.Context, trade *domain.Trade, snap Snapshot) (*domain.AlertCandidate, error) {
	activation := map[string]any{
		"value_usd":           trade.ValueUSD,
		"size":                trade.Size,
		"price":               trade.Price,
		"side":                string(trade.Side),
		"outcome":             trade.Outcome,
		"wallet_age_hours":    0.0,
		"wallet_total_trades": int64(1),
		"wallet_volume_usd":   trade.ValueUSD,
		"market_mean_size":    0.0,
		"market_stddev_size":  0.0,
		"market_samples":      int64(0),
	}

	if r.needsWallet {
		w, err := snap.Wallet(ctx)
		switch {
		case errors.Is(err, domain.ErrUnknownWallet):
		case err != nil:
			return nil, fmt.Errorf("wallet lookup: %w", err)
		default:
			activation["wallet_age_hours"] = w.AgeAt(trade.Timestamp).Hours()
			activation["wallet_total_trades"] = w.TotalTrades
			activation["wallet_volume_usd"] = w.TotalVolumeUSD
		}
	}
	if r.needsMarket {
		stats, err := snap.MarketStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("market stats: %w", err)
		}
		activation["market_mean_size"] = stats.MeanSize
		activation["market_stddev_size"] = stats.StddevSize
		activation["market_samples"] = stats.SampleCount
	}

	out, _, err := r.program.ContextEval(ctx, activation)
	if err != nil {
		return nil, fmt.Errorf("rule %s: evaluation error: %w", r.Config.ID, err)
	}

	score := toScore(out)
	if score <= 0 {
		return nil, nil
	}

	ceiling := r.Config.SeverityCeiling
	if ceiling == "" {
		ceiling = domain.SeverityHigh
	}

	// Out-of-range scores are passed through for the engine to reject.
	return newCandidate(r.Type(), trade, score, ceiling, domain.Evidence{
		"rule_id":         r.Config.ID,
		"rule_name":       r.Config.Name,
		"rule_version":    r.Config.Version,
		"expression":      r.Config.Expression,
		"trade_value_usd": round2(trade.ValueUSD),
	}), nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
