// Package engine runs every detection rule against each trade and turns
// the resulting candidates into alerts.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/severity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported in every evaluation.
const Version = "1.0.0"

// Ledger records trades and answers wallet summaries.
type Ledger interface {
	RecordTrade(ctx context.Context, trade *domain.Trade) (bool, error)
	Summary(ctx context.Context, wallet string) (domain.WalletSummary, error)
}

// ActivitySource summarizes a wallet's trades on one market.
type ActivitySource interface {
	Activity(ctx context.Context, wallet, market string, from, to time.Time) (domain.WindowActivity, error)
}

// StatsSource returns market baselines that end just before asOf.
type StatsSource interface {
	StatsFor(ctx context.Context, market string, asOf time.Time) (domain.MarketStats, error)
}

// AlertSink persists mapped candidates.
type AlertSink interface {
	Submit(ctx context.Context, c *domain.AlertCandidate, severity domain.Severity) (domain.SubmitOutcome, *domain.Alert, error)
}

// Publisher announces evaluated trades.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Ledger   Ledger
	Activity ActivitySource
	Stats    StatsSource
	Alerts   AlertSink

	// Events receives a TradeEvent for every recorded trade. Optional.
	Events Publisher

	// Expressions supplies operator-defined rules. Optional.
	Expressions *rules.ExpressionEngine

	// Rules overrides the built-in rule set when non-nil.
	Rules []rules.Rule
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg         domain.DetectionConfig
	ledger      Ledger
	activity    ActivitySource
	stats       StatsSource
	alerts      AlertSink
	events      Publisher
	expressions *rules.ExpressionEngine
	builtin     []rules.Rule
	mapper      *severity.Mapper
	timeout     time.Duration
	metrics     *instruments
}

// New validates cfg and wires the engine.
func New(cfg domain.DetectionConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Activity == nil || deps.Stats == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("%w: engine requires ledger, activity, stats and alert store", domain.ErrConfiguration)
	}

	mapper, err := severity.NewMapper(cfg.Bands)
	if err != nil {
		return nil, err
	}

	builtin := deps.Rules
	if builtin == nil {
		builtin = rules.Builtin(cfg)
	}

	return &Engine{
		cfg:         cfg,
		ledger:      deps.Ledger,
		activity:    deps.Activity,
		stats:       deps.Stats,
		alerts:      deps.Alerts,
		events:      deps.Events,
		expressions: deps.Expressions,
		builtin:     builtin,
		mapper:      mapper,
		timeout:     cfg.RuleTimeout(),
		metrics:     newInstruments(),
	}, nil
}

// Config returns the detection configuration the engine runs with.
func (e *Engine) Config() domain.DetectionConfig {
	return e.cfg
}

// Analyze evaluates a trade and returns the alerts it created.
func (e *Engine) Analyze(ctx context.Context, trade *domain.Trade) []domain.Alert {
	return e.Evaluate(ctx, trade).Alerts
}

// Evaluate runs the full pipeline for one trade. It never fails: invalid
// trades, store outages and rule failures are recorded on the returned
// evaluation and logged. Caller cancellation is ignored so a trade is
// never half-processed.
func (e *Engine) Evaluate(ctx context.Context, in *domain.Trade) *domain.Evaluation {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "engine.Analyze")
	defer span.End()

	eval := &domain.Evaluation{
		RuleResults: []domain.RuleResult{},
		Alerts:      []domain.Alert{},
		Timestamp:   start.UTC(),
		Metadata: domain.EvaluationMetadata{
			TraceID:       traceID(span),
			EngineVersion: Version,
		},
	}
	defer func() {
		eval.Metadata.TotalMs = time.Since(start).Milliseconds()
		e.metrics.analyzeMs.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}()

	if in == nil {
		eval.Invalid = domain.ErrInvalidTrade.Error() + ": trade is nil"
		slog.Warn("skipping invalid trade", "error", eval.Invalid)
		return eval
	}

	trade := *in
	trade.Normalize()
	eval.TradeID = trade.ID
	span.SetAttributes(
		attribute.String("trade.id", trade.ID),
		attribute.String("trade.wallet", trade.Wallet),
		attribute.String("trade.market", trade.Market),
	)

	if err := trade.Validate(); err != nil {
		eval.Invalid = err.Error()
		span.SetStatus(codes.Error, "invalid trade")
		slog.Warn("skipping invalid trade",
			"trade_id", trade.ID,
			"wallet", trade.Wallet,
			"error", err,
		)
		return eval
	}

	ledgerStart := time.Now()
	recorded, err := e.ledger.RecordTrade(ctx, &trade)
	eval.Metadata.LedgerMs = time.Since(ledgerStart).Milliseconds()
	switch {
	case err != nil:
		// Rules still run on whatever history is readable.
		span.RecordError(err)
		slog.Error("failed to record trade",
			"trade_id", trade.ID,
			"wallet", trade.Wallet,
			"error", err,
		)
	case !recorded:
		eval.Duplicate = true
		slog.Debug("duplicate trade delivery", "trade_id", trade.ID)
		return eval
	default:
		defer e.announce(ctx, &trade, eval)
	}

	e.metrics.tradesAnalyzed.Add(ctx, 1)

	active := e.rules()
	rulesStart := time.Now()
	outcomes := e.runRules(ctx, &trade, active)
	eval.Metadata.RulesMs = time.Since(rulesStart).Milliseconds()
	eval.Metadata.RulesEvaluated = len(active)

	for i, out := range outcomes {
		res := out.result
		if res.Status == domain.RuleFailed || res.Status == domain.RuleTimedOut {
			eval.Metadata.RulesFailed++
			e.metrics.ruleFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", string(res.Rule))))
		}
		if out.candidate != nil {
			res = e.submit(ctx, eval, active[i], out.candidate, res)
		}
		eval.RuleResults = append(eval.RuleResults, res)
	}

	span.SetAttributes(
		attribute.Int("alerts.created", len(eval.Alerts)),
		attribute.Int("rules.failed", eval.Metadata.RulesFailed),
	)
	if len(eval.Alerts) > 0 {
		slog.Info("trade flagged",
			"trade_id", trade.ID,
			"wallet", trade.Wallet,
			"market", trade.Market,
			"alerts", len(eval.Alerts),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return eval
}

// announce publishes the evaluated trade for live consumers. Failures are
// logged only.
func (e *Engine) announce(ctx context.Context, trade *domain.Trade, eval *domain.Evaluation) {
	if e.events == nil {
		return
	}

	payload, err := json.Marshal(domain.TradeEvent{
		Trade:   *trade,
		IsAlert: len(eval.Alerts) > 0,
		Alerts:  len(eval.Alerts),
	})
	if err != nil {
		slog.Warn("failed to encode trade event", "trade_id", trade.ID, "error", err)
		return
	}
	if err := e.events.Publish(ctx, domain.TopicTradeEvaluated, payload); err != nil {
		slog.Warn("failed to publish trade event", "trade_id", trade.ID, "error", err)
	}
}

// rules returns the built-ins followed by the currently loaded expression
// rules, so reloads take effect on the next trade.
func (e *Engine) rules() []rules.Rule {
	if e.expressions == nil {
		return e.builtin
	}
	extra := e.expressions.Rules()
	if len(extra) == 0 {
		return e.builtin
	}
	all := make([]rules.Rule, 0, len(e.builtin)+len(extra))
	all = append(all, e.builtin...)
	return append(all, extra...)
}

type ruleOutcome struct {
	result    domain.RuleResult
	candidate *domain.AlertCandidate
}

// runRules evaluates every rule concurrently against one shared snapshot
// and waits for all of them. Outcomes keep the order of active.
func (e *Engine) runRules(ctx context.Context, trade *domain.Trade, active []rules.Rule) []ruleOutcome {
	snap := newSnapshot(ctx, trade, e)
	outcomes := make([]ruleOutcome, len(active))

	var wg sync.WaitGroup
	for i, rule := range active {
		wg.Add(1)
		go func(i int, rule rules.Rule) {
			defer wg.Done()
			outcomes[i] = e.runRule(ctx, trade, rule, snap)
		}(i, rule)
	}
	wg.Wait()

	return outcomes
}

type ruleReturn struct {
	candidate *domain.AlertCandidate
	err       error
}

// runRule runs one rule under the rule timeout. Errors, panics and
// overruns are contained here and reported as the rule's status.
func (e *Engine) runRule(ctx context.Context, trade *domain.Trade, rule rules.Rule, snap rules.Snapshot) ruleOutcome {
	start := time.Now()
	ruleType := rule.Type()

	ctx, span := tracer.Start(ctx, "rule.Evaluate",
		trace.WithAttributes(attribute.String("rule", string(ruleType))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan ruleReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("rule panicked",
					"rule", ruleType,
					"trade_id", trade.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- ruleReturn{err: fmt.Errorf("%w: panic: %v", domain.ErrRuleEvaluation, r)}
			}
		}()
		c, err := rule.Evaluate(ctx, trade, snap)
		done <- ruleReturn{candidate: c, err: err}
	}()

	res := domain.RuleResult{Rule: ruleType}
	var out ruleOutcome

	select {
	case r := <-done:
		switch {
		case r.err != nil:
			res.Status = domain.RuleFailed
			if errors.Is(r.err, context.DeadlineExceeded) {
				res.Status = domain.RuleTimedOut
			}
			res.Error = r.err.Error()
		case r.candidate == nil:
			res.Status = domain.RuleQuiet
		default:
			res.Status = domain.RuleFired
			res.Confidence = r.candidate.Confidence
			out.candidate = r.candidate
		}
	case <-ctx.Done():
		res.Status = domain.RuleTimedOut
		res.Error = fmt.Sprintf("%v: exceeded %s", domain.ErrRuleEvaluation, e.timeout)
	}

	res.ProcessMs = time.Since(start).Milliseconds()
	if res.Status == domain.RuleFailed || res.Status == domain.RuleTimedOut {
		span.SetStatus(codes.Error, res.Error)
		slog.Warn("rule evaluation failed",
			"rule", ruleType,
			"trade_id", trade.ID,
			"status", res.Status,
			"error", res.Error,
		)
	}

	out.result = res
	return out
}

// submit validates, maps and stores one candidate. It returns the rule
// result, downgraded to rejected when the candidate is unusable.
func (e *Engine) submit(ctx context.Context, eval *domain.Evaluation, rule rules.Rule, c *domain.AlertCandidate, res domain.RuleResult) domain.RuleResult {
	// Rules cannot forge identity fields.
	c.Type = rule.Type()

	conf := c.Confidence
	if math.IsNaN(conf) || math.IsInf(conf, 0) || conf < 0 || conf > 1 {
		res.Status = domain.RuleRejected
		res.Confidence = 0
		res.Error = fmt.Sprintf("%v: %v", domain.ErrInvalidScore, conf)
		slog.Warn("rule produced invalid score",
			"rule", c.Type,
			"trade_id", c.TradeID,
			"confidence", conf,
		)
		return res
	}
	if conf < e.cfg.MinConfidence {
		res.Status = domain.RuleRejected
		return res
	}

	sev, err := e.mapper.Map(conf, c.SeverityCeiling)
	if err != nil {
		res.Status = domain.RuleRejected
		res.Error = err.Error()
		slog.Warn("failed to map severity",
			"rule", c.Type,
			"trade_id", c.TradeID,
			"error", err,
		)
		return res
	}

	outcome, alert, err := e.alerts.Submit(ctx, c, sev)
	if err != nil {
		res.Error = err.Error()
		slog.Error("failed to submit alert",
			"rule", c.Type,
			"trade_id", c.TradeID,
			"wallet", c.Wallet,
			"error", err,
		)
		return res
	}

	switch outcome {
	case domain.OutcomeCreated:
		eval.Alerts = append(eval.Alerts, *alert)
		e.metrics.alertsCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(alert.Type)),
			attribute.String("severity", string(alert.Severity)),
		))
	default:
		eval.Suppressed = append(eval.Suppressed, domain.Suppression{Type: c.Type, Outcome: outcome})
		e.metrics.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	return res
}

func traceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}
