package domain

import "time"

// RuleStatus is the outcome of one rule for one trade.
type RuleStatus string

const (
	RuleFired    RuleStatus = "fired"
	RuleQuiet    RuleStatus = "quiet"
	RuleFailed   RuleStatus = "failed"
	RuleTimedOut RuleStatus = "timed_out"
	RuleRejected RuleStatus = "rejected" // candidate with an invalid or sub-threshold score
)

// RuleResult records how a single rule behaved during an evaluation.
type RuleResult struct {
	Rule       AlertType  `json:"rule"`
	Status     RuleStatus `json:"status"`
	Confidence float64    `json:"confidence,omitempty"`
	Error      string     `json:"error,omitempty"`
	ProcessMs  int64      `json:"processMs"`
}

// Suppression records a candidate that passed the rules but was not persisted.
type Suppression struct {
	Type    AlertType     `json:"type"`
	Outcome SubmitOutcome `json:"outcome"`
}

// Evaluation is the full record of one Analyze call.
type Evaluation struct {
	TradeID     string             `json:"tradeId"`
	Duplicate   bool               `json:"duplicate"`
	Invalid     string             `json:"invalid,omitempty"`
	RuleResults []RuleResult       `json:"ruleResults"`
	Alerts      []Alert            `json:"alerts"`
	Suppressed  []Suppression      `json:"suppressed,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Metadata    EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId"`
	LedgerMs       int64  `json:"ledgerMs"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	RulesFailed    int    `json:"rulesFailed"`
	EngineVersion  string `json:"engineVersion"`
}
