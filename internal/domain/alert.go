package domain

import (
	"strings"
	"time"
)

// AlertType identifies the rule that produced an alert.
type AlertType string

const (
	AlertFreshWallet   AlertType = "FRESH_WALLET"
	AlertStructuring   AlertType = "STRUCTURING"
	AlertUnusualSizing AlertType = "UNUSUAL_SIZING"

	// ExpressionAlertPrefix prefixes alert types of operator-defined rules.
	ExpressionAlertPrefix = "EXPRESSION:"
)

// ExpressionAlertType returns the alert type for an expression rule ID.
func ExpressionAlertType(ruleID string) AlertType {
	return AlertType(ExpressionAlertPrefix + ruleID)
}

// IsExpression reports whether the type belongs to an operator-defined rule.
func (t AlertType) IsExpression() bool {
	return strings.HasPrefix(string(t), ExpressionAlertPrefix)
}

// Severity is the operator-facing urgency of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity parses a severity case-insensitively.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// Evidence is the rule-specific data backing an alert.
type Evidence map[string]any

// AlertCandidate is what a rule emits before severity mapping and dedup.
type AlertCandidate struct {
	Type       AlertType `json:"type"`
	Confidence float64   `json:"confidence"`
	Evidence   Evidence  `json:"evidence"`
	Wallet     string    `json:"wallet"`
	Market     string    `json:"market"`
	TradeID    string    `json:"tradeId"`
	TradeTime  time.Time `json:"tradeTime"`

	// SeverityCeiling caps the mapped severity with rule-specific context
	// that the confidence score alone does not carry.
	SeverityCeiling Severity `json:"severityCeiling"`
}

// Alert is a persisted, operator-visible detection.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	Confidence  float64   `json:"confidence"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Evidence    Evidence  `json:"evidence"`
	Wallet      string    `json:"wallet"`
	Market      string    `json:"market"`
	TradeID     string    `json:"tradeId"`
	TradeTime   time.Time `json:"tradeTime"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
	Dismissed   bool      `json:"dismissed"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Severity   Severity
	Type       AlertType
	Wallet     string
	UnreadOnly bool
	Limit      int
}

// SubmitOutcome is the result of offering a candidate to the alert store.
type SubmitOutcome string

const (
	OutcomeCreated     SubmitOutcome = "created"
	OutcomeDuplicate   SubmitOutcome = "duplicate"
	OutcomeRateLimited SubmitOutcome = "rate_limited"
)
