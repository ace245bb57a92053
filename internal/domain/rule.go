package domain

import "time"

// RuleConfig is an operator-authored expression rule as stored in
// rule_configs. Expression is CEL and must evaluate to a double confidence
// in [0,1] or a bool (true means 1.0). Alerts it raises have type
// ExpressionAlertType(ID) and never exceed SeverityCeiling (HIGH when empty).
type RuleConfig struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Version         string    `json:"version"`
	Expression      string    `json:"expression"`
	SeverityCeiling Severity  `json:"severityCeiling"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}
