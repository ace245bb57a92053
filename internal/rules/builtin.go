package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Builtin returns the built-in detectors configured from cfg.
func Builtin(cfg domain.DetectionConfig) []Rule {
	return []Rule{
		NewFreshWallet(cfg),
		NewStructuring(cfg),
		NewUnusualSizing(cfg),
	}
}
