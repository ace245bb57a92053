package domain

import "errors"

// Error taxonomy shared across packages. Wrap with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	// ErrUnknownWallet is returned when a wallet has never been recorded.
	ErrUnknownWallet = errors.New("unknown wallet")

	// ErrTransientStore marks a ledger, cache or alert-store failure that
	// may succeed on retry.
	ErrTransientStore = errors.New("transient store failure")

	// ErrRuleEvaluation marks a rule that failed, panicked or timed out.
	ErrRuleEvaluation = errors.New("rule evaluation failed")

	// ErrConfiguration marks an invalid configuration. Fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidScore marks a confidence that is non-finite or outside [0, 1].
	ErrInvalidScore = errors.New("invalid score")

	// ErrInvalidTrade marks a trade that fails schema checks.
	ErrInvalidTrade = errors.New("invalid trade")
)
