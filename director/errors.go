package director

import "errors"

// Sentinel errors naming the taxonomy a run can fail into. Failures that
// Runtime.Start classifies itself wrap one of these via fmt.Errorf's %w, so
// callers can classify them with errors.Is regardless of the message text
// attached. Errors returned by the Executor, errors reading the projection
// store, and event-log append failures other than contract violations are
// returned without a sentinel.
var (
	// ErrContractViolation means an event failed eventlog.Validate; the
	// caller must not retry.
	ErrContractViolation = errors.New("director: event contract violation")
	// ErrProjectionInconsistency means the projection cursor could not be
	// trusted at the time a decision needed it (e.g. on an unclean restart
	// before replay catches up).
	ErrProjectionInconsistency = errors.New("director: projection inconsistency detected")
	// ErrSandboxUnavailable means the sandbox provider could not service a
	// lifecycle call within its retry budget.
	ErrSandboxUnavailable = errors.New("director: sandbox unavailable")
	// ErrVerifierFailure means a mandatory verifier reported fail.
	ErrVerifierFailure = errors.New("director: verifier failure")
	// ErrVerifierCrash means a verifier could not execute at all (as
	// opposed to reporting a fail result).
	ErrVerifierCrash = errors.New("director: verifier crashed")
	// ErrBudgetExhausted means a run budget (tokens, time, iterations, or
	// diff bytes) was crossed.
	ErrBudgetExhausted = errors.New("director: budget exhausted")
	// ErrPolicyRefused means the commit gate refused per mood strictness or
	// an inconclusive/fail attestation.
	ErrPolicyRefused = errors.New("director: commit refused by policy")
	// ErrCapabilityDenied means a lease request was denied (no budget,
	// scope conflict, or workspace already held).
	ErrCapabilityDenied = errors.New("director: capability denied")
	// ErrCancelled means the run observed a cancellation signal at a safe
	// point and discarded cooperatively.
	ErrCancelled = errors.New("director: run cancelled")
)
