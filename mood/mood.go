// Package mood implements Director's deterministic mood state machine: a
// pure function of (projection snapshot, unread event tail, config version)
// that selects the active mood and its capability profile, and decides
// admissible transitions one event at a time. Moods are represented as
// immutable configuration structs rather than a class hierarchy; transitions
// are produced by a fixed-order guard table (guards.go) rather than method
// overrides, following the struct-plus-strategy-table shape used for the
// turn-level policy.Engine this package generalizes.
package mood

import (
	"time"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

// Name identifies one of the eight moods Director can be in.
type Name string

// The fixed v0 mood set.
const (
	CALM        Name = "CALM"
	CURIOUS     Name = "CURIOUS"
	SKEPTICAL   Name = "SKEPTICAL"
	PARANOID    Name = "PARANOID"
	BOLD        Name = "BOLD"
	CONTRITE    Name = "CONTRITE"
	PETTY       Name = "PETTY"
	DEFERENTIAL Name = "DEFERENTIAL"
)

// valid reports whether n is one of the fixed v0 moods.
func (n Name) valid() bool {
	switch n {
	case CALM, CURIOUS, SKEPTICAL, PARANOID, BOLD, CONTRITE, PETTY, DEFERENTIAL:
		return true
	default:
		return false
	}
}

type (
	// BudgetCaps bounds what a run in this mood may spend before the
	// orchestrator forces a stop.
	BudgetCaps struct {
		Tokens     int64
		TimeMS     int64
		Iterations int
		DiffBytes  int64
	}

	// StopRule names a condition that forces a run out of the current mood
	// regardless of other guards (e.g. "budget_exhausted", "max_iterations").
	StopRule string

	// Profile is the capability envelope bound to one mood: which tools may
	// be invoked, what data the run may read, which model tier serves it,
	// how strict the verifier gate is, and what it may spend before a forced
	// stop. Profiles are loaded from a versioned director.yaml section and
	// never mutated at runtime — a mood transition swaps the active Profile
	// wholesale, it never edits one in place.
	Profile struct {
		Mood               Name
		ToolAllowlist      []string
		DataScope          []string
		ModelTier          string
		VerifierStrictness VerifierStrictness
		Budgets            BudgetCaps
		StopRules          []StopRule
		Sandbox            SandboxLimits
	}

	// SandboxLimits is the per-mood resource and egress envelope a run's
	// sandbox.Policy is derived from.
	SandboxLimits struct {
		Egress          string // "deny", "allowlist", "open" — mirrors sandbox.EgressMode values
		EgressAllowlist []string
		ReadPaths       []string
		WritePaths      []string
		ExecPermitted   bool
		CPULimitMillis  int64
		MemLimitBytes   int64
		WallTimeBudget  time.Duration
	}

	// VerifierStrictness controls whether an inconclusive verifier result
	// blocks commit in this mood.
	VerifierStrictness struct {
		// BlockOnInconclusive, when true, treats an inconclusive attestation
		// the same as a failure for commit-gating purposes. A fail result
		// always blocks regardless of this setting.
		BlockOnInconclusive bool
		// MinCoverage lists the verifier types this mood's config asks for
		// (empty means the full allowlist, i.e. BOLD's broadened scope). It is
		// loaded from config but plan selection does not read it:
		// verifier/planner selects by mood name from its own Coverages table.
		MinCoverage []string
		// RequireIndependentRerun mirrors the config flag of the same name;
		// like MinCoverage it is not read by verifier/planner, which takes it
		// from its Coverages table.
		RequireIndependentRerun bool
	}

	// Config is the full set of versioned mood profiles plus the
	// reactive-guard thresholds that parameterize guard evaluation. Loaded
	// from director.yaml by package config and passed to Engine unchanged
	// for the life of a process; a new process picks up config changes only
	// by restarting, which is itself routed through the CONTRITE guard.
	Config struct {
		Version                        string
		Profiles                       map[Name]Profile
		NonMonotonicSignalThreshold    int
		VerifierRegressionHistoryDepth int
	}
)

// Snapshot is the read-only projection state guards evaluate against: the
// AHDB control-state vector plus whatever work-item/run context the caller
// has already resolved for the run in question.
type Snapshot struct {
	AHDB           projection.AHDBState
	WorkItem       projection.WorkItem
	Run            projection.Run
	RecentAttests  []projection.Attestation // most recent first, bounded by caller
	HasAcceptance  bool
	HasConjectures bool
}

// EventTail is the slice of events appended since the last mood decision,
// ordered oldest-first. Reactive guards consult it to detect signals like
// non-monotonic progress or a reward-hack signature; it is never mutated.
type EventTail []*eventlog.Event

// Input groups everything Engine.Decide needs to select a mood or evaluate a
// transition. ProjectionSnapshot and UnreadEventTail make mood selection a
// pure function of (snapshot, tail, config_version), so replaying the same
// inputs against the same Config always yields the same Decision.
type Input struct {
	Current            Name // zero value means "no mood yet selected" (entry guards only)
	ProjectionSnapshot Snapshot
	UnreadEventTail     EventTail
	CleanHandoff        bool // false on process restart without a valid projection cursor
}

// Decision is the outcome of one mood evaluation: the selected mood, its
// profile, and — when a transition occurred — the guard that fired.
type Decision struct {
	SelectedMood Name
	Profile      Profile
	Transitioned bool
	GuardID      string
	DecidedAt    time.Time
}

// StatusEvent builds the note.status payload a Decision is recorded as, so a
// transition can be replayed purely from the event log.
func StatusEvent(from, to Name, guardID string) map[string]any {
	return map[string]any{
		"from":     string(from),
		"to":       string(to),
		"guard_id": guardID,
	}
}
