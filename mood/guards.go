package mood

// guard evaluates one named rule against the current input and, if it
// fires, reports the mood it selects. Every guard is a pure function of its
// arguments: no guard reads wall-clock time, random state, or anything
// outside Input and Config.
type guard struct {
	id      string
	fn      func(Input, Config) (Name, bool)
}

// entryGuards runs once, when Current is the zero value (no mood selected
// yet for this run). Order matters: the first guard to fire wins. An
// unclean restart overrides every other entry concern since nothing about
// the work item's state can be trusted until the projection cursor is
// confirmed consistent.
var entryGuards = []guard{
	{id: "entry.unclean_restart", fn: guardUncleanRestart},
	{id: "entry.privilege_boundary", fn: guardPrivilegeBoundary},
	{id: "entry.verifier_regressions", fn: guardRepeatedVerifierRegressions},
	{id: "entry.missing_acceptance", fn: guardMissingAcceptanceOrConjectures},
}

// reactiveGuards runs on every subsequent step once a mood is already
// active. PETTY/DEFERENTIAL/CONTRITE apply regardless of Current (an
// "Any -> ..." transition), so they are checked first; CALM's own reactive guards
// only fire while CALM is in fact the current mood. This fixed precedence
// is what makes replay byte-identical: the same (snapshot, tail) always
// walks the table in the same order and stops at the same guard.
var reactiveGuards = []guard{
	{id: "reactive.unclean_restart", fn: guardUncleanRestart},
	{id: "reactive.reward_hack", fn: guardRewardHackSignature},
	{id: "reactive.missing_preference", fn: guardMissingPreference},
	{id: "reactive.calm_ambiguous", fn: guardCalmAmbiguous},
	{id: "reactive.calm_non_monotonic", fn: guardCalmNonMonotonic},
	{id: "reactive.skeptical_escalation", fn: guardSkepticalToParanoid},
	{id: "reactive.paranoid_deescalation", fn: guardParanoidToBold},
	{id: "reactive.contrite_resolved", fn: guardContriteResolved},
}

// guardPrivilegeBoundary fires when the work item's risk tier or the recent
// attestation history shows the run about to cross publish/promote/export,
// steering into PARANOID (default) or DEFERENTIAL when a user preference is
// the thing actually in question.
func guardPrivilegeBoundary(in Input, _ Config) (Name, bool) {
	if !crossesPrivilegeBoundary(in.ProjectionSnapshot.WorkItem) {
		return "", false
	}
	if requiresPreference(in.ProjectionSnapshot) {
		return DEFERENTIAL, true
	}
	return PARANOID, true
}

// guardRepeatedVerifierRegressions fires when the most recent attestations
// show a fail immediately following a prior pass for the same verifier
// type — a regression — steering into SKEPTICAL.
func guardRepeatedVerifierRegressions(in Input, _ Config) (Name, bool) {
	if hasVerifierRegression(in.ProjectionSnapshot.RecentAttests) {
		return SKEPTICAL, true
	}
	return "", false
}

// guardMissingAcceptanceOrConjectures fires when the work item has no
// acceptance demo recorded, or the projection shows no conjectures yet,
// steering into CURIOUS (exploration before commitment).
func guardMissingAcceptanceOrConjectures(in Input, _ Config) (Name, bool) {
	snap := in.ProjectionSnapshot
	if !snap.HasAcceptance || !snap.HasConjectures {
		return CURIOUS, true
	}
	return "", false
}

// guardUncleanRestart fires on a process restart without a valid projection
// cursor (CleanHandoff false), steering into CONTRITE until the projection
// is confirmed consistent.
func guardUncleanRestart(in Input, _ Config) (Name, bool) {
	if !in.CleanHandoff {
		return CONTRITE, true
	}
	return "", false
}

// guardRewardHackSignature fires on any detected reward-hack or injection
// signature in the unread tail, overriding whatever mood is active.
func guardRewardHackSignature(in Input, _ Config) (Name, bool) {
	if hasRewardHackSignature(in.UnreadEventTail) {
		return PETTY, true
	}
	return "", false
}

// guardMissingPreference fires when the unread tail shows the run about to
// take an action whose outcome depends on an unrecorded user preference.
func guardMissingPreference(in Input, _ Config) (Name, bool) {
	if missingPreferenceWouldChangeAction(in.UnreadEventTail) {
		return DEFERENTIAL, true
	}
	return "", false
}

// guardCalmAmbiguous fires only while CALM is active and the tail shows
// forward motion blocked by ambiguity, steering into CURIOUS.
func guardCalmAmbiguous(in Input, _ Config) (Name, bool) {
	if in.Current != CALM {
		return "", false
	}
	if ambiguityBlocksForwardMotion(in.UnreadEventTail) {
		return CURIOUS, true
	}
	return "", false
}

// guardCalmNonMonotonic fires only while CALM is active and the tail
// carries at least Config.NonMonotonicSignalThreshold consecutive
// non-monotonic progress signals, steering into SKEPTICAL.
func guardCalmNonMonotonic(in Input, cfg Config) (Name, bool) {
	if in.Current != CALM {
		return "", false
	}
	threshold := cfg.NonMonotonicSignalThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if consecutiveNonMonotonicSignals(in.UnreadEventTail) >= threshold {
		return SKEPTICAL, true
	}
	return "", false
}

// guardSkepticalToParanoid fires only while SKEPTICAL is active and the
// tail shows a high-severity hyperthesis or a security-surface touch.
func guardSkepticalToParanoid(in Input, _ Config) (Name, bool) {
	if in.Current != SKEPTICAL {
		return "", false
	}
	if highSeverityHyperthesisOrSecurityTouch(in.UnreadEventTail) {
		return PARANOID, true
	}
	return "", false
}

// guardParanoidToBold fires only while PARANOID is active, mitigations have
// been installed, and the relevant verifiers pass.
func guardParanoidToBold(in Input, _ Config) (Name, bool) {
	if in.Current != PARANOID {
		return "", false
	}
	if mitigationsInstalledAndVerifiersPass(in.ProjectionSnapshot) {
		return BOLD, true
	}
	return "", false
}

// guardContriteResolved fires only while CONTRITE is active: it moves back
// to the mood recorded before the restart when the projection is now
// consistent, else to CURIOUS to re-establish context from scratch.
func guardContriteResolved(in Input, _ Config) (Name, bool) {
	if in.Current != CONTRITE {
		return "", false
	}
	if !in.CleanHandoff {
		return "", false
	}
	if prior, ok := priorMoodBeforeRestart(in.ProjectionSnapshot); ok {
		return prior, true
	}
	return CURIOUS, true
}
