package mood

import (
	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

// Risk tiers that count as crossing a privilege boundary.
var privilegeBoundaryActions = map[string]struct{}{
	"publish": {},
	"promote": {},
	"export":  {},
}

func crossesPrivilegeBoundary(wi projection.WorkItem) bool {
	_, ok := privilegeBoundaryActions[wi.RiskTier]
	return ok
}

// requiresPreference reports whether the privilege-boundary action the work
// item is about to take depends on a user preference Director has no record
// of, in which case DEFERENTIAL (ask) outranks PARANOID (proceed carefully).
func requiresPreference(snap Snapshot) bool {
	for _, h := range snap.AHDB.Hypothesize {
		if h == "missing_user_preference" {
			return true
		}
	}
	return false
}

// hasVerifierRegression reports whether the most recent attestation for a
// verifier type is a fail immediately following a pass for that same type,
// scanning RecentAttests newest-first as the caller is expected to provide
// them.
func hasVerifierRegression(recent []projection.Attestation) bool {
	newest := make(map[string]projection.AttestationResult)
	for _, a := range recent {
		prev, seen := newest[a.VerifierType]
		if !seen {
			newest[a.VerifierType] = a.Result
			continue
		}
		if prev == projection.ResultFail && a.Result == projection.ResultPass {
			return true
		}
		// Only the two newest results per type matter.
		newest[a.VerifierType] = ""
	}
	return false
}

func eventTypeIs(e *eventlog.Event, t string) bool {
	return eventlog.Normalize(e.Type) == t
}

// hasRewardHackSignature scans the tail for a note.observation or
// note.hyperthesis event flagged with a reward-hack or prompt-injection signature.
func hasRewardHackSignature(tail EventTail) bool {
	for _, e := range tail {
		if !eventTypeIs(e, eventlog.TypeNoteObservation) && !eventTypeIs(e, eventlog.TypeNoteHyperthesis) {
			continue
		}
		if sig, _ := e.Payload["signature"].(string); sig == "reward_hack" || sig == "prompt_injection" {
			return true
		}
	}
	return false
}

// missingPreferenceWouldChangeAction scans the tail for a note.request.help
// event that names a missing preference as blocking.
func missingPreferenceWouldChangeAction(tail EventTail) bool {
	for _, e := range tail {
		if !eventTypeIs(e, eventlog.TypeNoteRequestHelp) {
			continue
		}
		if kind, _ := e.Payload["kind"].(string); kind == "missing_preference" {
			return true
		}
	}
	return false
}

// ambiguityBlocksForwardMotion scans the tail for a note.request.help event
// with kind "ambiguity".
func ambiguityBlocksForwardMotion(tail EventTail) bool {
	for _, e := range tail {
		if !eventTypeIs(e, eventlog.TypeNoteRequestHelp) {
			continue
		}
		if kind, _ := e.Payload["kind"].(string); kind == "ambiguity" {
			return true
		}
	}
	return false
}

// consecutiveNonMonotonicSignals counts the longest streak of
// note.observation events at the tail's end that carry
// progress_monotonic=false.
func consecutiveNonMonotonicSignals(tail EventTail) int {
	streak := 0
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		if !eventTypeIs(e, eventlog.TypeNoteObservation) {
			break
		}
		monotonic, ok := e.Payload["progress_monotonic"].(bool)
		if !ok || monotonic {
			break
		}
		streak++
	}
	return streak
}

// highSeverityHyperthesisOrSecurityTouch scans the tail for a high-severity
// note.hyperthesis, or any receipt touching a path under a security-surface
// prefix.
func highSeverityHyperthesisOrSecurityTouch(tail EventTail) bool {
	for _, e := range tail {
		if eventTypeIs(e, eventlog.TypeNoteHyperthesis) {
			if sev, _ := e.Payload["severity"].(string); sev == "high" {
				return true
			}
		}
		if eventTypeIs(e, eventlog.TypeReceiptPatch) {
			if touchesSecuritySurface(e.Payload["path"]) {
				return true
			}
		}
	}
	return false
}

var securitySurfacePrefixes = []string{"auth/", "security/", "iam/", "secrets/"}

func touchesSecuritySurface(v any) bool {
	path, _ := v.(string)
	if path == "" {
		return false
	}
	for _, prefix := range securitySurfacePrefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// mitigationsInstalledAndVerifiersPass reports whether the work item's
// required verifiers all have a passing attestation as the most recent
// result.
func mitigationsInstalledAndVerifiersPass(snap Snapshot) bool {
	if len(snap.WorkItem.RequiredVerifiers) == 0 {
		return false
	}
	latest := make(map[string]projection.AttestationResult)
	for i := len(snap.RecentAttests) - 1; i >= 0; i-- {
		a := snap.RecentAttests[i]
		latest[a.VerifierType] = a.Result
	}
	for _, required := range snap.WorkItem.RequiredVerifiers {
		if latest[required] != projection.ResultPass {
			return false
		}
	}
	return true
}

// priorMoodBeforeRestart recovers the mood active before an unclean
// restart from the projected run row, so CONTRITE can resolve back to it
// instead of falling through to CURIOUS.
func priorMoodBeforeRestart(snap Snapshot) (Name, bool) {
	if snap.Run.Mood == "" {
		return "", false
	}
	n := Name(snap.Run.Mood)
	if !n.valid() {
		return "", false
	}
	return n, true
}
