// Package planner implements the deterministic verifier-plan selection
// algorithm: filter by mood coverage rule, resolve targets by touched-path
// globs, order by priority then lexicographic ID, and derive a stable plan
// ID. Every step is a pure function over sorted slices so the same inputs
// always produce the same plan.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"

	"github.com/choiros/director/verifier"
)

// Coverage is a mood's minimum verifier-type coverage rule.
type Coverage struct {
	// Types restricts selection to these verifier types. Empty means no
	// type restriction (BOLD's broadened scope keeps whatever the allowlist
	// offers).
	Types []string
	// RequireIndependentRerun requests that declared-independent verifiers
	// also get included even if Types would otherwise exclude them
	// (PARANOID's "full suite + security gates + independent re-run").
	RequireIndependentRerun bool
}

// Coverage rules per mood name. Mood names are plain strings here (not
// package mood's type) to avoid a dependency cycle.
var Coverages = map[string]Coverage{
	"CALM":      {Types: []string{"lint", "type_check"}},
	"CURIOUS":   {Types: []string{"type_check"}},
	"SKEPTICAL": {Types: []string{"lint", "type_check", "unit_test", "integration_test"}},
	"PARANOID":  {Types: []string{"lint", "type_check", "unit_test", "integration_test", "security_scan"}, RequireIndependentRerun: true},
	"BOLD":      {}, // broadened scope: no type filter, see SelectPlan
}

// SelectPlan runs a four-step deterministic selection algorithm:
//  1. start from allowlist
//  2. filter by mood coverage
//  3. resolve targets by touched_paths -> path_globs
//  4. order by priority then lexicographic ID, and hash the ordered IDs for
//     a stable plan ID.
func SelectPlan(mood string, touchedPaths []string, riskTier string, allowlist []verifier.AllowlistEntry) verifier.Plan {
	coverage, ok := Coverages[mood]
	if !ok {
		coverage = Coverage{} // unknown mood: no filtering, fail open on coverage, not on safety
	}

	filtered := filterByCoverage(allowlist, coverage)
	resolved := filterByTouchedPaths(filtered, touchedPaths)
	ordered := orderDeterministically(resolved)

	return verifier.Plan{
		PlanID:  planID(ordered),
		Entries: ordered,
	}
}

func filterByCoverage(entries []verifier.AllowlistEntry, coverage Coverage) []verifier.AllowlistEntry {
	if len(coverage.Types) == 0 {
		return entries // BOLD, or an unrecognized mood: no type restriction
	}
	allowed := make(map[string]struct{}, len(coverage.Types))
	for _, t := range coverage.Types {
		allowed[t] = struct{}{}
	}
	var out []verifier.AllowlistEntry
	for _, e := range entries {
		_, typeAllowed := allowed[e.Type]
		if typeAllowed || (coverage.RequireIndependentRerun && e.DeclaredIndependent) {
			out = append(out, e)
		}
	}
	return out
}

func filterByTouchedPaths(entries []verifier.AllowlistEntry, touchedPaths []string) []verifier.AllowlistEntry {
	if len(touchedPaths) == 0 {
		return entries
	}
	var out []verifier.AllowlistEntry
	for _, e := range entries {
		if len(e.PathGlobs) == 0 || matchesAny(e.PathGlobs, touchedPaths) {
			out = append(out, e)
		}
	}
	return out
}

func matchesAny(globs, paths []string) bool {
	for _, g := range globs {
		for _, p := range paths {
			if ok, _ := filepath.Match(g, p); ok {
				return true
			}
		}
	}
	return false
}

func orderDeterministically(entries []verifier.AllowlistEntry) []verifier.AllowlistEntry {
	ordered := append([]verifier.AllowlistEntry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

func planID(entries []verifier.AllowlistEntry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, "\x1f")))
	return "sha256:" + hex.EncodeToString(sum[:])
}
