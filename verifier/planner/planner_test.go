package planner_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/verifier"
	"github.com/choiros/director/verifier/planner"
)

func sampleAllowlist() []verifier.AllowlistEntry {
	return []verifier.AllowlistEntry{
		{ID: "unit_test", Type: "unit_test", Priority: 20, PathGlobs: []string{"*.go"}},
		{ID: "lint", Type: "lint", Priority: 10, DeclaredIndependent: true},
		{ID: "security_scan", Type: "security_scan", Priority: 30, DeclaredIndependent: true},
		{ID: "type_check", Type: "type_check", Priority: 10},
	}
}

func TestSelectPlanOrdersByPriorityThenID(t *testing.T) {
	plan := planner.SelectPlan("SKEPTICAL", []string{"main.go"}, "low", sampleAllowlist())
	require.Len(t, plan.Entries, 3)
	require.Equal(t, []string{"lint", "type_check", "unit_test"}, ids(plan.Entries))
}

func TestSelectPlanCalmIsMinimal(t *testing.T) {
	plan := planner.SelectPlan("CALM", nil, "low", sampleAllowlist())
	require.Equal(t, []string{"lint", "type_check"}, ids(plan.Entries))
}

func TestSelectPlanParanoidIncludesIndependentRerun(t *testing.T) {
	plan := planner.SelectPlan("PARANOID", nil, "high", sampleAllowlist())
	require.Contains(t, ids(plan.Entries), "security_scan")
}

func TestSelectPlanBoldKeepsFullAllowlist(t *testing.T) {
	plan := planner.SelectPlan("BOLD", nil, "low", sampleAllowlist())
	require.Len(t, plan.Entries, len(sampleAllowlist()))
}

// TestSelectPlanIsDeterministic checks that the same
// (mood, touched_paths, risk_tier, allowlist) always yields the same plan ID.
func TestSelectPlanIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	moods := []string{"CALM", "CURIOUS", "SKEPTICAL", "PARANOID", "BOLD"}

	properties.Property("same inputs yield the same plan id", prop.ForAll(
		func(moodIdx int) bool {
			mood := moods[moodIdx%len(moods)]
			allowlist := sampleAllowlist()
			p1 := planner.SelectPlan(mood, []string{"main.go"}, "low", allowlist)
			p2 := planner.SelectPlan(mood, []string{"main.go"}, "low", allowlist)
			return p1.PlanID == p2.PlanID
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func ids(entries []verifier.AllowlistEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
