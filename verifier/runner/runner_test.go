package runner_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/sandbox"
	sandboxinmem "github.com/choiros/director/sandbox/inmem"
	"github.com/choiros/director/verifier"
	"github.com/choiros/director/verifier/runner"
)

// scriptedOracle returns a queued sequence of reports per verifier ID,
// repeating the last entry once the queue is drained.
type scriptedOracle struct {
	mu      sync.Mutex
	scripts map[string][]verifier.Report
	calls   map[string]int
}

func newScriptedOracle(scripts map[string][]verifier.Report) *scriptedOracle {
	return &scriptedOracle{scripts: scripts, calls: map[string]int{}}
}

func (o *scriptedOracle) Summarize(_ context.Context, verifierID string, _ int, _, _ []byte) (verifier.Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.scripts[verifierID]
	i := o.calls[verifierID]
	o.calls[verifierID]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i], nil
}

func newSandbox(t *testing.T) (*sandboxinmem.Provider, string) {
	t.Helper()
	p := sandboxinmem.New()
	id, err := p.Create(context.Background(), "create-op", sandbox.Policy{ExecPermitted: true})
	require.NoError(t, err)
	return p, id
}

func TestRunProducesAttestationsInPlanOrder(t *testing.T) {
	p, sandboxID := newSandbox(t)
	oracle := newScriptedOracle(map[string][]verifier.Report{
		"lint":      {{Result: verifier.ResultPass}},
		"unit_test": {{Result: verifier.ResultPass}},
	})
	r := runner.New(p, oracle, "v1")

	plan := verifier.Plan{Entries: []verifier.AllowlistEntry{
		{ID: "unit_test", CommandTemplate: []string{"go", "test"}},
		{ID: "lint", CommandTemplate: []string{"golangci-lint", "run"}},
	}}

	attestations, err := r.Run(context.Background(), sandboxID, plan, "atom-hash", "config-hash")
	require.NoError(t, err)
	require.Len(t, attestations, 2)
	require.Equal(t, "unit_test", attestations[0].VerifierID)
	require.Equal(t, "lint", attestations[1].VerifierID)
	for _, att := range attestations {
		require.Equal(t, "atom-hash", att.TargetAtomHash)
		require.Equal(t, "config-hash", att.ConfigHash)
		require.Equal(t, verifier.ResultPass, att.Result)
		require.NotEmpty(t, att.AttestationID)
	}
}

func TestRunDeterministicFailureStaysFailAfterRerun(t *testing.T) {
	p, sandboxID := newSandbox(t)
	oracle := newScriptedOracle(map[string][]verifier.Report{
		"unit_test": {
			{Result: verifier.ResultFail, Summary: "first"},
			{Result: verifier.ResultFail, Summary: "second"},
		},
	})
	r := runner.New(p, oracle, "v1")

	plan := verifier.Plan{Entries: []verifier.AllowlistEntry{{ID: "unit_test", CommandTemplate: []string{"go", "test"}}}}
	attestations, err := r.Run(context.Background(), sandboxID, plan, "atom-hash", "config-hash")
	require.NoError(t, err)
	require.Len(t, attestations, 1)
	require.Equal(t, verifier.ResultFail, attestations[0].Result)
}

func TestRunDisagreementAcrossRerunsDowngradesToInconclusive(t *testing.T) {
	p, sandboxID := newSandbox(t)
	oracle := newScriptedOracle(map[string][]verifier.Report{
		"unit_test": {
			{Result: verifier.ResultFlaky, Summary: "first"},
			{Result: verifier.ResultPass, Summary: "second"},
		},
	})
	r := runner.New(p, oracle, "v1")

	plan := verifier.Plan{Entries: []verifier.AllowlistEntry{{ID: "unit_test", CommandTemplate: []string{"go", "test"}}}}
	attestations, err := r.Run(context.Background(), sandboxID, plan, "atom-hash", "config-hash")
	require.NoError(t, err)
	require.Len(t, attestations, 1)
	require.Equal(t, verifier.ResultInconclusive, attestations[0].Result)
}

func TestRunExecutesIndependentVerifiersConcurrently(t *testing.T) {
	p, sandboxID := newSandbox(t)
	oracle := newScriptedOracle(map[string][]verifier.Report{
		"lint":          {{Result: verifier.ResultPass}},
		"security_scan": {{Result: verifier.ResultPass}},
	})
	r := runner.New(p, oracle, "v1")
	r.MaxParallel = 2

	plan := verifier.Plan{Entries: []verifier.AllowlistEntry{
		{ID: "lint", DeclaredIndependent: true, CommandTemplate: []string{"lint"}},
		{ID: "security_scan", DeclaredIndependent: true, CommandTemplate: []string{"scan"}},
	}}

	attestations, err := r.Run(context.Background(), sandboxID, plan, "atom-hash", "config-hash")
	require.NoError(t, err)
	require.Len(t, attestations, 2)
	require.Equal(t, "lint", attestations[0].VerifierID)
	require.Equal(t, "security_scan", attestations[1].VerifierID)
}

func TestRunFailsFastOnUnknownSandbox(t *testing.T) {
	p := sandboxinmem.New()
	oracle := newScriptedOracle(map[string][]verifier.Report{"lint": {{Result: verifier.ResultPass}}})
	r := runner.New(p, oracle, "v1")

	plan := verifier.Plan{Entries: []verifier.AllowlistEntry{{ID: "lint", CommandTemplate: []string{"lint"}}}}
	_, err := r.Run(context.Background(), "missing-sandbox", plan, "atom-hash", "config-hash")
	require.Error(t, err)
}
