package director_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/director"
	eventloginmem "github.com/choiros/director/eventlog/inmem"
	"github.com/choiros/director/mood"
	"github.com/choiros/director/projection"
	projectioninmem "github.com/choiros/director/projection/inmem"
	sandboxinmem "github.com/choiros/director/sandbox/inmem"
	"github.com/choiros/director/verifier"
)

type fakeVerifierRunner struct {
	result verifier.Result
}

func (f *fakeVerifierRunner) Run(_ context.Context, _ string, plan verifier.Plan, _, _ string) ([]verifier.Attestation, error) {
	out := make([]verifier.Attestation, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		out = append(out, verifier.Attestation{
			AttestationID: "att-" + e.ID,
			VerifierID:    e.ID,
			Result:        f.result,
		})
	}
	return out, nil
}

type fakeExecutor struct {
	touchedPaths []string
	diffHash     string
	err          error
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, _ mood.Profile, _ *director.BudgetTracker) ([]string, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.touchedPaths, f.diffHash, nil
}

func testMoodConfig() mood.Config {
	base := mood.Profile{
		ToolAllowlist: []string{"fs.read", "fs.write"},
		ModelTier:     "standard",
		Budgets:       mood.BudgetCaps{Tokens: 100000, TimeMS: 600000, Iterations: 20},
	}
	profiles := map[mood.Name]mood.Profile{}
	for _, n := range []mood.Name{
		mood.CALM, mood.CURIOUS, mood.SKEPTICAL, mood.PARANOID,
		mood.BOLD, mood.CONTRITE, mood.PETTY, mood.DEFERENTIAL,
	} {
		p := base
		p.Mood = n
		profiles[n] = p
	}
	return mood.Config{Version: "test", Profiles: profiles, NonMonotonicSignalThreshold: 2}
}

func newTestRuntime(t *testing.T, verifierResult verifier.Result) (*director.Runtime, projection.Store) {
	t.Helper()
	engine, err := mood.NewEngine(testMoodConfig())
	require.NoError(t, err)

	log := eventloginmem.New()
	store := projectioninmem.New()
	sandboxes := sandboxinmem.New()
	verifiers := &fakeVerifierRunner{result: verifierResult}

	allowlist := []verifier.AllowlistEntry{
		{ID: "typecheck-go", Type: "type_check", CommandTemplate: []string{"typecheck"}, PathGlobs: []string{"**/*.go"}},
	}

	rt := director.New(log, store, sandboxes, verifiers, engine, allowlist, "u1")
	return rt, store
}

func testWorkItem() projection.WorkItem {
	return projection.WorkItem{
		WorkItemID:         "wi-1",
		Description:        "do the thing",
		AcceptanceCriteria: "the thing is done",
		RequiredVerifiers:  []string{"lint"},
		RiskTier:           "low",
		Status:             projection.WorkItemOpen,
	}
}

func TestStartCommitsOnPassingVerifiers(t *testing.T) {
	rt, _ := newTestRuntime(t, verifier.ResultPass)
	exec := &fakeExecutor{touchedPaths: []string{"main.go"}, diffHash: "deadbeef"}

	run, err := rt.Start(context.Background(), testWorkItem(), exec)
	require.NoError(t, err)
	require.Equal(t, projection.RunCommitted, run.Status)
	require.NotEmpty(t, run.VerifierPlanID)
}

func TestStartDiscardsOnFailingVerifier(t *testing.T) {
	rt, _ := newTestRuntime(t, verifier.ResultFail)
	exec := &fakeExecutor{touchedPaths: []string{"main.go"}, diffHash: "deadbeef"}

	run, err := rt.Start(context.Background(), testWorkItem(), exec)
	require.Error(t, err)
	require.True(t, errors.Is(err, director.ErrPolicyRefused))
	require.Equal(t, projection.RunDiscarded, run.Status)
}

func TestStartDiscardsOnExecutorError(t *testing.T) {
	rt, _ := newTestRuntime(t, verifier.ResultPass)
	exec := &fakeExecutor{err: errors.New("boom")}

	run, err := rt.Start(context.Background(), testWorkItem(), exec)
	require.Error(t, err)
	require.Equal(t, projection.RunDiscarded, run.Status)
	require.Contains(t, run.DiscardReason, "boom")
}

func TestStartSelectsContriteOnUncleanHandoff(t *testing.T) {
	rt, _ := newTestRuntime(t, verifier.ResultPass)
	exec := &fakeExecutor{touchedPaths: []string{"main.go"}, diffHash: "deadbeef"}

	run, err := rt.Start(context.Background(), testWorkItem(), exec, director.WithCleanHandoff(false))
	require.NoError(t, err)
	require.Equal(t, mood.CONTRITE, mood.Name(run.Mood))
}

func TestStartHonorsCancelAtSafePoint(t *testing.T) {
	rt, _ := newTestRuntime(t, verifier.ResultPass)
	exec := &fakeExecutor{touchedPaths: []string{"main.go"}, diffHash: "deadbeef"}

	cancel := make(chan struct{})
	close(cancel)

	run, err := rt.Start(context.Background(), testWorkItem(), exec, director.WithCancel(cancel))
	require.Error(t, err)
	require.True(t, errors.Is(err, director.ErrCancelled))
	require.Equal(t, projection.RunDiscarded, run.Status)
}
