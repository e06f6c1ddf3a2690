package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/eventlog"
	eventloginmem "github.com/choiros/director/eventlog/inmem"
	"github.com/choiros/director/projection"
	"github.com/choiros/director/projection/inmem"
)

func seed(t *testing.T, log *eventloginmem.Store) {
	t.Helper()
	ctx := context.Background()

	created := eventlog.NewEvent("u1", eventlog.SourceAgent, "work_item.created", map[string]any{
		"work_item_id": "wi-1",
		"description":  "add retry to fetcher",
		"risk_tier":    "low",
	})
	_, err := log.Append(ctx, created)
	require.NoError(t, err)

	started := eventlog.NewEvent("u1", eventlog.SourceSystem, "run.start", map[string]any{
		"run_id":       "run-1",
		"work_item_id": "wi-1",
		"mood":         "CALM",
		"sandbox_id":   "sbx-1",
	})
	_, err = log.Append(ctx, started)
	require.NoError(t, err)

	attested := eventlog.NewEvent("u1", eventlog.SourceSystem, "receipt.verifier", map[string]any{
		"attestation_id":   "att-1",
		"target_atom_hash": "sha256:deadbeef",
		"atom_kind":        "claim",
		"verifier_type":    "unit_test",
		"result":           "pass",
		"run_id":           "run-1",
	})
	_, err = log.Append(ctx, attested)
	require.NoError(t, err)

	committed := eventlog.NewEvent("u1", eventlog.SourceSystem, "receipt.commit", map[string]any{
		"run_id":           "run-1",
		"verifier_plan_id": "plan-1",
	})
	_, err = log.Append(ctx, committed)
	require.NoError(t, err)
}

func TestApplyBuildsWorkItemRunAtomAndAttestation(t *testing.T) {
	ctx := context.Background()
	log := eventloginmem.New()
	seed(t, log)

	events, err := log.Range(ctx, 1, 0)
	require.NoError(t, err)

	store := inmem.New()
	require.NoError(t, projection.Rebuild(ctx, store, events))

	wi, err := store.GetWorkItem(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, projection.WorkItemDone, wi.Status)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, projection.RunCommitted, run.Status)
	require.Equal(t, "plan-1", run.VerifierPlanID)

	atom, err := store.GetAtom(ctx, "sha256:deadbeef")
	require.NoError(t, err)
	require.Equal(t, projection.AtomPromoted, atom.State)

	attests, err := store.ListAttestations(ctx, "sha256:deadbeef")
	require.NoError(t, err)
	require.Len(t, attests, 1)
	require.Equal(t, projection.ResultPass, attests[0].Result)

	receipts, err := store.ListReceiptsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotEmpty(t, receipts)
}

// TestRebuildFromGenesisMatchesIncremental checks that replaying the whole
// log from genesis produces the same projection as applying events one at a
// time as they arrive, since both go through Rebuild.
func TestRebuildFromGenesisMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	log := eventloginmem.New()
	seed(t, log)

	all, err := log.Range(ctx, 1, 0)
	require.NoError(t, err)

	genesis := inmem.New()
	require.NoError(t, projection.Rebuild(ctx, genesis, all))

	incremental := inmem.New()
	for _, e := range all {
		require.NoError(t, projection.Rebuild(ctx, incremental, []*eventlog.Event{e}))
	}

	wantWI, err := genesis.GetWorkItem(ctx, "wi-1")
	require.NoError(t, err)
	gotWI, err := incremental.GetWorkItem(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, wantWI, gotWI)

	wantRun, err := genesis.GetRun(ctx, "run-1")
	require.NoError(t, err)
	gotRun, err := incremental.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, wantRun, gotRun)

	wantAHDB, err := genesis.GetAHDB(ctx)
	require.NoError(t, err)
	gotAHDB, err := incremental.GetAHDB(ctx)
	require.NoError(t, err)
	require.Equal(t, wantAHDB, gotAHDB)
}

// TestRebuildIsSafeOnOverlappingRanges checks that calling Rebuild again
// with a range that overlaps already-applied events does not double-apply
// them.
func TestRebuildIsSafeOnOverlappingRanges(t *testing.T) {
	ctx := context.Background()
	log := eventloginmem.New()
	seed(t, log)

	all, err := log.Range(ctx, 1, 0)
	require.NoError(t, err)

	store := inmem.New()
	require.NoError(t, projection.Rebuild(ctx, store, all))
	require.NoError(t, projection.Rebuild(ctx, store, all)) // overlapping replay

	receipts, err := store.ListReceiptsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, receipts, 2, "commit and verifier receipts, not doubled by the overlapping replay")
}

func TestMarkPoisonAdvancesCursorWithoutMutatingTables(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	e := eventlog.NewEvent("u1", eventlog.SourceSystem, "work_item.created", map[string]any{})
	e.Seq = 1
	require.NoError(t, store.MarkPoison(ctx, e, assertErr{}))

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)

	poisoned := store.Poisoned()
	require.Len(t, poisoned, 1)
	require.Equal(t, 1, poisoned[0].Attempts)
}

type assertErr struct{}

func (assertErr) Error() string { return "forced poison for test" }
