package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/eventlog/inmem"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	e1 := eventlog.NewEvent("u1", eventlog.SourceAgent, "file.write", nil)
	e2 := eventlog.NewEvent("u1", eventlog.SourceAgent, "file.write", nil)

	seq1, err := store.Append(ctx, e1)
	require.NoError(t, err)
	seq2, err := store.Append(ctx, e2)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)
	require.Equal(t, int64(2), seq2)
}

func TestAppendIsIdempotentByID(t *testing.T) {
	// A double append of the same event.id must return the earlier sequence.
	ctx := context.Background()
	store := inmem.New()

	e := eventlog.NewEvent("u1", eventlog.SourceAgent, "file.write", nil)
	seq1, err := store.Append(ctx, e)
	require.NoError(t, err)

	dup := *e
	seq2, err := store.Append(ctx, &dup)
	require.NoError(t, err)
	require.Equal(t, seq1, seq2)

	all, err := store.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestAppendRejectsContractViolation(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	e := eventlog.NewEvent("u1", eventlog.SourceAgent, "file.write", nil)
	e.Type = "FILE_WRITE"

	_, err := store.Append(ctx, e)
	require.Error(t, err)
	var cv *eventlog.ContractViolationError
	require.ErrorAs(t, err, &cv)
}

func TestRangeInclusiveBounds(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, eventlog.NewEvent("u1", eventlog.SourceSystem, "checkpoint", nil))
		require.NoError(t, err)
	}
	got, err := store.Range(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(2), got[0].Seq)
	require.Equal(t, int64(4), got[2].Seq)
}

func TestTailReplaysThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := inmem.New()

	_, err := store.Append(ctx, eventlog.NewEvent("u1", eventlog.SourceSystem, "checkpoint", nil))
	require.NoError(t, err)

	sub, err := store.Tail(ctx, 0)
	require.NoError(t, err)

	first := <-sub.Events()
	require.Equal(t, int64(1), first.Seq)

	_, err = store.Append(ctx, eventlog.NewEvent("u1", eventlog.SourceSystem, "checkpoint", nil))
	require.NoError(t, err)

	second := <-sub.Events()
	require.Equal(t, int64(2), second.Seq)
}
