package director_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/director"
	eventloginmem "github.com/choiros/director/eventlog/inmem"
	"github.com/choiros/director/projection"
)

func TestSplitCreatesChildWorkItemsAndEmitsEvent(t *testing.T) {
	log := eventloginmem.New()
	parent := projection.WorkItem{WorkItemID: "parent-1", Status: projection.WorkItemRunning}

	children, err := director.Split(context.Background(), log, "u1", parent, "infeasible", []director.SplitRequest{
		{Description: "half one", AcceptanceCriteria: "a"},
		{Description: "half two", AcceptanceCriteria: "b"},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		require.Equal(t, parent.WorkItemID, c.ParentWorkItemID)
		require.Equal(t, projection.WorkItemOpen, c.Status)
	}

	events, err := log.Range(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "split.request", events[0].Type)
}

func TestSplitUsesSpecChangeEventForSpecChangeReason(t *testing.T) {
	log := eventloginmem.New()
	parent := projection.WorkItem{WorkItemID: "parent-2"}

	_, err := director.Split(context.Background(), log, "u1", parent, "spec_change", []director.SplitRequest{
		{Description: "renegotiated scope"},
	})
	require.NoError(t, err)

	events, err := log.Range(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "spec.change.request", events[0].Type)
}
