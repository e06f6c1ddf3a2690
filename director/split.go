package director

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

// SplitRequest describes one child WorkItem to carve out of a parent that
// cannot satisfy its acceptance criteria within budget.
type SplitRequest struct {
	Description        string
	AcceptanceCriteria  string
	RequiredVerifiers   []string
	RiskTier            string
	Dependencies        []string
}

// Split emits a spec_change_request or split_request event (reason-
// dependent) and returns the child WorkItems to register, mirroring the
// parent/child run linkage child_tracker.go keeps for nested tool-call
// invocations — here applied to work items instead of tool calls.
//
// reason is either "spec_change" (the acceptance criteria themselves need
// renegotiation) or "infeasible" (the work is sound but does not fit in one
// run's budgets).
func Split(ctx context.Context, log eventlog.Log, userID string, parent projection.WorkItem, reason string, children []SplitRequest) ([]projection.WorkItem, error) {
	eventType := eventlog.TypeSplitRequest
	if reason == "spec_change" {
		eventType = eventlog.TypeSpecChangeRequest
	}

	childIDs := make([]string, 0, len(children))
	childPayloads := make([]any, 0, len(children))
	out := make([]projection.WorkItem, 0, len(children))
	now := time.Now()
	for _, c := range children {
		id := uuid.NewString()
		childIDs = append(childIDs, id)
		out = append(out, projection.WorkItem{
			WorkItemID:         id,
			Description:        c.Description,
			AcceptanceCriteria: c.AcceptanceCriteria,
			RequiredVerifiers:  c.RequiredVerifiers,
			RiskTier:           c.RiskTier,
			Dependencies:       c.Dependencies,
			Status:             projection.WorkItemOpen,
			ParentWorkItemID:   parent.WorkItemID,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		childPayloads = append(childPayloads, map[string]any{
			"work_item_id":        id,
			"description":         c.Description,
			"acceptance_criteria": c.AcceptanceCriteria,
			"required_verifiers":  c.RequiredVerifiers,
			"risk_tier":           c.RiskTier,
			"dependencies":        c.Dependencies,
		})
	}

	// The payload carries full child descriptors, not just their IDs, so a
	// single split event is enough for the projector to materialize the
	// children as first-class work items without a follow-up
	// work.item.created per child.
	e := eventlog.NewEvent(userID, eventlog.SourceSystem, eventType, map[string]any{
		"parent_work_item_id": parent.WorkItemID,
		"reason":              reason,
		"child_work_item_ids": childIDs,
		"children":            childPayloads,
	})
	if _, err := log.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("director: split %s: %w", parent.WorkItemID, err)
	}
	return out, nil
}
