package director

import (
	"context"
	"errors"
	"fmt"

	"github.com/choiros/director/eventlog"
)

// ReceiptEmitter appends one receipt.<kind> event per capability use and
// lifecycle transition, the event-sourced analogue of the encode-once,
// emit-consistently discipline tool_events.go applies to tool-result
// envelopes: every receipt this run produces goes through one function so
// the shape is uniform regardless of call site.
type ReceiptEmitter struct {
	Log    eventlog.Log
	UserID string
}

// Emit appends a receipt event of the given canonical type (e.g.
// eventlog.TypeReceiptPatch) carrying runID and references, returning the
// assigned sequence number.
func (r *ReceiptEmitter) Emit(ctx context.Context, eventType, runID string, references []string, extra map[string]any) (int64, error) {
	payload := map[string]any{
		"run_id":     runID,
		"references": references,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e := eventlog.NewEvent(r.UserID, eventlog.SourceSystem, eventType, payload)
	seq, err := r.Log.Append(ctx, e)
	if err != nil {
		var violation *eventlog.ContractViolationError
		if errors.As(err, &violation) {
			return 0, fmt.Errorf("%w: append %s: %v", ErrContractViolation, eventType, err)
		}
		return 0, fmt.Errorf("append %s: %w", eventType, err)
	}
	return seq, nil
}
