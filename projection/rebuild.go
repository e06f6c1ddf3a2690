package projection

import (
	"context"
	"fmt"

	"github.com/choiros/director/eventlog"
)

// MaxApplyAttempts bounds how many times the projector retries a single
// event before recording it as poison.
const MaxApplyAttempts = 3

// Rebuild replays events (ordered oldest-first) into store starting from
// store's current cursor, applying each with bounded retry and routing
// failures to MarkPoison instead of halting.
//
// Rebuild is the single code path used both for the incremental projector
// (fed a small batch as the log grows) and for a from-genesis rebuild (fed
// the entire log) — the two differ only in which events are supplied, never
// in how they are applied. Calling it with an overlapping or already-applied
// range is safe: events at or below the store's cursor are skipped.
func Rebuild(ctx context.Context, store Store, events []*eventlog.Event) error {
	cursor, err := store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("projection: read cursor: %w", err)
	}
	for _, e := range events {
		if e.Seq <= cursor {
			continue // already applied; Rebuild is safe to call with overlapping ranges
		}
		if err := applyWithRetry(ctx, store, e); err != nil {
			return err
		}
	}
	return nil
}

func applyWithRetry(ctx context.Context, store Store, e *eventlog.Event) error {
	var lastErr error
	for attempt := 1; attempt <= MaxApplyAttempts; attempt++ {
		err := store.Apply(ctx, e)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	// A projection error on a specific event must not halt the log: record
	// a poison marker and move the cursor past it.
	return store.MarkPoison(ctx, e, lastErr)
}
