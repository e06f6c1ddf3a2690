package projection

import (
	"context"
	"errors"

	"github.com/choiros/director/eventlog"
)

// ErrNotFound indicates the requested projection row does not exist.
var ErrNotFound = errors.New("projection: not found")

type (
	// Store is the deterministic materialized view over the event log: work
	// items, runs, atoms, attestations, receipts index, and the AHDB state
	// vector. Only the AHDB state records the sequence number it reflects
	// (AHDBState.LastEventSeq); Cursor reports how far the store as a whole
	// has applied the log.
	Store interface {
		WorkItems
		Runs
		Atoms
		Attestations
		Receipts
		AHDB

		// Cursor returns the sequence number of the last event this store has
		// applied. Consumers advance it one event at a time inside Apply.
		Cursor(ctx context.Context) (int64, error)

		// Apply advances the projection by exactly one event, updating every
		// affected table and then the cursor. The writes are not wrapped in a
		// transaction: projection/mongo issues them one by one. Implementations
		// must be idempotent: Apply
		// is never called twice for the same e.Seq in correct usage, but must
		// tolerate at-least-once delivery safely (e.g. after a poison-event
		// retry) by making every table update keyed on stable identifiers.
		Apply(ctx context.Context, e *eventlog.Event) error

		// MarkPoison records that e could not be applied after bounded
		// retries and advances the cursor past it without updating any table.
		MarkPoison(ctx context.Context, e *eventlog.Event, cause error) error
	}

	// WorkItems is the work-item table projection.
	WorkItems interface {
		GetWorkItem(ctx context.Context, id string) (WorkItem, error)
		ListWorkItems(ctx context.Context, status WorkItemStatus) ([]WorkItem, error)
	}

	// Runs is the run lifecycle table projection.
	Runs interface {
		GetRun(ctx context.Context, id string) (Run, error)
		ListRunsForWorkItem(ctx context.Context, workItemID string) ([]Run, error)
	}

	// Atoms is the content-addressed atom arena projection.
	Atoms interface {
		GetAtom(ctx context.Context, hash string) (Atom, error)
	}

	// Attestations is the attestation projection, queryable by target atom.
	Attestations interface {
		ListAttestations(ctx context.Context, targetAtomHash string) ([]Attestation, error)
	}

	// Receipts is the observability receipts index.
	Receipts interface {
		GetReceipt(ctx context.Context, id string) (Receipt, error)
		ListReceiptsForRun(ctx context.Context, runID string) ([]Receipt, error)
	}

	// AHDB exposes the projected control-state vector.
	AHDB interface {
		GetAHDB(ctx context.Context) (AHDBState, error)
	}

	// PoisonEvent records an event the projector could not apply.
	PoisonEvent struct {
		EventID  string
		Seq      int64
		Error    string
		Attempts int
	}
)
