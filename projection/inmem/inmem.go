// Package inmem implements projection.Store in memory. It is the reference
// interpreter for the event-to-table mapping and is used both for tests and
// as the deterministic-rebuild oracle.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

// Store implements projection.Store in memory.
type Store struct {
	mu sync.RWMutex

	cursor int64

	workItems map[string]projection.WorkItem
	runs      map[string]projection.Run
	atoms     map[string]projection.Atom
	attests   map[string][]projection.Attestation // keyed by target atom hash
	receipts  map[string]projection.Receipt
	receiptsByRun map[string][]string
	ahdb      projection.AHDBState

	poison map[string]projection.PoisonEvent
}

// New returns an empty in-memory projection.
func New() *Store {
	return &Store{
		workItems:     make(map[string]projection.WorkItem),
		runs:          make(map[string]projection.Run),
		atoms:         make(map[string]projection.Atom),
		attests:       make(map[string][]projection.Attestation),
		receipts:      make(map[string]projection.Receipt),
		receiptsByRun: make(map[string][]string),
		poison:        make(map[string]projection.PoisonEvent),
	}
}

// Cursor implements projection.Store.
func (s *Store) Cursor(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// Apply implements projection.Store: the canonical event-type -> table
// mapping. Unrecognized (but structurally valid) event types are no-ops that
// still advance the cursor, since not every canonical type has projection
// state (e.g. window.open/window.close are opaque to the core).
func (s *Store) Apply(_ context.Context, e *eventlog.Event) error {
	if e == nil {
		return fmt.Errorf("projection: nil event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch eventlog.Normalize(e.Type) {
	case eventlog.TypeWorkItemCreated:
		s.applyWorkItemCreated(e)
	case "work_item.split", "work.item.split", eventlog.TypeSplitRequest, eventlog.TypeSpecChangeRequest:
		s.applyWorkItemSplit(e)
	case eventlog.TypeWorkItemStatus:
		s.applyWorkItemStatus(e)
	case "run.start":
		s.applyRunStart(e)
	case "run.status":
		s.applyRunStatus(e)
	case "receipt.commit":
		s.applyCommit(e)
	case "receipt.verifier":
		if err := s.applyAttestation(e); err != nil {
			return err
		}
	case "note.status":
		s.applyNoteStatus(e)
	default:
		if len(e.Type) >= 8 && e.Type[:8] == "receipt." {
			s.indexReceipt(e)
		}
	}

	s.ahdb.LastEventSeq = e.Seq
	s.cursor = e.Seq
	return nil
}

// MarkPoison implements projection.Store.
func (s *Store) MarkPoison(_ context.Context, e *eventlog.Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe := s.poison[e.ID]
	pe.EventID = e.ID
	pe.Seq = e.Seq
	pe.Attempts++
	if cause != nil {
		pe.Error = cause.Error()
	}
	s.poison[e.ID] = pe
	s.cursor = e.Seq
	return nil
}

// Poisoned returns the recorded poison markers, for diagnostics.
func (s *Store) Poisoned() []projection.PoisonEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]projection.PoisonEvent, 0, len(s.poison))
	for _, p := range s.poison {
		out = append(out, p)
	}
	return out
}

// GetWorkItem implements projection.WorkItems.
func (s *Store) GetWorkItem(_ context.Context, id string) (projection.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workItems[id]
	if !ok {
		return projection.WorkItem{}, projection.ErrNotFound
	}
	return w, nil
}

// ListWorkItems implements projection.WorkItems.
func (s *Store) ListWorkItems(_ context.Context, status projection.WorkItemStatus) ([]projection.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.WorkItem
	for _, w := range s.workItems {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	return out, nil
}

// GetRun implements projection.Runs.
func (s *Store) GetRun(_ context.Context, id string) (projection.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return projection.Run{}, projection.ErrNotFound
	}
	return r, nil
}

// ListRunsForWorkItem implements projection.Runs.
func (s *Store) ListRunsForWorkItem(_ context.Context, workItemID string) ([]projection.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []projection.Run
	for _, r := range s.runs {
		if r.WorkItemID == workItemID {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetAtom implements projection.Atoms.
func (s *Store) GetAtom(_ context.Context, hash string) (projection.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.atoms[hash]
	if !ok {
		return projection.Atom{}, projection.ErrNotFound
	}
	return a, nil
}

// ListAttestations implements projection.Attestations.
func (s *Store) ListAttestations(_ context.Context, targetAtomHash string) ([]projection.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]projection.Attestation(nil), s.attests[targetAtomHash]...), nil
}

// GetReceipt implements projection.Receipts.
func (s *Store) GetReceipt(_ context.Context, id string) (projection.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return projection.Receipt{}, projection.ErrNotFound
	}
	return r, nil
}

// ListReceiptsForRun implements projection.Receipts.
func (s *Store) ListReceiptsForRun(_ context.Context, runID string) ([]projection.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.receiptsByRun[runID]
	out := make([]projection.Receipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.receipts[id])
	}
	return out, nil
}

// GetAHDB implements projection.AHDB.
func (s *Store) GetAHDB(context.Context) (projection.AHDBState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ahdb, nil
}

// --- event interpreters (caller already holds s.mu) ---

func (s *Store) applyWorkItemCreated(e *eventlog.Event) {
	id, _ := e.Payload["work_item_id"].(string)
	if id == "" {
		return
	}
	w := projection.WorkItem{
		WorkItemID:         id,
		Description:        str(e.Payload["description"]),
		AcceptanceCriteria: str(e.Payload["acceptance_criteria"]),
		RiskTier:           str(e.Payload["risk_tier"]),
		ParentWorkItemID:   str(e.Payload["parent_work_item_id"]),
		Status:             projection.WorkItemOpen,
		CreatedAt:          time.UnixMilli(e.TimestampMS),
		UpdatedAt:          time.UnixMilli(e.TimestampMS),
	}
	w.RequiredVerifiers = strSlice(e.Payload["required_verifiers"])
	w.Dependencies = strSlice(e.Payload["dependencies"])
	s.workItems[id] = w
}

func (s *Store) applyWorkItemStatus(e *eventlog.Event) {
	id, _ := e.Payload["work_item_id"].(string)
	w, ok := s.workItems[id]
	if !ok {
		return
	}
	w.Status = projection.WorkItemStatus(str(e.Payload["status"]))
	w.UpdatedAt = time.UnixMilli(e.TimestampMS)
	s.workItems[id] = w
}

func (s *Store) applyWorkItemSplit(e *eventlog.Event) {
	parentID, _ := e.Payload["parent_work_item_id"].(string)
	if parent, ok := s.workItems[parentID]; ok {
		parent.Status = projection.WorkItemSplit
		parent.UpdatedAt = time.UnixMilli(e.TimestampMS)
		s.workItems[parentID] = parent
	}

	// Prefer the full child descriptors the split/spec-change event carries;
	// this is what materializes children as first-class work items. The
	// child_work_item_ids-only path below only covers legacy callers that
	// had already created the rows some other way.
	if children, ok := e.Payload["children"].([]any); ok {
		for _, raw := range children {
			fields, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id := str(fields["work_item_id"])
			if id == "" {
				continue
			}
			s.workItems[id] = projection.WorkItem{
				WorkItemID:         id,
				Description:        str(fields["description"]),
				AcceptanceCriteria: str(fields["acceptance_criteria"]),
				RequiredVerifiers:  strSlice(fields["required_verifiers"]),
				RiskTier:           str(fields["risk_tier"]),
				Dependencies:       strSlice(fields["dependencies"]),
				Status:             projection.WorkItemOpen,
				ParentWorkItemID:   parentID,
				CreatedAt:          time.UnixMilli(e.TimestampMS),
				UpdatedAt:          time.UnixMilli(e.TimestampMS),
			}
		}
		return
	}

	for _, child := range strSlice(e.Payload["child_work_item_ids"]) {
		if c, ok := s.workItems[child]; ok {
			c.ParentWorkItemID = parentID
			s.workItems[child] = c
		}
	}
}

func (s *Store) applyRunStart(e *eventlog.Event) {
	id, _ := e.Payload["run_id"].(string)
	if id == "" {
		return
	}
	r := projection.Run{
		RunID:      id,
		WorkItemID: str(e.Payload["work_item_id"]),
		Mood:       str(e.Payload["mood"]),
		SandboxID:  str(e.Payload["sandbox_id"]),
		Status:     projection.RunPending,
		CreatedAt:  time.UnixMilli(e.TimestampMS),
		UpdatedAt:  time.UnixMilli(e.TimestampMS),
	}
	s.runs[id] = r
	if wi, ok := s.workItems[r.WorkItemID]; ok {
		wi.Status = projection.WorkItemRunning
		s.workItems[r.WorkItemID] = wi
	}
}

func (s *Store) applyRunStatus(e *eventlog.Event) {
	id, _ := e.Payload["run_id"].(string)
	r, ok := s.runs[id]
	if !ok {
		return
	}
	r.Status = projection.RunStatus(str(e.Payload["status"]))
	r.UpdatedAt = time.UnixMilli(e.TimestampMS)
	if reason := str(e.Payload["reason"]); reason != "" {
		r.DiscardReason = reason
	}
	s.runs[id] = r
}

func (s *Store) applyCommit(e *eventlog.Event) {
	id, _ := e.Payload["run_id"].(string)
	r, ok := s.runs[id]
	if !ok {
		return
	}
	r.Status = projection.RunCommitted
	r.UpdatedAt = time.UnixMilli(e.TimestampMS)
	r.VerifierPlanID = str(e.Payload["verifier_plan_id"])
	s.runs[id] = r
	if wi, ok := s.workItems[r.WorkItemID]; ok {
		wi.Status = projection.WorkItemDone
		wi.UpdatedAt = r.UpdatedAt
		s.workItems[r.WorkItemID] = wi
	}
	s.indexReceipt(e)
}

// applyAttestation never writes an ASSERT entry itself (that is Director's
// job when committing), but it is the only path that can promote an atom to
// PROMOTED, which is the referential-integrity precondition ASSERT entries
// are checked against.
func (s *Store) applyAttestation(e *eventlog.Event) error {
	targetHash, _ := e.Payload["target_atom_hash"].(string)
	if targetHash == "" {
		return fmt.Errorf("projection: receipt.verifier missing target_atom_hash")
	}
	a := projection.Attestation{
		AttestationID:   str(e.Payload["attestation_id"]),
		TargetAtomHash:  targetHash,
		VerifierType:    str(e.Payload["verifier_type"]),
		Result:          projection.AttestationResult(str(e.Payload["result"])),
		ArtifactHash:    str(e.Payload["artifact_hash"]),
		VerifierVersion: str(e.Payload["verifier_version"]),
		RunID:           str(e.Payload["run_id"]),
		CreatedAt:       time.UnixMilli(e.TimestampMS),
	}
	if conf, ok := e.Payload["confidence"].(float64); ok {
		a.Confidence = conf
	}
	s.attests[targetHash] = append(s.attests[targetHash], a)

	atom := s.atoms[targetHash]
	atom.Hash = targetHash
	if atom.Kind == "" {
		atom.Kind = projection.AtomKind(str(e.Payload["atom_kind"]))
	}
	if a.Result == projection.ResultPass {
		atom.State = projection.AtomPromoted
	} else if atom.State == "" {
		atom.State = projection.AtomUntrusted
	}
	s.atoms[targetHash] = atom
	s.indexReceipt(e)
	return nil
}

func (s *Store) applyNoteStatus(e *eventlog.Event) {
	s.indexReceipt(e)
}

func (s *Store) indexReceipt(e *eventlog.Event) {
	id := str(e.Payload["receipt_id"])
	if id == "" {
		id = e.ID
	}
	r := projection.Receipt{
		ReceiptID:   id,
		Kind:        e.Type,
		RunID:       str(e.Payload["run_id"]),
		TimestampMS: e.TimestampMS,
	}
	r.References = strSlice(e.Payload["references"])
	s.receipts[id] = r
	if r.RunID != "" {
		s.receiptsByRun[r.RunID] = append(s.receiptsByRun[r.RunID], id)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
