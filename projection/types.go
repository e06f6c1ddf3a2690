// Package projection materializes deterministic, queryable views of the
// event log: the AHDB control-state vector, the work-item graph, the run
// lifecycle table, the atom/attestation arena, and a receipts index
// A projection is never authoritative by itself; it is always a pure
// function of a prefix of the event log and can be rebuilt from genesis.
package projection

import "time"

type (
	// WorkItemStatus is the lifecycle status of a WorkItem.
	WorkItemStatus string

	// RunStatus is the terminal-or-in-flight status of a Run.
	RunStatus string

	// AtomKind classifies a content-addressed unit of reasoning.
	AtomKind string

	// AtomState is the promotion lifecycle of an Atom.
	AtomState string

	// AttestationResult is the outcome of a single verifier execution.
	AttestationResult string
)

// WorkItem statuses.
const (
	WorkItemOpen    WorkItemStatus = "open"
	WorkItemRunning WorkItemStatus = "running"
	WorkItemDone    WorkItemStatus = "done"
	WorkItemSplit   WorkItemStatus = "split"
	WorkItemFailed  WorkItemStatus = "failed"
)

// Run statuses.
const (
	RunPending    RunStatus = "pending"
	RunExecuting  RunStatus = "executing"
	RunVerifying  RunStatus = "verifying"
	RunCommitting RunStatus = "committing"
	RunCommitted  RunStatus = "committed"
	RunDiscarded  RunStatus = "discarded"
)

// IsTerminal reports whether s is one of the two run-terminal states: a
// run terminates in exactly one of committed or discarded.
func (s RunStatus) IsTerminal() bool {
	return s == RunCommitted || s == RunDiscarded
}

// Atom kinds.
const (
	AtomSource     AtomKind = "source"
	AtomExtract    AtomKind = "extract"
	AtomClaim      AtomKind = "claim"
	AtomBinding    AtomKind = "binding"
	AtomConjecture AtomKind = "conjecture"
	AtomHyperthesis AtomKind = "hyperthesis"
	AtomSynthesis  AtomKind = "synthesis"
)

// Atom states.
const (
	AtomUntrusted       AtomState = "UNTRUSTED"
	AtomQuarantined     AtomState = "QUARANTINED"
	AtomPromotionPending AtomState = "PROMOTION_PENDING"
	AtomPromoted        AtomState = "PROMOTED"
	AtomRetracted       AtomState = "RETRACTED"
)

// Attestation results.
const (
	ResultPass        AttestationResult = "pass"
	ResultFail        AttestationResult = "fail"
	ResultFlaky       AttestationResult = "flaky"
	ResultInconclusive AttestationResult = "inconclusive"
)

type (
	// WorkItem is a single bounded objective.
	WorkItem struct {
		WorkItemID          string
		Description         string
		AcceptanceCriteria  string
		RequiredVerifiers   []string
		RiskTier            string
		Dependencies        []string
		Status              WorkItemStatus
		ParentWorkItemID    string // set on children created by a split
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// Run is one bounded execution episode bound to exactly one WorkItem.
	Run struct {
		RunID          string
		WorkItemID     string
		Mood           string
		Budgets        Budgets
		Status         RunStatus
		SandboxID      string
		VerifierPlanID string
		CreatedAt      time.Time
		UpdatedAt      time.Time
		// DiscardReason records why a discarded run ended, for observability.
		DiscardReason string
	}

	// Budgets bounds a run's resource consumption.
	Budgets struct {
		Tokens     int64
		TimeMS     int64
		Iterations int
		DiffBytes  int64
	}

	// Atom is a content-addressed unit of reasoning.
	Atom struct {
		Hash  string
		Kind  AtomKind
		State AtomState
	}

	// Attestation binds a verifier outcome to a content-addressed target.
	// It is the only object that can promote an Atom.
	Attestation struct {
		AttestationID   string
		TargetAtomHash  string
		VerifierType    string
		Result          AttestationResult
		ArtifactHash    string
		VerifierVersion string
		Confidence      float64
		RunID           string
		CreatedAt       time.Time
	}

	// Receipt is an observability record emitted on every capability use and
	// lifecycle transition.
	Receipt struct {
		ReceiptID   string
		Kind        string
		References  []string
		RunID       string
		TimestampMS int64
	}

	// AHDBState is the projected control-state vector. ASSERT entries may
	// only reference PROMOTED atoms.
	AHDBState struct {
		Assert       []string // atom hashes
		Hypothesize  []string
		Drive        []string
		Believe      []string
		Hypertheses  []string
		Conjectures  []string
		LastEventSeq int64
	}
)

// ReadyToSplit reports whether the WorkItem's declared dependencies are all
// in a terminal (done) state, given the supplied lookup.
func (w WorkItem) ReadyToSplit(status func(workItemID string) WorkItemStatus) bool {
	for _, dep := range w.Dependencies {
		if status(dep) != WorkItemDone {
			return false
		}
	}
	return true
}
