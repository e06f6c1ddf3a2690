// Package director implements the run orchestrator: the state machine that
// takes a WorkItem from pending through executing, verifying, and
// committing into a terminal committed or discarded Run, issuing capability
// leases and coordinating the event log, projection store, sandbox
// provider, verifier runner, and mood engine along the way. It is the
// generalization of runtime.Runtime from an agent-workflow registry to an
// agentic-computer control plane: the same registration/lifecycle shape,
// but AgentClient.Run becomes Runtime.Start.
package director

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/mood"
	"github.com/choiros/director/projection"
	"github.com/choiros/director/sandbox"
	"github.com/choiros/director/verifier"
	"github.com/choiros/director/verifier/planner"
)

// VerifierRunner is the subset of verifier/runner.Runner the orchestrator
// depends on, kept as an interface so tests can substitute a fake without
// standing up a real sandbox.
type VerifierRunner interface {
	Run(ctx context.Context, sandboxID string, plan verifier.Plan, targetAtomHash, configHash string) ([]verifier.Attestation, error)
}

// Runtime owns one process's worth of run orchestration. All fields are
// required for production use; tests may substitute in-memory
// implementations of every dependency.
type Runtime struct {
	Log        eventlog.Log
	Projection projection.Store
	Sandboxes  sandbox.Provider
	Verifiers  VerifierRunner
	Mood       *mood.Engine
	Allowlist  []verifier.AllowlistEntry

	Leases   *LeaseManager
	Receipts *ReceiptEmitter

	// UserID namespaces every event this runtime emits.
	UserID string
}

// New builds a Runtime with a fresh LeaseManager and ReceiptEmitter over the
// supplied dependencies.
func New(log eventlog.Log, store projection.Store, sandboxes sandbox.Provider, verifiers VerifierRunner, moodEngine *mood.Engine, allowlist []verifier.AllowlistEntry, userID string) *Runtime {
	return &Runtime{
		Log:        log,
		Projection: store,
		Sandboxes:  sandboxes,
		Verifiers:  verifiers,
		Mood:       moodEngine,
		Allowlist:  allowlist,
		Leases:     NewLeaseManager(),
		Receipts:   &ReceiptEmitter{Log: log, UserID: userID},
		UserID:     userID,
	}
}

// Option configures one call to Start.
type Option func(*startOptions)

type startOptions struct {
	budgets      projection.Budgets
	cleanHandoff bool
	cancel       <-chan struct{}
}

// WithBudgets overrides the default per-run budgets.
func WithBudgets(b projection.Budgets) Option {
	return func(o *startOptions) { o.budgets = b }
}

// WithCleanHandoff marks whether this Start follows a confirmed-consistent
// projection cursor. Callers recovering from a process restart must pass
// false until replay has caught the cursor up; the mood engine responds to
// an unclean handoff by selecting CONTRITE regardless of any other signal.
func WithCleanHandoff(clean bool) Option {
	return func(o *startOptions) { o.cleanHandoff = clean }
}

// WithCancel supplies a channel Start consults between safe points; a
// closed channel discards the run cooperatively at the next safe point.
func WithCancel(c <-chan struct{}) Option {
	return func(o *startOptions) { o.cancel = c }
}

// DefaultBudgets is applied when Start is called without WithBudgets.
var DefaultBudgets = projection.Budgets{Tokens: 200000, TimeMS: 1800000, Iterations: 40, DiffBytes: 2000000}

// Executor applies a mood-scoped plan to a sandbox and reports the diff
// hash and touched paths, so Start can remain a pure sequencing of phases
// rather than owning patch-generation itself. Production callers wire this
// to the planner/tool loop that actually drives the LLM; tests substitute a
// scripted fake.
type Executor interface {
	Execute(ctx context.Context, sandboxID string, profile mood.Profile, budgets *BudgetTracker) (touchedPaths []string, diffHash string, err error)
}

// Start drives wi through the full pending -> executing -> verifying ->
// committing -> {committed,discarded} state machine, returning the
// terminal Run. Start itself never returns without the run in a terminal
// projection state: every early-return path below discards first.
func (r *Runtime) Start(ctx context.Context, wi projection.WorkItem, exec Executor, opts ...Option) (*projection.Run, error) {
	o := startOptions{budgets: DefaultBudgets, cleanHandoff: true}
	for _, opt := range opts {
		opt(&o)
	}

	run := &projection.Run{
		RunID:      uuid.NewString(),
		WorkItemID: wi.WorkItemID,
		Budgets:    o.budgets,
		Status:     projection.RunPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	snapshot, tail, err := r.snapshotFor(ctx, wi)
	if err != nil {
		return r.discard(ctx, run, err)
	}

	decision, err := r.Mood.Decide(ctx, mood.Input{
		ProjectionSnapshot: snapshot,
		UnreadEventTail:    tail,
		CleanHandoff:       o.cleanHandoff,
	})
	if err != nil {
		return r.discard(ctx, run, fmt.Errorf("%w: mood decision: %v", ErrProjectionInconsistency, err))
	}
	run.Mood = string(decision.SelectedMood)

	sandboxID, err := r.Sandboxes.Create(ctx, run.RunID+":create", decision.Profile.SandboxPolicy())
	if err != nil {
		return r.discard(ctx, run, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err))
	}
	run.SandboxID = sandboxID

	preRunCheckpoint, err := r.Sandboxes.Checkpoint(ctx, run.RunID+":pre", sandboxID)
	if err != nil {
		return r.teardownAndDiscard(ctx, run, fmt.Errorf("%w: checkpoint before run: %v", ErrSandboxUnavailable, err))
	}

	if _, err := r.Receipts.Emit(ctx, eventlog.TypeRunStart, run.RunID, []string{wi.WorkItemID, sandboxID}, map[string]any{"mood": run.Mood}); err != nil {
		return r.teardownAndDiscard(ctx, run, err)
	}

	run.Status = projection.RunExecuting
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeRunStatus, run.RunID, nil, map[string]any{"status": string(run.Status)}); err != nil {
		return r.teardownAndDiscard(ctx, run, err)
	}
	budgetTracker := NewBudgetTracker(run.Budgets)

	writeLease, err := r.Leases.Grant(ctx, run.RunID, SyscallWriteFS, sandboxID, 0, -1)
	if err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, fmt.Errorf("%w: %v", ErrCapabilityDenied, err))
	}

	if err := r.checkSafePoint(o.cancel); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}

	touchedPaths, diffHash, err := exec.Execute(ctx, sandboxID, decision.Profile, budgetTracker)
	r.Leases.Revoke(writeLease.ID)
	if err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeReceiptPatch, run.RunID, touchedPaths, map[string]any{"diff_hash": diffHash}); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}

	if err := r.checkSafePoint(o.cancel); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}

	run.Status = projection.RunVerifying
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeRunStatus, run.RunID, nil, map[string]any{"status": string(run.Status)}); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}
	plan := planner.SelectPlan(run.Mood, touchedPaths, wi.RiskTier, r.Allowlist)
	run.VerifierPlanID = plan.PlanID

	attestations, err := r.Verifiers.Run(ctx, sandboxID, plan, targetAtomHash(wi, diffHash), configHash(r.Allowlist))
	if err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, fmt.Errorf("%w: %v", ErrVerifierCrash, err))
	}
	for _, att := range attestations {
		if _, err := r.Receipts.Emit(ctx, eventlog.TypeReceiptVerifier, run.RunID, []string{att.AttestationID}, map[string]any{"result": string(att.Result), "verifier_id": att.VerifierID}); err != nil {
			return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
		}
	}

	run.Status = projection.RunCommitting
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeRunStatus, run.RunID, nil, map[string]any{"status": string(run.Status)}); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}
	if err := r.evaluateCommitGate(decision.Profile, attestations); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}

	commitLease, err := r.Leases.Grant(ctx, run.RunID, SyscallWriteFS, sandboxID, 0, 1)
	if err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, fmt.Errorf("%w: %v", ErrCapabilityDenied, err))
	}
	defer r.Leases.Revoke(commitLease.ID)

	attestationIDs := make([]string, 0, len(attestations))
	for _, att := range attestations {
		attestationIDs = append(attestationIDs, att.AttestationID)
	}
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeCommit, run.RunID, attestationIDs, map[string]any{
		"diff_hash":        diffHash,
		"verifier_plan_id": plan.PlanID,
	}); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}
	if _, err := r.Receipts.Emit(ctx, eventlog.TypeReceiptCommit, run.RunID, []string{diffHash}, nil); err != nil {
		return r.restoreAndDiscard(ctx, run, sandboxID, preRunCheckpoint, err)
	}

	run.Status = projection.RunCommitted
	run.UpdatedAt = time.Now()
	r.Leases.RevokeAllForRun(run.RunID)
	return run, nil
}

// checkSafePoint reports ErrCancelled if cancel is closed. A nil channel
// never cancels.
func (r *Runtime) checkSafePoint(cancel <-chan struct{}) error {
	if cancel == nil {
		return nil
	}
	select {
	case <-cancel:
		return ErrCancelled
	default:
		return nil
	}
}

// evaluateCommitGate checks the attestations the plan produced: any fail
// blocks unconditionally, regardless of mood; inconclusive blocks only when
// the mood's strictness sets BlockOnInconclusive; flaky never blocks. It does
// not compare the attestations against the work item's RequiredVerifiers, so
// a required verifier type absent from the plan does not block the commit.
func (r *Runtime) evaluateCommitGate(profile mood.Profile, attestations []verifier.Attestation) error {
	for _, att := range attestations {
		switch att.Result {
		case verifier.ResultFail:
			return fmt.Errorf("%w: verifier %s failed", ErrPolicyRefused, att.VerifierID)
		case verifier.ResultInconclusive:
			if profile.VerifierStrictness.BlockOnInconclusive {
				return fmt.Errorf("%w: verifier %s inconclusive under %s strictness", ErrPolicyRefused, att.VerifierID, profile.Mood)
			}
		}
	}
	return nil
}

// discard marks run discarded without a sandbox to tear down (failure
// occurred before sandbox allocation).
func (r *Runtime) discard(ctx context.Context, run *projection.Run, cause error) (*projection.Run, error) {
	run.Status = projection.RunDiscarded
	run.DiscardReason = cause.Error()
	run.UpdatedAt = time.Now()
	r.Leases.RevokeAllForRun(run.RunID)
	_, _ = r.Receipts.Emit(ctx, eventlog.TypeRunStatus, run.RunID, nil, map[string]any{"status": string(run.Status), "reason": cause.Error()})
	_, _ = r.Receipts.Emit(ctx, eventlog.TypeNoteHypothesis, run.RunID, nil, map[string]any{"why": cause.Error()})
	return run, cause
}

// teardownAndDiscard destroys a sandbox that was created but not yet
// written to (failure before any write could have occurred), then discards
// the run.
func (r *Runtime) teardownAndDiscard(ctx context.Context, run *projection.Run, cause error) (*projection.Run, error) {
	_ = r.Sandboxes.Destroy(ctx, run.RunID+":teardown", run.SandboxID)
	return r.discard(ctx, run, cause)
}

// restoreAndDiscard restores the sandbox to its pre-run checkpoint (undoing
// any mutation this run made) before discarding, satisfying the invariant
// that no durable workspace mutation persists when a run ends discarded.
func (r *Runtime) restoreAndDiscard(ctx context.Context, run *projection.Run, sandboxID, checkpointRef string, cause error) (*projection.Run, error) {
	if err := r.Sandboxes.Restore(ctx, run.RunID+":restore", sandboxID, checkpointRef); err != nil {
		cause = fmt.Errorf("%w (restore also failed: %v)", cause, err)
	}
	_ = r.Sandboxes.Destroy(ctx, run.RunID+":teardown", sandboxID)
	return r.discard(ctx, run, cause)
}

// snapshotFor builds the mood.Snapshot and unread event tail the mood
// engine needs to decide wi's run mood: the current AHDB vector, the most
// recent run and attestations for wi, and whether an acceptance demo and
// conjectures are already on record.
func (r *Runtime) snapshotFor(ctx context.Context, wi projection.WorkItem) (mood.Snapshot, mood.EventTail, error) {
	ahdb, err := r.Projection.GetAHDB(ctx)
	if err != nil {
		return mood.Snapshot{}, nil, fmt.Errorf("get ahdb: %w", err)
	}

	var lastRun projection.Run
	if runs, err := r.Projection.ListRunsForWorkItem(ctx, wi.WorkItemID); err == nil {
		for _, run := range runs {
			if lastRun.RunID == "" || run.CreatedAt.After(lastRun.CreatedAt) {
				lastRun = run
			}
		}
	}

	var recentAttests []projection.Attestation
	for _, hash := range ahdb.Assert {
		atts, err := r.Projection.ListAttestations(ctx, hash)
		if err != nil {
			continue
		}
		recentAttests = append(recentAttests, atts...)
	}
	sort.SliceStable(recentAttests, func(i, j int) bool {
		return recentAttests[i].CreatedAt.After(recentAttests[j].CreatedAt)
	})

	cursor, err := r.Projection.Cursor(ctx)
	if err != nil {
		return mood.Snapshot{}, nil, fmt.Errorf("get cursor: %w", err)
	}
	const tailWindow = 20
	from := cursor - tailWindow
	if from < 0 {
		from = 0
	}
	tail, err := r.Log.Range(ctx, from, cursor)
	if err != nil {
		tail = nil
	}

	return mood.Snapshot{
		AHDB:           ahdb,
		WorkItem:       wi,
		Run:            lastRun,
		RecentAttests:  recentAttests,
		HasAcceptance:  wi.AcceptanceCriteria != "",
		HasConjectures: len(ahdb.Conjectures) > 0,
	}, mood.EventTail(tail), nil
}

// targetAtomHash derives a stable content address for the atom this run's
// verifiers attest to, from the work item identity and the diff it
// produced.
func targetAtomHash(wi projection.WorkItem, diffHash string) string {
	sum := sha256.Sum256([]byte(wi.WorkItemID + ":" + diffHash))
	return hex.EncodeToString(sum[:])
}

// configHash derives a stable content address for the verifier allowlist
// configuration, so attestations record exactly which configuration
// produced them.
func configHash(allowlist []verifier.AllowlistEntry) string {
	h := sha256.New()
	for _, e := range allowlist {
		h.Write([]byte(e.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
