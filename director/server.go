package director

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/mood"
	"github.com/choiros/director/projection"
	"github.com/choiros/director/sandbox"
)

// Server exposes the Supervisor API's representative minimum endpoint set
// over net/http. A Goa-generated transport is the usual shape for a service
// boundary in this codebase (see registry's gRPC server), but that requires
// running `goa gen` against a design package; this binary is assembled
// without ever invoking the Go toolchain, so the transport is hand-wired
// instead. Routing and error-to-status mapping follow the same envelope the
// generated services would: typed request/response structs, one handler per
// operation, and every writable call going through Runtime/Log exactly as an
// in-process caller would.
type Server struct {
	Runtime    *Runtime
	Projection projection.Store
	Sandboxes  sandbox.Provider
	Log        eventlog.Log
	UserID     string
}

// NewServer builds a Server backed by rt.
func NewServer(rt *Runtime, store projection.Store, sandboxes sandbox.Provider, log eventlog.Log, userID string) *Server {
	return &Server{
		Runtime:    rt,
		Projection: store,
		Sandboxes:  sandboxes,
		Log:        log,
		UserID:     userID,
	}
}

// Routes builds the mux for the full endpoint set.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleCreateRun)
	mux.HandleFunc("POST /run/{id}/note", s.handleNote)
	mux.HandleFunc("POST /run/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /run/{id}/commit_request", s.handleCommitRequest)
	mux.HandleFunc("POST /work_item", s.handleWorkItem)
	mux.HandleFunc("GET /state/ahdb", s.handleAHDB)
	mux.HandleFunc("GET /receipts/{id}", s.handleReceipt)
	mux.HandleFunc("POST /sandbox/create", s.handleSandboxCreate)
	mux.HandleFunc("POST /sandbox/exec", s.handleSandboxExec)
	mux.HandleFunc("POST /sandbox/checkpoint", s.handleSandboxCheckpoint)
	mux.HandleFunc("POST /sandbox/restore", s.handleSandboxRestore)
	mux.HandleFunc("POST /sandbox/destroy", s.handleSandboxDestroy)
	mux.HandleFunc("POST /sandbox/proxy", s.handleSandboxProxy)
	return mux
}

// --- request/response envelopes ---

type runRequest struct {
	WorkItem     projection.WorkItem `json:"work_item"`
	Patch        *sandbox.Patch      `json:"patch,omitempty"`
	CleanHandoff *bool               `json:"clean_handoff,omitempty"`
}

type runResponse struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	Mood           string `json:"mood"`
	VerifierPlanID string `json:"verifier_plan_id,omitempty"`
	DiscardReason  string `json:"discard_reason,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkItem.WorkItemID == "" {
		req.WorkItem.WorkItemID = uuid.NewString()
	}

	var patch sandbox.Patch
	if req.Patch != nil {
		patch = *req.Patch
	}
	exec := &runExecutor{patch: patch, sandboxes: s.Sandboxes}

	opts := []Option{}
	if req.CleanHandoff != nil {
		opts = append(opts, WithCleanHandoff(*req.CleanHandoff))
	}

	run, err := s.Runtime.Start(r.Context(), req.WorkItem, exec, opts...)
	status := http.StatusOK
	if err != nil {
		status = statusForError(err)
	}
	resp := runResponse{Mood: "", Status: ""}
	if run != nil {
		resp = runResponse{
			RunID:          run.RunID,
			Status:         string(run.Status),
			Mood:           run.Mood,
			VerifierPlanID: run.VerifierPlanID,
			DiscardReason:  run.DiscardReason,
		}
	}
	writeJSON(w, status, envelope(resp, err))
}

// runExecutor is the concrete Executor /run wires in: it applies the
// inline patch (if any) to the run's sandbox via WriteFiles. Production use
// replaces this with an Executor that drives the actual tool-calling loop;
// this one exists so the control surface is runnable end-to-end without
// that loop.
type runExecutor struct {
	patch     sandbox.Patch
	sandboxes sandbox.Provider
}

// NewInlinePatchExecutor builds the same patch-applying Executor /run wires
// in, for callers outside this package that drive Runtime.Start directly
// (cmd/director's -cmd=run mode). patch may be nil, in which case Execute is
// a no-op.
func NewInlinePatchExecutor(sandboxes sandbox.Provider, patch *sandbox.Patch) Executor {
	e := &runExecutor{sandboxes: sandboxes}
	if patch != nil {
		e.patch = *patch
	}
	return e
}

func (e *runExecutor) Execute(ctx context.Context, sandboxID string, _ mood.Profile, _ *BudgetTracker) ([]string, string, error) {
	if len(e.patch.Writes) == 0 && len(e.patch.Deletes) == 0 && len(e.patch.Moves) == 0 {
		return nil, "", nil
	}
	diffHash, err := e.sandboxes.WriteFiles(ctx, uuid.NewString(), sandboxID, e.patch)
	if err != nil {
		return nil, "", err
	}
	touched := make([]string, 0, len(e.patch.Writes)+len(e.patch.Deletes)+len(e.patch.Moves))
	for path := range e.patch.Writes {
		touched = append(touched, path)
	}
	touched = append(touched, e.patch.Deletes...)
	for src := range e.patch.Moves {
		touched = append(touched, src)
	}
	return touched, diffHash, nil
}

type noteRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := r.PathValue("id")
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	req.Payload["run_id"] = runID
	e := eventlog.NewEvent(s.UserID, eventlog.SourceUser, req.Type, req.Payload)
	seq, err := s.Log.Append(r.Context(), e)
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": seq})
}

type verifyRequest struct {
	AttestationID   string  `json:"attestation_id"`
	VerifierID      string  `json:"verifier_id"`
	TargetAtomHash  string  `json:"target_atom_hash"`
	VerifierType    string  `json:"verifier_type"`
	Result          string  `json:"result"`
	ArtifactHash    string  `json:"artifact_hash"`
	VerifierVersion string  `json:"verifier_version"`
	Confidence      float64 `json:"confidence"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := r.PathValue("id")
	if req.AttestationID == "" {
		req.AttestationID = uuid.NewString()
	}
	seq, err := s.Runtime.Receipts.Emit(r.Context(), eventlog.TypeReceiptVerifier, runID, []string{req.AttestationID}, map[string]any{
		"attestation_id":   req.AttestationID,
		"verifier_id":      req.VerifierID,
		"target_atom_hash": req.TargetAtomHash,
		"verifier_type":    req.VerifierType,
		"result":           req.Result,
		"artifact_hash":    req.ArtifactHash,
		"verifier_version": req.VerifierVersion,
		"confidence":       req.Confidence,
	})
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": seq})
}

// handleCommitRequest answers a commit request for runID from the receipts
// already on record, without re-running Start's full phase sequence. It is
// the endpoint a caller hits after driving execute/verify through separate
// calls instead of a single /run invocation. It checks only that at least
// one receipt.verifier is recorded for the run; verifier results are not
// inspected, so a fail or inconclusive attestation does not block it.
func (s *Server) handleCommitRequest(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.Projection.GetRun(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, envelope(nil, err))
		return
	}
	receipts, err := s.Projection.ListReceiptsForRun(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope(nil, err))
		return
	}

	verifierReceipts := 0
	for _, rcpt := range receipts {
		if rcpt.Kind == eventlog.TypeReceiptVerifier {
			verifierReceipts++
		}
	}
	if verifierReceipts == 0 {
		err := fmt.Errorf("%w: no verifier attestations on record for run %s", ErrPolicyRefused, runID)
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}

	seq, err := s.Runtime.Receipts.Emit(r.Context(), eventlog.TypeCommit, runID, nil, map[string]any{"verifier_plan_id": run.VerifierPlanID})
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq})
}

type workItemRequest struct {
	WorkItemID         string                `json:"work_item_id"`
	Description        string                `json:"description"`
	AcceptanceCriteria string                `json:"acceptance_criteria"`
	RequiredVerifiers  []string              `json:"required_verifiers"`
	RiskTier           string                `json:"risk_tier"`
	Dependencies       []string              `json:"dependencies"`
	Status             string                `json:"status,omitempty"`
	Split              *workItemSplitRequest `json:"split,omitempty"`
}

type workItemSplitRequest struct {
	Reason   string         `json:"reason"`
	Children []SplitRequest `json:"children"`
}

func (s *Server) handleWorkItem(w http.ResponseWriter, r *http.Request) {
	var req workItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Split != nil {
		parent, err := s.Projection.GetWorkItem(r.Context(), req.WorkItemID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, envelope(nil, err))
			return
		}
		children, err := Split(r.Context(), s.Log, s.UserID, parent, req.Split.Reason, req.Split.Children)
		if err != nil {
			writeJSON(w, statusForError(err), envelope(nil, err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"children": children})
		return
	}

	if req.Status != "" {
		if req.WorkItemID == "" {
			writeJSON(w, http.StatusBadRequest, envelope(nil, errors.New("work_item_id is required")))
			return
		}
		e := eventlog.NewEvent(s.UserID, eventlog.SourceUser, eventlog.TypeWorkItemStatus, map[string]any{
			"work_item_id": req.WorkItemID,
			"status":       req.Status,
		})
		seq, err := s.Log.Append(r.Context(), e)
		if err != nil {
			writeJSON(w, statusForError(err), envelope(nil, err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"seq": seq})
		return
	}

	if req.WorkItemID == "" {
		req.WorkItemID = uuid.NewString()
	}
	e := eventlog.NewEvent(s.UserID, eventlog.SourceUser, eventlog.TypeWorkItemCreated, map[string]any{
		"work_item_id":        req.WorkItemID,
		"description":         req.Description,
		"acceptance_criteria": req.AcceptanceCriteria,
		"required_verifiers":  req.RequiredVerifiers,
		"risk_tier":           req.RiskTier,
		"dependencies":        req.Dependencies,
	})
	seq, err := s.Log.Append(r.Context(), e)
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"work_item_id": req.WorkItemID, "seq": seq})
}

func (s *Server) handleAHDB(w http.ResponseWriter, r *http.Request) {
	ahdb, err := s.Projection.GetAHDB(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, ahdb)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	receipt, err := s.Projection.GetReceipt(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- sandbox lifecycle passthrough ---

type sandboxCreateRequest struct {
	OperationID string         `json:"operation_id"`
	Policy      sandbox.Policy `json:"policy"`
}

func (s *Server) handleSandboxCreate(w http.ResponseWriter, r *http.Request) {
	var req sandboxCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	id, err := s.Sandboxes.Create(r.Context(), req.OperationID, req.Policy)
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sandbox_id": id})
}

type sandboxExecRequest struct {
	OperationID string   `json:"operation_id"`
	SandboxID   string   `json:"sandbox_id"`
	Command     []string `json:"command"`
}

func (s *Server) handleSandboxExec(w http.ResponseWriter, r *http.Request) {
	var req sandboxExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	stdout := newBufferWriter()
	stderr := newBufferWriter()
	result, err := s.Sandboxes.Exec(r.Context(), req.OperationID, req.SandboxID, req.Command, sandbox.Streams{Stdout: stdout, Stderr: stderr})
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sandboxIDRequest struct {
	OperationID   string `json:"operation_id"`
	SandboxID     string `json:"sandbox_id"`
	CheckpointRef string `json:"checkpoint_ref,omitempty"`
	Port          int    `json:"port,omitempty"`
}

func (s *Server) handleSandboxCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req sandboxIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := s.Sandboxes.Checkpoint(r.Context(), req.OperationID, req.SandboxID)
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint_ref": ref})
}

func (s *Server) handleSandboxRestore(w http.ResponseWriter, r *http.Request) {
	var req sandboxIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Sandboxes.Restore(r.Context(), req.OperationID, req.SandboxID, req.CheckpointRef); err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSandboxDestroy(w http.ResponseWriter, r *http.Request) {
	var req sandboxIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Sandboxes.Destroy(r.Context(), req.OperationID, req.SandboxID); err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSandboxProxy(w http.ResponseWriter, r *http.Request) {
	var req sandboxIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tunnelURL, err := s.Sandboxes.Proxy(r.Context(), req.SandboxID, req.Port)
	if err != nil {
		writeJSON(w, statusForError(err), envelope(nil, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnel_url": tunnelURL})
}

// --- shared plumbing ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope(nil, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func envelope(body any, err error) any {
	if err == nil {
		return body
	}
	return map[string]any{"error": err.Error()}
}

// statusForError maps the director error taxonomy onto HTTP status codes,
// the same classification cmd/director's control CLI maps onto process
// exit codes (spec.md §6.5).
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrContractViolation):
		return http.StatusBadRequest
	case errors.Is(err, ErrProjectionInconsistency):
		return http.StatusConflict
	case errors.Is(err, ErrSandboxUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrVerifierFailure), errors.Is(err, ErrVerifierCrash):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBudgetExhausted):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrPolicyRefused):
		return http.StatusConflict
	case errors.Is(err, ErrCapabilityDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrCancelled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// bufferWriter is a minimal sandbox.ArtifactWriter backed by an in-memory
// buffer, used so HTTP-triggered Exec calls have somewhere to stream to
// without standing up a real artifact store.
type bufferWriter struct {
	buf  []byte
	hash string
}

func newBufferWriter() *bufferWriter { return &bufferWriter{} }

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *bufferWriter) Hash() string {
	if b.hash == "" {
		sum := sha256.Sum256(b.buf)
		b.hash = hex.EncodeToString(sum[:])
	}
	return b.hash
}
