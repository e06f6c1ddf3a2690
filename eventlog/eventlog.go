// Package eventlog implements the append-only, content-addressable event log
// that is the single source of truth for the Director control plane. Every
// other component — the projection store, the mood engine, the verifier
// runner — is a deterministic function over this log.
//
// Canonical subject format (exact, never a permutation):
//
//	{namespace}.{user_id}.{source}.{event_type}
//
// event_type is always lower-case and dot-delimited; legacy separators ("/",
// "_") and upper-case forms are normalized on ingress (see Normalize).
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies who produced an event.
type Source string

// Recognized event sources.
const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

func (s Source) valid() bool {
	switch s {
	case SourceUser, SourceAgent, SourceSystem:
		return true
	default:
		return false
	}
}

// Canonical event types required by the wire contract.
const (
	TypeFileWrite  = "file.write"
	TypeFileDelete = "file.delete"
	TypeFileMove   = "file.move"

	TypeToolCall   = "tool.call"
	TypeToolResult = "tool.result"

	TypeWindowOpen  = "window.open"
	TypeWindowClose = "window.close"

	TypeCheckpoint = "checkpoint"
	TypeUndo       = "undo"
	TypeMessage    = "message"

	TypeRunStart          = "run.start"
	TypeRunStatus         = "run.status"
	TypeCommit            = "commit"
	TypeSpecChangeRequest = "spec.change.request"
	TypeSplitRequest      = "split.request"

	TypeWorkItemCreated = "work.item.created"
	TypeWorkItemStatus  = "work.item.status"

	TypeNoteObservation  = "note.observation"
	TypeNoteHypothesis   = "note.hypothesis"
	TypeNoteHyperthesis  = "note.hyperthesis"
	TypeNoteConjecture   = "note.conjecture"
	TypeNoteStatus       = "note.status"
	TypeNoteRequestHelp  = "note.request.help"
	TypeNoteRequestVerfy = "note.request.verify"

	TypeReceiptRead                 = "receipt.read"
	TypeReceiptPatch                = "receipt.patch"
	TypeReceiptVerifier             = "receipt.verifier"
	TypeReceiptNet                  = "receipt.net"
	TypeReceiptDB                   = "receipt.db"
	TypeReceiptExport               = "receipt.export"
	TypeReceiptPublish              = "receipt.publish"
	TypeReceiptCommit                = "receipt.commit"
	TypeReceiptAHDBDelta             = "receipt.ahdb.delta"
	TypeReceiptProjectionRebuild     = "receipt.projection.rebuild"
	TypeReceiptTimeout               = "receipt.timeout"
	TypeReceiptPolicyDecisionTokens  = "receipt.policy.decision.tokens"
	TypeReceiptSecurityAttestations  = "receipt.security.attestations"
	TypeReceiptContextFootprint      = "receipt.context.footprint"
	TypeReceiptHyperthesisDelta      = "receipt.hyperthesis.delta"
)

type (
	// Event is an immutable typed record appended to the log. Once appended an
	// Event is never modified; retention policies may garbage collect it but
	// never rewrite it.
	Event struct {
		// ID is a uuid assigned by the producer. Append is idempotent on ID: a
		// duplicate Append collapses to the sequence number of the earlier
		// record.
		ID string
		// Seq is the monotonic sequence number assigned by the log on Append.
		// Callers never set this; it is populated by the Store.
		Seq int64
		// TimestampMS is the Unix time in milliseconds the event occurred.
		TimestampMS int64
		// UserID identifies the owning user/subject namespace.
		UserID string
		// Source identifies who produced the event.
		Source Source
		// Type is the canonical, lower-case, dot-delimited event type. NewEvent
		// normalizes it (Normalize) and keeps the original type in RawType for
		// historical fidelity; Store implementations do not normalize, and
		// Append rejects an event whose Type is not canonical.
		Type string
		// RawType preserves the type exactly as submitted, before
		// normalization, for audit purposes. Empty when Type required no
		// normalization.
		RawType string
		// Payload is the structured, JSON-serializable event body. Raw
		// verifier output never appears here; large content is referenced by
		// (hash, span) pointers instead.
		Payload map[string]any
	}

	// Log is the append-only event store contract.
	Log interface {
		// Append persists e durably before returning, assigning Seq. Rejects
		// events whose Subject or Type violates the canonical format with a
		// *ContractViolationError — callers must not retry such errors.
		// Duplicate IDs collapse to the original Seq (idempotent).
		Append(ctx context.Context, e *Event) (seq int64, err error)

		// Range returns events with Seq in [from, to], inclusive, ordered.
		Range(ctx context.Context, from, to int64) ([]*Event, error)

		// Tail returns a restartable subscription of events appended after
		// `from` (exclusive), in append order. The returned Subscription may
		// be read indefinitely; Close stops delivery.
		Tail(ctx context.Context, from int64) (Subscription, error)
	}

	// Subscription is a restartable, potentially-infinite stream of events in
	// append order.
	Subscription interface {
		// Events delivers events in append order until the context is
		// canceled or Close is called.
		Events() <-chan *Event
		// Err returns the terminal error, if any, after the channel closes.
		Err() error
		// Close stops delivery and releases resources. Idempotent.
		Close() error
	}

	// ContractViolationError reports a structurally invalid event. It is
	// fatal at the producer: callers must not retry.
	ContractViolationError struct {
		Reason string
	}
)

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract_violation: %s", e.Reason)
}

// Namespace is the configured constant prefixing every subject (e.g.
// "choiros"). It is process-wide configuration, not per-event state.
var Namespace = "choiros"

// SubjectOf computes the canonical subject for e: exactly
// "{namespace}.{user_id}.{source}.{event_type}". The ordering is
// {user_id}.{source}.{event_type}; legacy data carrying {source}.{user_id}
// ordering requires a one-time migration and is not accepted here.
func SubjectOf(e *Event) string {
	return strings.Join([]string{Namespace, e.UserID, string(e.Source), e.Type}, ".")
}

// Normalize folds a raw event type into canonical form. Normalize is
// idempotent: Normalize(Normalize(t)) == Normalize(t).
//
//   - "/" and "_" separators fold to "."
//   - upper-case folds to lower-case
//   - "NOTE/<KIND>" and "NOTE_<KIND>" fold to "note.<kind>"
//   - "RECEIPT/<KIND>" and "<KIND>_RECEIPT" fold to "receipt.<kind>"
func Normalize(raw string) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		return t
	}
	lower := strings.ToLower(t)
	folded := strings.NewReplacer("/", ".", "_", ".").Replace(lower)

	// kind_receipt -> receipt.kind (the only form where receipt ends up on
	// the right of the separator before folding).
	if strings.HasSuffix(lower, "_receipt") && !strings.HasPrefix(lower, "receipt") {
		kind := strings.TrimSuffix(lower, "_receipt")
		kind = strings.ReplaceAll(kind, "_", ".")
		return "receipt." + kind
	}
	return folded
}

// Validate checks structural validity of e's subject and type. Returns a
// *ContractViolationError describing the first violation found.
func Validate(e *Event) error {
	if e == nil {
		return &ContractViolationError{Reason: "event is nil"}
	}
	if e.ID == "" {
		return &ContractViolationError{Reason: "id is required"}
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return &ContractViolationError{Reason: "id must be a uuid"}
	}
	if e.UserID == "" {
		return &ContractViolationError{Reason: "user_id is required"}
	}
	if !e.Source.valid() {
		return &ContractViolationError{Reason: fmt.Sprintf("source %q is not one of user,agent,system", e.Source)}
	}
	if e.Type == "" {
		return &ContractViolationError{Reason: "event_type is required"}
	}
	canonical := Normalize(e.Type)
	if canonical != e.Type {
		return &ContractViolationError{Reason: fmt.Sprintf("event_type %q is not canonical (want %q)", e.Type, canonical)}
	}
	return nil
}

// NewEvent builds an Event with a freshly generated ID and the current
// normalized type, ready for Append. TimestampMS defaults to now if zero.
func NewEvent(userID string, source Source, rawType string, payload map[string]any) *Event {
	canonical := Normalize(rawType)
	e := &Event{
		ID:          uuid.NewString(),
		TimestampMS: time.Now().UnixMilli(),
		UserID:      userID,
		Source:      source,
		Type:        canonical,
		Payload:     payload,
	}
	if canonical != rawType {
		e.RawType = rawType
	}
	return e
}

// ErrRetentionConflict is returned by a RetentionPolicy when compaction would
// remove events still referenced by an unreplayed projection cursor.
var ErrRetentionConflict = errors.New("eventlog: retention would remove events behind an unreplayed projection cursor")

// RetentionPolicy bounds log growth by age or size without ever deleting
// events still referenced by an unreplayed projection pointer.
type RetentionPolicy struct {
	// MaxAge compacts events older than this duration, subject to the
	// watermark guard below.
	MaxAge time.Duration
	// MaxEvents compacts down to this count, subject to the watermark guard.
	MaxEvents int64
}

// CompactableUpTo returns the highest sequence number this policy would
// compact given the current tip sequence and time, clamped to watermark (the
// lowest cursor any projector has not yet consumed). Returns 0 if nothing may
// be compacted yet.
func (p RetentionPolicy) CompactableUpTo(tipSeq int64, tipAge time.Duration, watermark int64) int64 {
	var bySize int64
	if p.MaxEvents > 0 && tipSeq > p.MaxEvents {
		bySize = tipSeq - p.MaxEvents
	}
	var byAge int64
	if p.MaxAge > 0 && tipAge > p.MaxAge {
		byAge = tipSeq
	}
	target := bySize
	if byAge > target {
		target = byAge
	}
	if target > watermark {
		target = watermark
	}
	if target < 0 {
		target = 0
	}
	return target
}
