package director

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyscallClass names a class of privileged operation a run must hold a
// lease for before performing. This generalizes the gated tool-call
// confirmation in runtime/agent/runtime/confirmation.go from "ask the user
// before this one call" to "ask the orchestrator before this class of
// call, for this scope, until this budget or TTL runs out."
type SyscallClass string

// Recognized syscall classes.
const (
	SyscallReadFS  SyscallClass = "fs.read"
	SyscallWriteFS SyscallClass = "fs.write"
	SyscallExec    SyscallClass = "exec"
	SyscallNet     SyscallClass = "net"
)

// Lease grants a run's sandbox the right to perform one SyscallClass
// against one Scope until ExpiresAt or until Revoke is called, whichever
// comes first.
type Lease struct {
	ID           string
	RunID        string
	SyscallClass SyscallClass
	Scope        string // e.g. a workspace path or hostname pattern
	Budget       int64  // remaining uses; <0 means unbounded
	GrantedAt    time.Time
	ExpiresAt    time.Time
}

func (l Lease) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// ErrLeaseHeld is returned by Grant when a WRITE lease on scope is already
// outstanding: at most one WRITE lease for a given durable workspace may be
// outstanding at a time.
var ErrLeaseHeld = fmt.Errorf("%w: write lease already held for this scope", ErrCapabilityDenied)

// LeaseManager is the sole issuer of capability leases. It is the only path
// to shared-workspace mutation, mirroring the single-flight token in
// workflow_await_queue.go but scoped to (syscall class, workspace) instead
// of (workflow, signal).
type LeaseManager struct {
	mu sync.Mutex
	// writeHolders maps a WRITE scope to the lease currently holding it,
	// enforcing the one-outstanding-WRITE-lease-per-workspace invariant.
	writeHolders map[string]string
	leases       map[string]*Lease
}

// NewLeaseManager returns an empty LeaseManager.
func NewLeaseManager() *LeaseManager {
	return &LeaseManager{
		writeHolders: make(map[string]string),
		leases:       make(map[string]*Lease),
	}
}

// Grant issues a new lease for runID over class/scope, valid for ttl (zero
// means no expiry) and budget uses (negative means unbounded). WRITE leases
// on a scope already held return ErrLeaseHeld.
func (m *LeaseManager) Grant(_ context.Context, runID string, class SyscallClass, scope string, ttl time.Duration, budget int64) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if class == SyscallWriteFS {
		if holder, ok := m.writeHolders[scope]; ok {
			if existing, ok := m.leases[holder]; ok && !existing.expired(time.Now()) {
				return nil, ErrLeaseHeld
			}
			delete(m.writeHolders, scope)
		}
	}

	now := time.Now()
	lease := &Lease{
		ID:           uuid.NewString(),
		RunID:        runID,
		SyscallClass: class,
		Scope:        scope,
		Budget:       budget,
		GrantedAt:    now,
	}
	if ttl > 0 {
		lease.ExpiresAt = now.Add(ttl)
	}
	m.leases[lease.ID] = lease
	if class == SyscallWriteFS {
		m.writeHolders[scope] = lease.ID
	}
	return lease, nil
}

// Consume debits n uses from leaseID's budget, failing if the lease is
// unknown, expired, or exhausted.
func (m *LeaseManager) Consume(leaseID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: unknown lease %q", ErrCapabilityDenied, leaseID)
	}
	if lease.expired(time.Now()) {
		return fmt.Errorf("%w: lease %q expired", ErrCapabilityDenied, leaseID)
	}
	if lease.Budget >= 0 {
		if lease.Budget < n {
			return fmt.Errorf("%w: lease %q budget exhausted", ErrCapabilityDenied, leaseID)
		}
		lease.Budget -= n
	}
	return nil
}

// Revoke immediately invalidates leaseID regardless of TTL or remaining
// budget. Revoking an unknown lease is a no-op: callers revoke
// defensively at run teardown without needing to track what was actually
// granted.
func (m *LeaseManager) Revoke(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return
	}
	delete(m.leases, leaseID)
	if lease.SyscallClass == SyscallWriteFS && m.writeHolders[lease.Scope] == leaseID {
		delete(m.writeHolders, lease.Scope)
	}
}

// RevokeAllForRun revokes every lease currently held by runID. Called at
// the end of every run transition into a terminal state: leases consumed
// during execution never carry over to the next phase.
func (m *LeaseManager) RevokeAllForRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, lease := range m.leases {
		if lease.RunID != runID {
			continue
		}
		delete(m.leases, id)
		if lease.SyscallClass == SyscallWriteFS && m.writeHolders[lease.Scope] == id {
			delete(m.writeHolders, lease.Scope)
		}
	}
}
