// Package inmem provides a local, process-isolated Provider implementation
// for development and tests: simple mutex-guarded maps, no real isolation,
// not for production workloads.
package inmem

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/sandbox"
)

type box struct {
	id             string
	policy         sandbox.Policy
	state          sandbox.State
	files          map[string][]byte
	checkpoints    map[string]map[string][]byte // ref -> snapshot of files
	checkpointRefs []string
	createdAt      time.Time
}

// Provider is an in-memory sandbox.Provider. Files live in a plain map per
// sandbox; checkpoints are full-map snapshots; exec never actually runs a
// command, it simulates one by recording the call — this backend is for
// tests, not production.
type Provider struct {
	mu    sync.Mutex
	boxes map[string]*box
	// seen de-duplicates operations by (sandboxID, operationID), giving the
	// idempotency-on-(sandbox_id,operation_id) contract for free.
	seen map[string]any
}

// New returns an empty in-memory Provider.
func New() *Provider {
	return &Provider{
		boxes: make(map[string]*box),
		seen:  make(map[string]any),
	}
}

func opKey(sandboxID, operationID string) string { return sandboxID + "/" + operationID }

// Create implements sandbox.Provider.
func (p *Provider) Create(_ context.Context, operationID string, policy sandbox.Policy) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// No sandbox ID exists yet, so Create is keyed on operationID alone.
	key := opKey("", operationID)
	if cached, ok := p.seen[key]; ok {
		return cached.(string), nil
	}
	id := uuid.NewString()
	b := &box{
		id:          id,
		policy:      policy,
		state:       sandbox.StateReady,
		files:       make(map[string][]byte),
		checkpoints: make(map[string]map[string][]byte),
		createdAt:   time.Now(),
	}
	p.boxes[id] = b
	p.seen[key] = id
	return id, nil
}

// Exec implements sandbox.Provider. It does not spawn a real process; it
// records the invocation and reports success unless the sandbox's policy
// forbids execution, matching ErrDenied semantics tested against mood
// policies that set ExecPermitted=false.
func (p *Provider) Exec(_ context.Context, operationID, sandboxID string, command []string, streams sandbox.Streams) (sandbox.ExecResult, error) {
	p.mu.Lock()
	b, ok := p.boxes[sandboxID]
	p.mu.Unlock()
	if !ok {
		return sandbox.ExecResult{}, sandbox.ErrNotFound
	}
	if !b.policy.ExecPermitted {
		return sandbox.ExecResult{}, sandbox.ErrDenied
	}

	p.mu.Lock()
	key := opKey(sandboxID, operationID)
	if cached, ok := p.seen[key]; ok {
		p.mu.Unlock()
		return cached.(sandbox.ExecResult), nil
	}
	b.state = sandbox.StateRunning
	p.mu.Unlock()

	line := fmt.Sprintf("$ %v\n", command)
	if streams.Stdout != nil {
		_, _ = streams.Stdout.Write([]byte(line))
	}
	result := sandbox.ExecResult{ExitCode: 0}
	if streams.Stdout != nil {
		result.StdoutRef = streams.Stdout.Hash()
	}
	if streams.Stderr != nil {
		result.StderrRef = streams.Stderr.Hash()
	}

	p.mu.Lock()
	b.state = sandbox.StateReady
	p.seen[key] = result
	p.mu.Unlock()
	return result, nil
}

// WriteFiles implements sandbox.Provider.
func (p *Provider) WriteFiles(_ context.Context, operationID, sandboxID string, patch sandbox.Patch) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	key := opKey(sandboxID, operationID)
	if cached, ok := p.seen[key]; ok {
		return cached.(string), nil
	}

	h := sha256.New()
	for path, content := range patch.Writes {
		b.files[path] = content
		fmt.Fprintf(h, "write:%s:%x\n", path, sha256.Sum256(content))
	}
	for _, path := range patch.Deletes {
		delete(b.files, path)
		fmt.Fprintf(h, "delete:%s\n", path)
	}
	for src, dst := range patch.Moves {
		if content, ok := b.files[src]; ok {
			b.files[dst] = content
			delete(b.files, src)
		}
		fmt.Fprintf(h, "move:%s->%s\n", src, dst)
	}
	diffHash := "sha256:" + hex.EncodeToString(h.Sum(nil))
	p.seen[key] = diffHash
	return diffHash, nil
}

// Checkpoint implements sandbox.Provider.
func (p *Provider) Checkpoint(_ context.Context, operationID, sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	key := opKey(sandboxID, operationID)
	if cached, ok := p.seen[key]; ok {
		return cached.(string), nil
	}

	snapshot := make(map[string][]byte, len(b.files))
	for k, v := range b.files {
		snapshot[k] = append([]byte(nil), v...)
	}
	ref := uuid.NewString()
	b.checkpoints[ref] = snapshot
	b.checkpointRefs = append(b.checkpointRefs, ref)
	b.state = sandbox.StateCheckpointed
	p.seen[key] = ref
	return ref, nil
}

// Restore implements sandbox.Provider. Checkpoint followed immediately by
// restore with no intervening mutation yields an observably identical file
// set, since restore replaces b.files wholesale with the snapshot taken at
// Checkpoint time.
func (p *Provider) Restore(_ context.Context, operationID, sandboxID, checkpointRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return sandbox.ErrNotFound
	}
	key := opKey(sandboxID, operationID)
	if _, ok := p.seen[key]; ok {
		return nil
	}
	snapshot, ok := b.checkpoints[checkpointRef]
	if !ok {
		return fmt.Errorf("sandbox: unknown checkpoint ref %q", checkpointRef)
	}
	restored := make(map[string][]byte, len(snapshot))
	for k, v := range snapshot {
		restored[k] = append([]byte(nil), v...)
	}
	b.files = restored
	b.state = sandbox.StateReady
	p.seen[key] = true
	return nil
}

// Destroy implements sandbox.Provider. Irreversible.
func (p *Provider) Destroy(_ context.Context, operationID, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return sandbox.ErrNotFound
	}
	key := opKey(sandboxID, operationID)
	if _, ok := p.seen[key]; ok {
		return nil
	}
	b.state = sandbox.StateDestroyed
	b.files = nil
	b.checkpoints = nil
	p.seen[key] = true
	return nil
}

// Proxy implements sandbox.Provider. The in-memory backend has no UI
// rehydration tunnel; proxy support is optional.
func (p *Provider) Proxy(context.Context, string, int) (string, error) {
	return "", sandbox.ErrProxyUnsupported
}

// Describe implements sandbox.Provider.
func (p *Provider) Describe(_ context.Context, sandboxID string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return sandbox.Sandbox{}, sandbox.ErrNotFound
	}
	return sandbox.Sandbox{
		ID:             b.id,
		Kind:           sandbox.KindLocal,
		State:          b.state,
		Policy:         b.policy,
		CheckpointRefs: append([]string(nil), b.checkpointRefs...),
		CreatedAt:      b.createdAt,
	}, nil
}

// FileContent returns the current content of path in sandboxID, for tests
// asserting on WriteFiles/Restore behavior without a real filesystem.
func (p *Provider) FileContent(sandboxID, path string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[sandboxID]
	if !ok {
		return nil, false
	}
	content, ok := b.files[path]
	return content, ok
}

// BufferArtifact is a minimal sandbox.ArtifactWriter backed by an in-memory
// buffer, used by tests and by inmem.Exec callers that do not have a real
// content-addressed artifact store wired in yet.
type BufferArtifact struct {
	buf bytes.Buffer
}

// Write implements sandbox.ArtifactWriter.
func (a *BufferArtifact) Write(p []byte) (int, error) { return a.buf.Write(p) }

// Hash implements sandbox.ArtifactWriter.
func (a *BufferArtifact) Hash() string {
	sum := sha256.Sum256(a.buf.Bytes())
	return "sha256:" + hex.EncodeToString(sum[:])
}
