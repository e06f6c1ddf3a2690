// Package sandbox abstracts isolated execution environments behind one
// Provider interface with two backends (sandbox/inmem, sandbox/temporal),
// generalizing the engine.Engine pluggable-backend pattern from workflow
// execution to sandbox lifecycle management.
package sandbox

import (
	"context"
	"errors"
	"time"
)

type (
	// Kind distinguishes a local, in-process sandbox from a remote,
	// durably-backed one.
	Kind string

	// State is the lifecycle state of a sandbox instance.
	State string

	// EgressMode constrains a sandbox's outbound network access.
	EgressMode string
)

// Sandbox kinds.
const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Sandbox states.
const (
	StateCreated      State = "created"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateCheckpointed State = "checkpointed"
	StateDestroyed    State = "destroyed"
)

// Egress modes.
const (
	EgressDeny      EgressMode = "deny"
	EgressAllowlist EgressMode = "allowlist"
	EgressOpen      EgressMode = "open"
)

var (
	// ErrProxyUnsupported is returned by Provider.Proxy on backends that
	// have no UI-rehydration tunnel; proxy support is optional.
	ErrProxyUnsupported = errors.New("sandbox: proxy not supported by this backend")
	// ErrUnavailable is the canonical sandbox_unavailable error: a remote
	// backend's operation exceeded its retry deadline.
	ErrUnavailable = errors.New("sandbox: backend unavailable")
	// ErrNotFound indicates the sandbox_id is unknown to this provider.
	ErrNotFound = errors.New("sandbox: not found")
	// ErrDenied indicates the requested operation violates the sandbox's
	// Policy (e.g. exec when Policy.ExecPermitted is false).
	ErrDenied = errors.New("sandbox: denied by policy")
)

type (
	// Policy constrains what a sandbox may do, derived per-mood by
	// mood.Profile.SandboxPolicy().
	Policy struct {
		Egress           EgressMode
		EgressAllowlist  []string // hostnames, only consulted when Egress == EgressAllowlist
		ReadPaths        []string
		WritePaths       []string
		ExecPermitted    bool
		CPULimitMillis   int64
		MemLimitBytes    int64
		WallTimeBudget   time.Duration
	}

	// Sandbox is the provider-agnostic view of one allocated environment.
	Sandbox struct {
		ID             string
		Kind           Kind
		State          State
		Policy         Policy
		CheckpointRefs []string
		CreatedAt      time.Time
	}

	// Patch is a structured filesystem mutation applied via WriteFiles.
	Patch struct {
		Writes  map[string][]byte // path -> full content
		Deletes []string
		Moves   map[string]string // src -> dst
	}

	// Streams carries the stdout/stderr sinks an Exec call writes to. Both
	// are content-addressed artifact writers, never returned inline.
	Streams struct {
		Stdout ArtifactWriter
		Stderr ArtifactWriter
	}

	// ArtifactWriter accepts streamed bytes and yields a content hash once
	// closed.
	ArtifactWriter interface {
		Write(p []byte) (int, error)
		Hash() string
	}

	// ExecResult is the outcome of Provider.Exec.
	ExecResult struct {
		ExitCode  int
		StdoutRef string
		StderrRef string
	}

	// Provider abstracts the sandbox lifecycle: create, exec, write_files,
	// checkpoint, restore, destroy, proxy. Every operation must be idempotent
	// on (sandboxID, operationID): replaying the same operationID against the
	// same sandbox must not re-apply side effects.
	Provider interface {
		// Create allocates a sandbox under policy and returns its ID.
		Create(ctx context.Context, operationID string, policy Policy) (sandboxID string, err error)

		// Exec runs command inside sandboxID, streaming stdout/stderr to
		// streams and returning the exit code and artifact references.
		Exec(ctx context.Context, operationID, sandboxID string, command []string, streams Streams) (ExecResult, error)

		// WriteFiles applies a structured patch and returns its diff hash.
		WriteFiles(ctx context.Context, operationID, sandboxID string, patch Patch) (diffHash string, err error)

		// Checkpoint captures a restorable point and returns its reference.
		Checkpoint(ctx context.Context, operationID, sandboxID string) (checkpointRef string, err error)

		// Restore rolls sandboxID back to checkpointRef.
		Restore(ctx context.Context, operationID, sandboxID, checkpointRef string) error

		// Destroy releases all resources held by sandboxID. Irreversible.
		Destroy(ctx context.Context, operationID, sandboxID string) error

		// Proxy returns a tunnel URL for UI rehydration, or
		// ErrProxyUnsupported if the backend has none.
		Proxy(ctx context.Context, sandboxID string, port int) (tunnelURL string, err error)

		// Describe returns the current observable state of sandboxID.
		Describe(ctx context.Context, sandboxID string) (Sandbox, error)
	}
)
