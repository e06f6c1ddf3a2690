// Package temporal implements sandbox.Provider as a thin domain layer over
// the generic engine.Engine abstraction (runtime/agent/engine), which
// runtime/agent/engine/temporal implements against the real Temporal Go SDK.
// Every sandbox operation runs as its own single-activity workflow,
// keyed by operationID
// as the Temporal workflow ID: starting the same operationID twice returns
// the same workflow execution instead of re-running the activity, which is
// how this backend gets idempotency-by-(sandbox_id, operation_id) for free
// from Temporal's own workflow-ID deduplication rather than an
// application-level seen-set.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/choiros/director/runtime/agent/engine"
	"github.com/choiros/director/sandbox"
)

const (
	workflowName = "director.SandboxOperation"

	activityCreate     = "director.sandbox.create"
	activityExec       = "director.sandbox.exec"
	activityWriteFiles = "director.sandbox.write_files"
	activityCheckpoint = "director.sandbox.checkpoint"
	activityRestore    = "director.sandbox.restore"
	activityDestroy    = "director.sandbox.destroy"
	activityProxy      = "director.sandbox.proxy"
)

// Backend is the narrow surface sandbox/temporal needs from whatever
// concrete sandbox runtime the activities call into (a real container/VM
// orchestrator). Production wiring supplies an implementation that talks to
// the actual isolation layer; tests can supply sandbox/inmem wrapped to
// satisfy this interface.
type Backend interface {
	Create(ctx context.Context, policy sandbox.Policy) (string, error)
	Exec(ctx context.Context, sandboxID string, command []string, streams sandbox.Streams) (sandbox.ExecResult, error)
	WriteFiles(ctx context.Context, sandboxID string, patch sandbox.Patch) (string, error)
	Checkpoint(ctx context.Context, sandboxID string) (string, error)
	Restore(ctx context.Context, sandboxID, checkpointRef string) error
	Destroy(ctx context.Context, sandboxID string) error
	Describe(ctx context.Context, sandboxID string) (sandbox.Sandbox, error)
}

// Options configures the Temporal-backed sandbox Provider.
type Options struct {
	Engine  engine.Engine
	Backend Backend
	// Deadline bounds how long a single operation's activity retries run
	// before surfacing sandbox.ErrUnavailable: on deadline expiry the
	// operation surfaces a sandbox-unavailable error.
	Deadline time.Duration
	// RetryPolicy controls the activity's backoff between attempts.
	RetryPolicy engine.RetryPolicy
}

// Provider is a sandbox.Provider backed by Temporal via engine.Engine.
type Provider struct {
	eng      engine.Engine
	backend  Backend
	deadline time.Duration
	retry    engine.RetryPolicy
}

// New registers the sandbox workflow/activities on opts.Engine and returns a
// ready-to-use Provider.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Engine == nil {
		return nil, errors.New("sandbox/temporal: engine is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("sandbox/temporal: backend is required")
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	p := &Provider{eng: opts.Engine, backend: opts.Backend, deadline: deadline, retry: opts.RetryPolicy}

	if err := opts.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    workflowName,
		Handler: p.runOperation,
	}); err != nil {
		return nil, fmt.Errorf("sandbox/temporal: register workflow: %w", err)
	}

	activities := map[string]engine.ActivityFunc{
		activityCreate:     p.activityCreate,
		activityExec:       p.activityExec,
		activityWriteFiles: p.activityWriteFiles,
		activityCheckpoint: p.activityCheckpoint,
		activityRestore:    p.activityRestore,
		activityDestroy:    p.activityDestroy,
		activityProxy:      p.activityProxy,
	}
	for name, handler := range activities {
		if err := opts.Engine.RegisterActivity(ctx, engine.ActivityDefinition{
			Name:    name,
			Handler: handler,
			Options: engine.ActivityOptions{RetryPolicy: opts.RetryPolicy, Timeout: deadline},
		}); err != nil {
			return nil, fmt.Errorf("sandbox/temporal: register activity %s: %w", name, err)
		}
	}
	return p, nil
}

// operationInput/operationOutput cross the workflow/activity boundary; both
// must remain serializable, so sandbox.Streams (which carries live writer
// handles) never travels through them — stdout/stderr bytes are collected by
// the activity itself and reattached to the caller's streams afterward.
type operationInput struct {
	Activity  string
	SandboxID string
	Policy    sandbox.Policy
	Command   []string
	Patch     sandbox.Patch
	Ref       string
	Port      int
}

type operationOutput struct {
	SandboxID string
	DiffHash  string
	Ref       string
	Exec      sandbox.ExecResult
	Stdout    []byte
	Stderr    []byte
	TunnelURL string
	Sandbox   sandbox.Sandbox
}

func (p *Provider) runOperation(ctx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(operationInput)
	if !ok {
		return nil, fmt.Errorf("sandbox/temporal: unexpected workflow input %T", input)
	}
	var out operationOutput
	if err := ctx.ExecuteActivity(ctx.Context(), engine.ActivityRequest{
		Name:        in.Activity,
		Input:       in,
		RetryPolicy: p.retry,
		Timeout:     p.deadline,
	}, &out); err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

// translateErr wraps every workflow or activity failure, including
// bounded-retry exhaustion, in the canonical sandbox_unavailable error the
// orchestrator checks for when deciding to transition a run to discarded.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
}

func (p *Provider) run(ctx context.Context, operationID string, in operationInput) (operationOutput, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	handle, err := p.eng.StartWorkflow(deadlineCtx, engine.WorkflowStartRequest{
		ID:          operationID,
		Workflow:    workflowName,
		Input:       in,
		RetryPolicy: p.retry,
	})
	if err != nil {
		return operationOutput{}, translateErr(err)
	}
	var out operationOutput
	if err := handle.Wait(deadlineCtx, &out); err != nil {
		if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			return operationOutput{}, sandbox.ErrUnavailable
		}
		return operationOutput{}, translateErr(err)
	}
	return out, nil
}

// Create implements sandbox.Provider.
func (p *Provider) Create(ctx context.Context, operationID string, policy sandbox.Policy) (string, error) {
	out, err := p.run(ctx, operationID, operationInput{Activity: activityCreate, Policy: policy})
	if err != nil {
		return "", err
	}
	return out.SandboxID, nil
}

// Exec implements sandbox.Provider.
func (p *Provider) Exec(ctx context.Context, operationID, sandboxID string, command []string, streams sandbox.Streams) (sandbox.ExecResult, error) {
	out, err := p.run(ctx, operationID, operationInput{Activity: activityExec, SandboxID: sandboxID, Command: command})
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	if streams.Stdout != nil && len(out.Stdout) > 0 {
		_, _ = streams.Stdout.Write(out.Stdout)
	}
	if streams.Stderr != nil && len(out.Stderr) > 0 {
		_, _ = streams.Stderr.Write(out.Stderr)
	}
	return out.Exec, nil
}

// WriteFiles implements sandbox.Provider.
func (p *Provider) WriteFiles(ctx context.Context, operationID, sandboxID string, patch sandbox.Patch) (string, error) {
	out, err := p.run(ctx, operationID, operationInput{Activity: activityWriteFiles, SandboxID: sandboxID, Patch: patch})
	if err != nil {
		return "", err
	}
	return out.DiffHash, nil
}

// Checkpoint implements sandbox.Provider.
func (p *Provider) Checkpoint(ctx context.Context, operationID, sandboxID string) (string, error) {
	out, err := p.run(ctx, operationID, operationInput{Activity: activityCheckpoint, SandboxID: sandboxID})
	if err != nil {
		return "", err
	}
	return out.Ref, nil
}

// Restore implements sandbox.Provider.
func (p *Provider) Restore(ctx context.Context, operationID, sandboxID, checkpointRef string) error {
	_, err := p.run(ctx, operationID, operationInput{Activity: activityRestore, SandboxID: sandboxID, Ref: checkpointRef})
	return err
}

// Destroy implements sandbox.Provider.
func (p *Provider) Destroy(ctx context.Context, operationID, sandboxID string) error {
	_, err := p.run(ctx, operationID, operationInput{Activity: activityDestroy, SandboxID: sandboxID})
	return err
}

// Proxy implements sandbox.Provider. It returns the tunnel URL the proxy
// activity reports, or sandbox.ErrProxyUnsupported when that URL is empty,
// which is always the case with activityProxy as written.
func (p *Provider) Proxy(ctx context.Context, sandboxID string, port int) (string, error) {
	out, err := p.run(ctx, "proxy-"+sandboxID, operationInput{Activity: activityProxy, SandboxID: sandboxID, Port: port})
	if err != nil {
		return "", err
	}
	if out.TunnelURL == "" {
		return "", sandbox.ErrProxyUnsupported
	}
	return out.TunnelURL, nil
}

// Describe implements sandbox.Provider by calling straight through to the
// backend: it is a read, not a durable mutation, so it does not need its own
// workflow.
func (p *Provider) Describe(ctx context.Context, sandboxID string) (sandbox.Sandbox, error) {
	return p.backend.Describe(ctx, sandboxID)
}

func (p *Provider) activityCreate(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	id, err := p.backend.Create(ctx, in.Policy)
	if err != nil {
		return nil, err
	}
	return operationOutput{SandboxID: id}, nil
}

func (p *Provider) activityExec(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	var stdout, stderr collectingArtifact
	res, err := p.backend.Exec(ctx, in.SandboxID, in.Command, sandbox.Streams{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return nil, err
	}
	return operationOutput{Exec: res, Stdout: stdout.buf, Stderr: stderr.buf}, nil
}

func (p *Provider) activityWriteFiles(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	diffHash, err := p.backend.WriteFiles(ctx, in.SandboxID, in.Patch)
	if err != nil {
		return nil, err
	}
	return operationOutput{DiffHash: diffHash}, nil
}

func (p *Provider) activityCheckpoint(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	ref, err := p.backend.Checkpoint(ctx, in.SandboxID)
	if err != nil {
		return nil, err
	}
	return operationOutput{Ref: ref}, nil
}

func (p *Provider) activityRestore(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	if err := p.backend.Restore(ctx, in.SandboxID, in.Ref); err != nil {
		return nil, err
	}
	return operationOutput{}, nil
}

func (p *Provider) activityDestroy(ctx context.Context, input any) (any, error) {
	in := input.(operationInput)
	if err := p.backend.Destroy(ctx, in.SandboxID); err != nil {
		return nil, err
	}
	return operationOutput{}, nil
}

// activityProxy has no generic backend hook: a real deployment wires this up
// to a Nexus operation in front of whatever tunneling service fronts the
// sandbox's network namespace. Absent that wiring it reports unsupported
// rather than fabricating a URL.
func (p *Provider) activityProxy(context.Context, any) (any, error) {
	return operationOutput{}, nil
}

type collectingArtifact struct {
	buf []byte
}

func (a *collectingArtifact) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	return len(p), nil
}

func (a *collectingArtifact) Hash() string { return "" }
