package temporal_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/runtime/agent/engine"
	"github.com/choiros/director/runtime/agent/telemetry"
	"github.com/choiros/director/sandbox"
	sandboxinmem "github.com/choiros/director/sandbox/inmem"
	sandboxtemporal "github.com/choiros/director/sandbox/temporal"
)

// fakeEngine is a minimal, synchronous engine.Engine used only to exercise
// sandbox/temporal's workflow/activity wiring in isolation from a real
// Temporal server. It executes the registered workflow handler inline,
// which in turn calls ExecuteActivity synchronously against the registered
// activity handlers.
type fakeEngine struct {
	mu         sync.Mutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
	}
}

func (e *fakeEngine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = def
	return nil
}

func (e *fakeEngine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
	return nil
}

func (e *fakeEngine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, errors.New("workflow not registered")
	}
	wctx := fakeWorkflowContext{ctx: ctx, id: req.ID, eng: e}
	result, err := def.Handler(wctx, req.Input)
	return fakeHandle{result: result, err: err}, nil
}

type fakeHandle struct {
	result any
	err    error
}

func (h fakeHandle) Wait(_ context.Context, result any) error {
	if h.err != nil {
		return h.err
	}
	return assign(result, h.result)
}
func (h fakeHandle) Signal(context.Context, string, any) error { return errors.New("not supported") }
func (h fakeHandle) Cancel(context.Context) error              { return nil }

type fakeWorkflowContext struct {
	ctx context.Context
	id  string
	eng *fakeEngine
}

func (c fakeWorkflowContext) Context() context.Context { return c.ctx }
func (c fakeWorkflowContext) WorkflowID() string       { return c.id }
func (c fakeWorkflowContext) RunID() string            { return c.id }
func (c fakeWorkflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	c.eng.mu.Lock()
	def, ok := c.eng.activities[req.Name]
	c.eng.mu.Unlock()
	if !ok {
		return errors.New("activity not registered")
	}
	out, err := def.Handler(ctx, req.Input)
	if err != nil {
		return err
	}
	return assign(result, out)
}
func (c fakeWorkflowContext) ExecuteActivityAsync(context.Context, engine.ActivityRequest) (engine.Future, error) {
	return nil, errors.New("not supported")
}
func (c fakeWorkflowContext) SignalChannel(string) engine.SignalChannel { return nil }
func (c fakeWorkflowContext) Logger() telemetry.Logger                 { return telemetry.NoopLogger{} }
func (c fakeWorkflowContext) Metrics() telemetry.Metrics               { return telemetry.NoopMetrics{} }
func (c fakeWorkflowContext) Tracer() telemetry.Tracer                 { return telemetry.NoopTracer{} }
func (c fakeWorkflowContext) Now() time.Time                          { return time.Unix(0, 0).UTC() }

// assign copies src into the value dest points to, via reflection, since the
// fake engine passes operation outputs through as `any` the same way a real
// Temporal data converter would deserialize them into the caller's pointer.
func assign(dest, src any) error {
	if dest == nil {
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || !dv.Elem().CanSet() {
		return errors.New("fake engine: result must be a settable pointer")
	}
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return nil
	}
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		return errors.New("fake engine: result type mismatch")
	}
	dv.Elem().Set(sv)
	return nil
}

// backendAdapter adapts sandbox/inmem's Provider (which is itself a full
// sandbox.Provider, operation-ID aware) down to sandboxtemporal.Backend by
// supplying a fixed operation ID per call, since the in-memory backend is
// used here purely as the durable activities' execution target, not as the
// thing providing idempotency (the workflow ID does that).
type backendAdapter struct {
	p *sandboxinmem.Provider
}

func (b backendAdapter) Create(ctx context.Context, policy sandbox.Policy) (string, error) {
	return b.p.Create(ctx, "backend-create", policy)
}
func (b backendAdapter) Exec(ctx context.Context, sandboxID string, command []string, streams sandbox.Streams) (sandbox.ExecResult, error) {
	return b.p.Exec(ctx, "backend-exec", sandboxID, command, streams)
}
func (b backendAdapter) WriteFiles(ctx context.Context, sandboxID string, patch sandbox.Patch) (string, error) {
	return b.p.WriteFiles(ctx, "backend-write", sandboxID, patch)
}
func (b backendAdapter) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	return b.p.Checkpoint(ctx, "backend-checkpoint", sandboxID)
}
func (b backendAdapter) Restore(ctx context.Context, sandboxID, ref string) error {
	return b.p.Restore(ctx, "backend-restore", sandboxID, ref)
}
func (b backendAdapter) Destroy(ctx context.Context, sandboxID string) error {
	return b.p.Destroy(ctx, "backend-destroy", sandboxID)
}
func (b backendAdapter) Describe(ctx context.Context, sandboxID string) (sandbox.Sandbox, error) {
	return b.p.Describe(ctx, sandboxID)
}

func TestProviderRoundTripsThroughFakeEngine(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	backend := backendAdapter{p: sandboxinmem.New()}

	provider, err := sandboxtemporal.New(ctx, sandboxtemporal.Options{
		Engine:  eng,
		Backend: backend,
	})
	require.NoError(t, err)

	id, err := provider.Create(ctx, "op-create-1", sandbox.Policy{ExecPermitted: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	diffHash, err := provider.WriteFiles(ctx, "op-write-1", id, sandbox.Patch{
		Writes: map[string][]byte{"a.txt": []byte("hello")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, diffHash)

	ref, err := provider.Checkpoint(ctx, "op-checkpoint-1", id)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	require.NoError(t, provider.Destroy(ctx, "op-destroy-1", id))
}

func TestProxyReportsUnsupportedWhenNoTunnelWired(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	backend := backendAdapter{p: sandboxinmem.New()}
	provider, err := sandboxtemporal.New(ctx, sandboxtemporal.Options{Engine: eng, Backend: backend})
	require.NoError(t, err)

	id, err := provider.Create(ctx, "op-create-2", sandbox.Policy{})
	require.NoError(t, err)

	_, err = provider.Proxy(ctx, id, 8080)
	require.ErrorIs(t, err, sandbox.ErrProxyUnsupported)
}
