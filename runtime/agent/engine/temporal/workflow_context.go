package temporal

import (
	"context"
	"errors"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/choiros/director/runtime/agent/engine"
	"github.com/choiros/director/runtime/agent/telemetry"
)

// temporalWorkflowContext adapts a Temporal workflow.Context into
// engine.WorkflowContext, giving sandbox/temporal's Provider a replay-safe
// way to run sandbox operations as activities without depending on the
// Temporal SDK directly.
type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
}

type temporalFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

type temporalSignalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

func (w *temporalWorkflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *temporalWorkflowContext) WorkflowID() string { return w.workflowID }
func (w *temporalWorkflowContext) RunID() string      { return w.runID }

func (w *temporalWorkflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(context.Background(), req)
	if err != nil {
		return err
	}
	return fut.Get(context.Background(), result)
}

func (w *temporalWorkflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	if req.Name == "" {
		return nil, errors.New("temporal engine: activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) SignalChannel(name string) engine.SignalChannel {
	return &temporalSignalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *temporalWorkflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *temporalWorkflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *temporalWorkflowContext) Tracer() telemetry.Tracer   { return w.tracer }
func (w *temporalWorkflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) activityOptionsFor(req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(req.Name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, req.RetryPolicy)

	return workflow.ActivityOptions{
		// Bound both queue wait and execution time: without
		// ScheduleToStartTimeout a workflow can block until its run timeout
		// expires when no worker is polling the queue.
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporalsdk.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporalsdk.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // bounded by config validation before reaching here.
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

// normalizeTemporalError translates Temporal cancellation errors to
// context.Canceled so sandbox/temporal's translateErr can classify failures
// uniformly regardless of backend.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporalsdk.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	if err := f.future.Get(f.ctx, result); err != nil {
		return normalizeTemporalError(err)
	}
	return nil
}

func (f *temporalFuture) IsReady() bool {
	return f.future.IsReady()
}

func (s *temporalSignalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
