package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// defaultStepTimeout bounds steps that register without an explicit timeout.
const defaultStepTimeout = 5 * time.Minute

// workflowContext adapts a Temporal workflow.Context to engine.WorkflowContext.
// It is bound to a single workflow execution.
type workflowContext struct {
	engine *Engine
	ctx    workflow.Context

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func newWorkflowContext(e *Engine, tctx workflow.Context) *workflowContext {
	w := &workflowContext{engine: e, ctx: tctx}
	w.baseCtx, w.cancelBase = context.WithCancel(context.Background())
	// Mirror workflow cancellation onto the plain context so step handlers
	// and receivers observe it through the standard ctx.Done path.
	workflow.Go(tctx, func(c workflow.Context) {
		c.Done().Receive(c, nil)
		w.cancelBase()
	})
	return w
}

func (w *workflowContext) Context() context.Context { return w.baseCtx }

func (w *workflowContext) WorkflowID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.ID
}

func (w *workflowContext) RunID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.RunID
}

func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *workflowContext) Sleep(_ context.Context, d time.Duration) error {
	return workflow.Sleep(w.ctx, d)
}

// ExecuteStep runs the named activity and decodes its result. Step options
// recorded at registration time drive the activity options; the engine-level
// default is a single attempt so failures surface to the workflow's own
// retry loop.
func (w *workflowContext) ExecuteStep(_ context.Context, name string, arg any, result any) error {
	opts := w.engine.stepOptionsFor(name)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         convertRetryPolicy(opts.RetryPolicy),
	}
	if opts.Queue != "" {
		actOpts.TaskQueue = w.engine.versionedQueue(opts.Queue)
	}
	tctx := workflow.WithActivityOptions(w.ctx, actOpts)
	if err := workflow.ExecuteActivity(tctx, name, arg).Get(w.ctx, result); err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	return nil
}

func (w *workflowContext) SignalExternal(_ context.Context, workflowID, topic string, payload any) error {
	return workflow.SignalExternalWorkflow(w.ctx, workflowID, "", topic, payload).Get(w.ctx, nil)
}

func (w *workflowContext) JobResults() engine.Receiver[api.JobResult] {
	return signalReceiver[api.JobResult]{w: w, topic: api.TopicJobResult}
}

func (w *workflowContext) QuestionResponses() engine.Receiver[api.QuestionResponse] {
	return signalReceiver[api.QuestionResponse]{w: w, topic: api.TopicQuestionResponse}
}

func (w *workflowContext) PlanResponses() engine.Receiver[api.PlanResponse] {
	return signalReceiver[api.PlanResponse]{w: w, topic: api.TopicPlanResponse}
}

func (w *workflowContext) StartDecisions() engine.Receiver[api.StartImplementation] {
	return signalReceiver[api.StartImplementation]{w: w, topic: api.TopicStartImplementation}
}

func (w *workflowContext) UserMessages() engine.Receiver[api.UserMessage] {
	return signalReceiver[api.UserMessage]{w: w, topic: api.TopicUserMessage}
}

func (w *workflowContext) QueueResponses() engine.Receiver[api.QueueResponse] {
	return signalReceiver[api.QueueResponse]{w: w, topic: api.TopicQueueResponse}
}

func (w *workflowContext) WorkerResults() engine.Receiver[api.WorkerResult] {
	return signalReceiver[api.WorkerResult]{w: w, topic: api.TopicWorkerResult}
}

func (w *workflowContext) ThreadEvents() engine.Receiver[api.ThreadEvent] {
	return threadEventReceiver{w: w}
}

// threadEventReceiver multiplexes the three main-thread signal channels.
type threadEventReceiver struct {
	w *workflowContext
}

func (r threadEventReceiver) channels() (workflow.ReceiveChannel, workflow.ReceiveChannel, workflow.ReceiveChannel) {
	return workflow.GetSignalChannel(r.w.ctx, api.TopicUserMessage),
		workflow.GetSignalChannel(r.w.ctx, api.TopicQueueResponse),
		workflow.GetSignalChannel(r.w.ctx, api.TopicWorkerResult)
}

func (r threadEventReceiver) Receive(_ context.Context) (api.ThreadEvent, error) {
	ev, ok, err := r.wait(0)
	if err != nil {
		return ev, err
	}
	if !ok {
		// Unreachable: wait(0) blocks until delivery or cancellation.
		return ev, temporal.NewCanceledError("workflow cancelled")
	}
	return ev, nil
}

func (r threadEventReceiver) ReceiveAsync() (api.ThreadEvent, bool) {
	userCh, queueCh, workerCh := r.channels()
	var msg api.UserMessage
	if userCh.ReceiveAsync(&msg) {
		return api.ThreadEvent{UserMessage: &msg}, true
	}
	var resp api.QueueResponse
	if queueCh.ReceiveAsync(&resp) {
		return api.ThreadEvent{QueueResponse: &resp}, true
	}
	var result api.WorkerResult
	if workerCh.ReceiveAsync(&result) {
		return api.ThreadEvent{WorkerResult: &result}, true
	}
	return api.ThreadEvent{}, false
}

func (r threadEventReceiver) ReceiveWithTimeout(_ context.Context, timeout time.Duration) (api.ThreadEvent, bool, error) {
	return r.wait(timeout)
}

func (r threadEventReceiver) wait(timeout time.Duration) (api.ThreadEvent, bool, error) {
	var (
		ev        api.ThreadEvent
		got       bool
		cancelled bool
	)
	userCh, queueCh, workerCh := r.channels()
	sel := workflow.NewSelector(r.w.ctx)
	sel.AddReceive(userCh, func(c workflow.ReceiveChannel, _ bool) {
		var msg api.UserMessage
		c.Receive(r.w.ctx, &msg)
		ev, got = api.ThreadEvent{UserMessage: &msg}, true
	})
	sel.AddReceive(queueCh, func(c workflow.ReceiveChannel, _ bool) {
		var resp api.QueueResponse
		c.Receive(r.w.ctx, &resp)
		ev, got = api.ThreadEvent{QueueResponse: &resp}, true
	})
	sel.AddReceive(workerCh, func(c workflow.ReceiveChannel, _ bool) {
		var result api.WorkerResult
		c.Receive(r.w.ctx, &result)
		ev, got = api.ThreadEvent{WorkerResult: &result}, true
	})
	sel.AddReceive(r.w.ctx.Done(), func(workflow.ReceiveChannel, bool) {
		cancelled = true
	})
	if timeout > 0 {
		sel.AddFuture(workflow.NewTimer(r.w.ctx, timeout), func(workflow.Future) {})
	}
	sel.Select(r.w.ctx)
	if cancelled {
		return ev, false, temporal.NewCanceledError("workflow cancelled while waiting for thread events")
	}
	return ev, got, nil
}

// signalReceiver delivers typed messages from a named signal channel.
// GetSignalChannel is idempotent per (workflow, name) so the channel can be
// looked up on every call.
type signalReceiver[T any] struct {
	w     *workflowContext
	topic string
}

func (r signalReceiver[T]) channel() workflow.ReceiveChannel {
	return workflow.GetSignalChannel(r.w.ctx, r.topic)
}

func (r signalReceiver[T]) Receive(_ context.Context) (T, error) {
	var v T
	ch := r.channel()
	cancelled := false
	sel := workflow.NewSelector(r.w.ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(r.w.ctx, &v)
	})
	sel.AddReceive(r.w.ctx.Done(), func(c workflow.ReceiveChannel, _ bool) {
		cancelled = true
	})
	sel.Select(r.w.ctx)
	if cancelled {
		return v, temporal.NewCanceledError("workflow cancelled while waiting on " + r.topic)
	}
	return v, nil
}

func (r signalReceiver[T]) ReceiveAsync() (T, bool) {
	var v T
	ok := r.channel().ReceiveAsync(&v)
	return v, ok
}

func (r signalReceiver[T]) ReceiveWithTimeout(_ context.Context, timeout time.Duration) (T, bool, error) {
	var v T
	ok, _ := r.channel().ReceiveWithTimeout(r.w.ctx, timeout, &v)
	if !ok && r.w.ctx.Err() != nil {
		return v, false, temporal.NewCanceledError("workflow cancelled while waiting on " + r.topic)
	}
	return v, ok, nil
}

func activityRegisterOptions(name string) activity.RegisterOptions {
	return activity.RegisterOptions{Name: name}
}

func convertRetryPolicy(p engine.RetryPolicy) *temporal.RetryPolicy {
	rp := &temporal.RetryPolicy{MaximumAttempts: 1}
	if p.MaxAttempts > 0 {
		rp.MaximumAttempts = int32(p.MaxAttempts)
	}
	if p.InitialInterval > 0 {
		rp.InitialInterval = p.InitialInterval
	}
	if p.BackoffCoefficient > 0 {
		rp.BackoffCoefficient = p.BackoffCoefficient
	}
	return rp
}
