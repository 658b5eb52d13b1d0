// Package engine defines the durability abstractions the orchestrator
// workflows run on. It provides pluggable interfaces so workflow code can
// target Temporal in production and an in-memory backend in tests without
// modification.
//
// # Core Abstractions
//
//   - Engine: registers workflows and steps, starts workflow executions, and
//     delivers topic signals to running workflows by ID.
//
//   - WorkflowContext: provides deterministic operations inside workflow
//     handlers: step execution, durable sleep, topic receivers, and signaling
//     other workflows. Implementations must ensure replay-safe behavior.
//
//   - Receiver[T]: delivers typed topic messages to workflows. Delivery is
//     FIFO per (workflow, topic) pair and each message is consumed exactly
//     once within the replay horizon.
//
// # Determinism Requirements
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. All I/O happens inside steps:
// the engine records step results and returns the recorded value on replay
// instead of re-executing the step. Workflow code outside steps must be
// side-effect free. Use Now() instead of time.Now and Sleep() instead of
// time.Sleep.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// RunStatus is the lifecycle state of a workflow execution as reported by
// the engine. The engine, not the application, is the source of truth.
type RunStatus string

const (
	// RunStatusEnqueued indicates the workflow is accepted but not started.
	RunStatusEnqueued RunStatus = "enqueued"
	// RunStatusRunning indicates the workflow is executing or replaying.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates the workflow returned without error.
	RunStatusSuccess RunStatus = "success"
	// RunStatusError indicates the workflow failed permanently.
	RunStatusError RunStatus = "error"
	// RunStatusCancelled indicates the workflow was cancelled externally.
	RunStatusCancelled RunStatus = "cancelled"
)

// ErrWorkflowNotFound indicates that no workflow execution exists for the
// given identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

type (
	// Engine abstracts durable workflow registration and execution so
	// backends (Temporal, in-memory) can be swapped without touching
	// workflow code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Must complete
		// before StartWorkflow references the definition by name.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterStep registers a named durable step. Handler must be a
		// function of the form func(context.Context, In) (Out, error) or
		// func(context.Context, In) error where In and Out are
		// JSON-serializable.
		RegisterStep(ctx context.Context, def StepDefinition) error

		// StartWorkflow launches a workflow execution with the given ID.
		// Starting an ID that is already running returns a handle to the
		// existing run instead of an error (get-or-start semantics).
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWorkflow durably enqueues a topic message for the workflow
		// identified by workflowID. Returns ErrWorkflowNotFound if no such
		// execution exists.
		SignalWorkflow(ctx context.Context, workflowID, topic string, payload any) error

		// CancelWorkflow requests cancellation; the workflow observes it as
		// a context cancellation at its next suspension point.
		CancelWorkflow(ctx context.Context, workflowID string) error

		// QueryRunStatus returns the lifecycle status of the workflow
		// identified by workflowID, or ErrWorkflowNotFound.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the queue new executions are scheduled on. Workers
		// subscribed to the queue pick up workflow tasks; per-queue
		// concurrency limits apply here.
		TaskQueue string
		// Handler is the workflow entry point.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. Implementations must be
	// deterministic with respect to recorded step results.
	WorkflowFunc func(ctx WorkflowContext, input *api.RunInput) (*api.RunOutput, error)

	// StepDefinition binds a step handler to a name and execution options.
	StepDefinition struct {
		Name    string
		Options StepOptions
		Handler any
	}

	// StepOptions configures timeout and retry for a step. The engine-level
	// retry policy is distinct from the application-level job retry loop:
	// steps default to a single attempt so failures surface to the workflow.
	StepOptions struct {
		// Queue overrides the queue the step executes on. Empty inherits
		// the workflow's queue.
		Queue string
		// Timeout bounds a single step attempt. Zero means the engine
		// default.
		Timeout time.Duration
		// RetryPolicy controls engine-level step retries. Zero-valued means
		// one attempt, no retries.
		RetryPolicy RetryPolicy
	}

	// RetryPolicy defines retry semantics for steps and workflow starts.
	RetryPolicy struct {
		// MaxAttempts caps total attempts. Zero means a single attempt.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the durable workflow identifier. The worker workflow uses
		// the task ID; the main thread uses the derived per-user ID.
		ID string
		// Workflow names the registered definition to execute.
		Workflow string
		// TaskQueue overrides the definition's queue when non-empty.
		TaskQueue string
		// Input is the typed payload passed to the handler.
		Input *api.RunInput
		// Memo stores small diagnostic payloads alongside the execution
		// (e.g. the application version used for resume gating).
		Memo map[string]any
	}

	// WorkflowContext exposes engine operations to workflow handlers inside
	// the deterministic execution environment. It is bound to a single
	// workflow execution and must not be shared across goroutines.
	WorkflowContext interface {
		// Context returns a Go context that is cancelled when the workflow
		// is cancelled. Pass it to ExecuteStep and receivers so external
		// cancellation surfaces at suspension points.
		Context() context.Context

		// WorkflowID returns the durable workflow identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time

		// Sleep suspends the workflow for d of workflow time. The wake-up
		// is durable: a restart resumes the timer with remaining time
		// preserved.
		Sleep(ctx context.Context, d time.Duration) error

		// ExecuteStep runs the named registered step with arg and decodes
		// the recorded result into result (a pointer, or nil to discard).
		// On replay the recorded value is returned without re-executing.
		ExecuteStep(ctx context.Context, name string, arg any, result any) error

		// SignalExternal durably enqueues a topic message for another
		// workflow. Used by the worker to notify its main thread.
		SignalExternal(ctx context.Context, workflowID, topic string, payload any) error

		// JobResults receives executor-job callbacks (worker workflow).
		JobResults() Receiver[api.JobResult]

		// QuestionResponses receives plan question answers (worker workflow).
		QuestionResponses() Receiver[api.QuestionResponse]

		// PlanResponses receives plan review decisions (worker workflow).
		PlanResponses() Receiver[api.PlanResponse]

		// StartDecisions receives the implementation gate decision (worker
		// workflow).
		StartDecisions() Receiver[api.StartImplementation]

		// UserMessages receives user chat input (main-thread workflow).
		UserMessages() Receiver[api.UserMessage]

		// QueueResponses receives inbox responses (main-thread workflow).
		QueueResponses() Receiver[api.QueueResponse]

		// WorkerResults receives worker outcome envelopes (main-thread
		// workflow).
		WorkerResults() Receiver[api.WorkerResult]

		// ThreadEvents multiplexes the three main-thread topics into one
		// receiver so the event loop can block on whichever arrives first.
		ThreadEvents() Receiver[api.ThreadEvent]
	}

	// Receiver exposes typed topic message delivery in an engine-agnostic
	// way. Delivery is FIFO per (workflow, topic) pair; each message is
	// consumed exactly once within the replay horizon.
	Receiver[T any] interface {
		// Receive blocks until a message is delivered or ctx is done.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive without blocking.
		ReceiveAsync() (T, bool)

		// ReceiveWithTimeout blocks up to timeout of workflow time. The
		// second return is false when the timeout elapsed without a
		// message.
		ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (T, bool, error)
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// ID returns the durable workflow identifier.
		ID() string

		// Wait blocks until the workflow completes and returns its result.
		Wait(ctx context.Context) (*api.RunOutput, error)

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}
)

// MemoAppVersion is the memo key carrying the application version a
// workflow was started under. Workflow records tagged with a different
// version than the running binary are not resumed; the record stays visible
// for operator inspection.
const MemoAppVersion = "app_version"
