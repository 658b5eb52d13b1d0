// Package inmem provides an in-memory implementation of the engine
// abstractions for tests and local development. Workflows run as goroutines,
// steps are invoked directly (with a JSON round trip to enforce payload
// serializability), and topics are buffered channels. Durable sleeps honor a
// configurable time scale so multi-hour workflow scenarios complete in
// milliseconds.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// mailboxCapacity bounds buffered topic messages per (workflow, topic) pair.
const mailboxCapacity = 256

// Options configures the in-memory engine.
type Options struct {
	// TimeScale divides every Sleep and receive timeout. 0 or 1 means real
	// time; tests typically use a large factor so 24h waits collapse.
	TimeScale float64
}

// Engine implements engine.Engine entirely in process.
type Engine struct {
	timeScale float64

	mu        sync.Mutex
	workflows map[string]engine.WorkflowDefinition
	steps     map[string]stepEntry
	runs      map[string]*run
}

type stepEntry struct {
	handler reflect.Value
	argType reflect.Type
	opts    engine.StepOptions
}

// New constructs an in-memory engine.
func New(opts Options) *Engine {
	scale := opts.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return &Engine{
		timeScale: scale,
		workflows: make(map[string]engine.WorkflowDefinition),
		steps:     make(map[string]stepEntry),
		runs:      make(map[string]*run),
	}
}

// RegisterWorkflow registers a workflow definition by name.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem engine: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("inmem engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStep validates the handler signature and registers it by name.
// Accepted forms are func(context.Context, In) (Out, error) and
// func(context.Context, In) error.
func (e *Engine) RegisterStep(_ context.Context, def engine.StepDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem engine: invalid step definition")
	}
	hv := reflect.ValueOf(def.Handler)
	ht := hv.Type()
	if ht.Kind() != reflect.Func {
		return fmt.Errorf("inmem engine: step %q handler is not a function", def.Name)
	}
	if ht.NumIn() != 2 || !ht.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
		return fmt.Errorf("inmem engine: step %q handler must take (context.Context, In)", def.Name)
	}
	errType := reflect.TypeOf((*error)(nil)).Elem()
	switch ht.NumOut() {
	case 1:
		if !ht.Out(0).Implements(errType) {
			return fmt.Errorf("inmem engine: step %q handler must return error last", def.Name)
		}
	case 2:
		if !ht.Out(1).Implements(errType) {
			return fmt.Errorf("inmem engine: step %q handler must return error last", def.Name)
		}
	default:
		return fmt.Errorf("inmem engine: step %q handler must return (Out, error) or error", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.steps[def.Name]; dup {
		return fmt.Errorf("inmem engine: step %q already registered", def.Name)
	}
	e.steps[def.Name] = stepEntry{handler: hv, argType: ht.In(1), opts: def.Options}
	return nil
}

// StartWorkflow launches the workflow in a goroutine. Starting an ID that is
// already running returns a handle to the existing run.
func (e *Engine) StartWorkflow(_ context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("inmem engine: workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem engine: workflow %q is not registered", req.Workflow)
	}
	if existing, ok := e.runs[req.ID]; ok && !terminal(existing.status()) {
		e.mu.Unlock()
		return &workflowHandle{run: existing}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        req.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
		mailboxes: make(map[string]chan []byte),
		state:     engine.RunStatusRunning,
	}
	e.runs[req.ID] = r
	e.mu.Unlock()

	wctx := &workflowContext{engine: e, run: r, ctx: ctx}
	go func() {
		out, err := def.Handler(wctx, req.Input)
		r.finish(out, err, ctx)
	}()
	return &workflowHandle{run: r}, nil
}

// SignalWorkflow delivers a topic message to a running workflow's mailbox.
func (e *Engine) SignalWorkflow(_ context.Context, workflowID, topic string, payload any) error {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok || terminal(r.status()) {
		return engine.ErrWorkflowNotFound
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("inmem engine: encode %s payload: %w", topic, err)
	}
	select {
	case r.mailbox(topic) <- data:
		return nil
	default:
		return fmt.Errorf("inmem engine: mailbox full for %s/%s", workflowID, topic)
	}
}

// CancelWorkflow cancels a running workflow's context.
func (e *Engine) CancelWorkflow(_ context.Context, workflowID string) error {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	r.cancel()
	return nil
}

// QueryRunStatus returns the lifecycle status of a workflow run.
func (e *Engine) QueryRunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return r.status(), nil
}

func (e *Engine) stepFor(name string) (stepEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.steps[name]
	return s, ok
}

func terminal(s engine.RunStatus) bool {
	switch s {
	case engine.RunStatusSuccess, engine.RunStatusError, engine.RunStatusCancelled:
		return true
	}
	return false
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	mailboxes map[string]chan []byte
	state     engine.RunStatus
	output    *api.RunOutput
	err       error
}

func (r *run) mailbox(topic string) chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.mailboxes[topic]
	if !ok {
		ch = make(chan []byte, mailboxCapacity)
		r.mailboxes[topic] = ch
	}
	return ch
}

func (r *run) status() engine.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) finish(out *api.RunOutput, err error, ctx context.Context) {
	r.mu.Lock()
	r.output = out
	r.err = err
	switch {
	case err == nil:
		r.state = engine.RunStatusSuccess
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r.state = engine.RunStatusCancelled
	default:
		r.state = engine.RunStatusError
	}
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

type workflowHandle struct {
	run *run
}

func (h *workflowHandle) ID() string { return h.run.id }

func (h *workflowHandle) Wait(ctx context.Context) (*api.RunOutput, error) {
	select {
	case <-h.run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.run.mu.Lock()
	defer h.run.mu.Unlock()
	return h.run.output, h.run.err
}

func (h *workflowHandle) Cancel(context.Context) error {
	h.run.cancel()
	return nil
}
