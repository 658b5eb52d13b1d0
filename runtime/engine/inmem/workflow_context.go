package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// workflowContext implements engine.WorkflowContext for in-process runs.
// Payloads cross a JSON round trip on every step call and topic delivery so
// tests catch non-serializable types the same way the durable backend would.
type workflowContext struct {
	engine *Engine
	run    *run
	ctx    context.Context
}

func (w *workflowContext) Context() context.Context { return w.ctx }

func (w *workflowContext) WorkflowID() string { return w.run.id }

func (w *workflowContext) RunID() string { return uuid.NewString() }

func (w *workflowContext) Now() time.Time { return time.Now().UTC() }

func (w *workflowContext) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(w.engine.scale(d))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *workflowContext) ExecuteStep(ctx context.Context, name string, arg any, result any) error {
	entry, ok := w.engine.stepFor(name)
	if !ok {
		return fmt.Errorf("inmem engine: step %q is not registered", name)
	}
	argVal, err := decodeArg(arg, entry.argType)
	if err != nil {
		return fmt.Errorf("step %s: encode argument: %w", name, err)
	}

	if ctx == nil {
		ctx = w.ctx
	}
	outs := entry.handler.Call([]reflect.Value{reflect.ValueOf(ctx), argVal})
	if errVal := outs[len(outs)-1]; !errVal.IsNil() {
		return fmt.Errorf("step %s: %w", name, errVal.Interface().(error))
	}
	if len(outs) == 2 && result != nil {
		data, err := json.Marshal(outs[0].Interface())
		if err != nil {
			return fmt.Errorf("step %s: encode result: %w", name, err)
		}
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("step %s: decode result: %w", name, err)
		}
	}
	return nil
}

func (w *workflowContext) SignalExternal(ctx context.Context, workflowID, topic string, payload any) error {
	return w.engine.SignalWorkflow(ctx, workflowID, topic, payload)
}

func (w *workflowContext) JobResults() engine.Receiver[api.JobResult] {
	return chanReceiver[api.JobResult]{w: w, topic: api.TopicJobResult}
}

func (w *workflowContext) QuestionResponses() engine.Receiver[api.QuestionResponse] {
	return chanReceiver[api.QuestionResponse]{w: w, topic: api.TopicQuestionResponse}
}

func (w *workflowContext) PlanResponses() engine.Receiver[api.PlanResponse] {
	return chanReceiver[api.PlanResponse]{w: w, topic: api.TopicPlanResponse}
}

func (w *workflowContext) StartDecisions() engine.Receiver[api.StartImplementation] {
	return chanReceiver[api.StartImplementation]{w: w, topic: api.TopicStartImplementation}
}

func (w *workflowContext) UserMessages() engine.Receiver[api.UserMessage] {
	return chanReceiver[api.UserMessage]{w: w, topic: api.TopicUserMessage}
}

func (w *workflowContext) QueueResponses() engine.Receiver[api.QueueResponse] {
	return chanReceiver[api.QueueResponse]{w: w, topic: api.TopicQueueResponse}
}

func (w *workflowContext) WorkerResults() engine.Receiver[api.WorkerResult] {
	return chanReceiver[api.WorkerResult]{w: w, topic: api.TopicWorkerResult}
}

func (w *workflowContext) ThreadEvents() engine.Receiver[api.ThreadEvent] {
	return threadEventReceiver{w: w}
}

// threadEventReceiver multiplexes the three main-thread mailboxes.
type threadEventReceiver struct {
	w *workflowContext
}

func (r threadEventReceiver) Receive(ctx context.Context) (api.ThreadEvent, error) {
	ev, ok, err := r.wait(ctx, 0)
	if err != nil {
		return ev, err
	}
	if !ok {
		return ev, context.Canceled
	}
	return ev, nil
}

func (r threadEventReceiver) ReceiveAsync() (api.ThreadEvent, bool) {
	run := r.w.run
	select {
	case data := <-run.mailbox(api.TopicUserMessage):
		return decodeThreadEvent(data, topicUser)
	case data := <-run.mailbox(api.TopicQueueResponse):
		return decodeThreadEvent(data, topicQueue)
	case data := <-run.mailbox(api.TopicWorkerResult):
		return decodeThreadEvent(data, topicWorker)
	default:
		return api.ThreadEvent{}, false
	}
}

func (r threadEventReceiver) ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (api.ThreadEvent, bool, error) {
	return r.wait(ctx, timeout)
}

func (r threadEventReceiver) wait(ctx context.Context, timeout time.Duration) (api.ThreadEvent, bool, error) {
	if ctx == nil {
		ctx = r.w.ctx
	}
	run := r.w.run
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(r.w.engine.scale(timeout))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case data := <-run.mailbox(api.TopicUserMessage):
		ev, ok := decodeThreadEvent(data, topicUser)
		return ev, ok, nil
	case data := <-run.mailbox(api.TopicQueueResponse):
		ev, ok := decodeThreadEvent(data, topicQueue)
		return ev, ok, nil
	case data := <-run.mailbox(api.TopicWorkerResult):
		ev, ok := decodeThreadEvent(data, topicWorker)
		return ev, ok, nil
	case <-timerC:
		return api.ThreadEvent{}, false, nil
	case <-ctx.Done():
		return api.ThreadEvent{}, false, ctx.Err()
	case <-r.w.ctx.Done():
		return api.ThreadEvent{}, false, r.w.ctx.Err()
	}
}

type threadTopic int

const (
	topicUser threadTopic = iota
	topicQueue
	topicWorker
)

func decodeThreadEvent(data []byte, topic threadTopic) (api.ThreadEvent, bool) {
	switch topic {
	case topicUser:
		var msg api.UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return api.ThreadEvent{}, false
		}
		return api.ThreadEvent{UserMessage: &msg}, true
	case topicQueue:
		var resp api.QueueResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return api.ThreadEvent{}, false
		}
		return api.ThreadEvent{QueueResponse: &resp}, true
	default:
		var result api.WorkerResult
		if err := json.Unmarshal(data, &result); err != nil {
			return api.ThreadEvent{}, false
		}
		return api.ThreadEvent{WorkerResult: &result}, true
	}
}

func (e *Engine) scale(d time.Duration) time.Duration {
	if e.timeScale == 1 {
		return d
	}
	scaled := time.Duration(float64(d) / e.timeScale)
	if scaled < time.Millisecond {
		scaled = time.Millisecond
	}
	return scaled
}

// chanReceiver delivers typed topic messages from the run's mailbox.
type chanReceiver[T any] struct {
	w     *workflowContext
	topic string
}

func (r chanReceiver[T]) Receive(ctx context.Context) (T, error) {
	var v T
	if ctx == nil {
		ctx = r.w.ctx
	}
	select {
	case data := <-r.w.run.mailbox(r.topic):
		err := json.Unmarshal(data, &v)
		return v, err
	case <-ctx.Done():
		return v, ctx.Err()
	case <-r.w.ctx.Done():
		return v, r.w.ctx.Err()
	}
}

func (r chanReceiver[T]) ReceiveAsync() (T, bool) {
	var v T
	select {
	case data := <-r.w.run.mailbox(r.topic):
		if err := json.Unmarshal(data, &v); err != nil {
			return v, false
		}
		return v, true
	default:
		return v, false
	}
}

func (r chanReceiver[T]) ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var v T
	if ctx == nil {
		ctx = r.w.ctx
	}
	timer := time.NewTimer(r.w.engine.scale(timeout))
	defer timer.Stop()
	select {
	case data := <-r.w.run.mailbox(r.topic):
		err := json.Unmarshal(data, &v)
		return v, err == nil, err
	case <-timer.C:
		return v, false, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	case <-r.w.ctx.Done():
		return v, false, r.w.ctx.Err()
	}
}

func marshalPayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// decodeArg converts the caller's argument into the handler's parameter type
// via JSON, mirroring how a durable backend would deserialize recorded
// payloads.
func decodeArg(arg any, target reflect.Type) (reflect.Value, error) {
	data, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
