package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

type echoInput struct {
	Name string `json:"name"`
}

type echoOutput struct {
	Greeting string `json:"greeting"`
}

func TestExecuteStepRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := New(Options{})

	require.NoError(t, e.RegisterStep(ctx, engine.StepDefinition{
		Name: "echo",
		Handler: func(_ context.Context, in echoInput) (echoOutput, error) {
			return echoOutput{Greeting: "hello " + in.Name}, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			var out echoOutput
			if err := wctx.ExecuteStep(wctx.Context(), "echo", echoInput{Name: "world"}, &out); err != nil {
				return nil, err
			}
			return &api.RunOutput{Result: map[string]any{"greeting": out.Greeting}}, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf"})
	require.NoError(t, err)
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Result["greeting"])

	status, err := e.QueryRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSuccess, status)
}

func TestStartWorkflowGetOrStart(t *testing.T) {
	ctx := context.Background()
	e := New(Options{TimeScale: 1000})

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			started <- struct{}{}
			<-release
			return &api.RunOutput{}, nil
		},
	}))

	h1, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "once", Workflow: "wf"})
	require.NoError(t, err)
	h2, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "once", Workflow: "wf"})
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h2.ID())

	close(release)
	_, err = h1.Wait(ctx)
	require.NoError(t, err)
	// Exactly one execution despite two starts.
	require.Len(t, started, 1)

	// A terminal run can be superseded by a fresh start.
	h3, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "once", Workflow: "wf"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("restart never executed")
	}
	_, err = h3.Wait(ctx)
	require.NoError(t, err)
}

func TestSignalDeliveryOrderAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := New(Options{TimeScale: 1000})

	got := make(chan api.PlanResponse, 3)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			for i := 0; i < 3; i++ {
				resp, ok, err := wctx.PlanResponses().ReceiveWithTimeout(wctx.Context(), time.Minute)
				if err != nil || !ok {
					return nil, err
				}
				got <- resp
			}
			return &api.RunOutput{}, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "sig", Workflow: "wf"})
	require.NoError(t, err)

	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, e.SignalWorkflow(ctx, "sig", api.TopicPlanResponse, api.PlanResponse{Action: api.ActionRevise, Text: text}))
	}
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	// FIFO per topic, payloads intact across the JSON round trip.
	for _, want := range []string{"first", "second", "third"} {
		resp := <-got
		assert.Equal(t, api.ActionRevise, resp.Action)
		assert.Equal(t, want, resp.Text)
	}
}

func TestSignalUnknownOrTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	e := New(Options{})

	err := e.SignalWorkflow(ctx, "ghost", api.TopicPlanResponse, api.PlanResponse{})
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(engine.WorkflowContext, *api.RunInput) (*api.RunOutput, error) {
			return &api.RunOutput{}, nil
		},
	}))
	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "done", Workflow: "wf"})
	require.NoError(t, err)
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	err = e.SignalWorkflow(ctx, "done", api.TopicPlanResponse, api.PlanResponse{})
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	e := New(Options{TimeScale: 1000})

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			// A day-long wait; cancellation must interrupt it.
			if err := wctx.Sleep(wctx.Context(), 24*time.Hour); err != nil {
				return nil, err
			}
			return &api.RunOutput{}, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "cxl", Workflow: "wf"})
	require.NoError(t, err)
	require.NoError(t, e.CancelWorkflow(ctx, "cxl"))

	_, err = handle.Wait(ctx)
	require.Error(t, err)

	status, err := e.QueryRunStatus(ctx, "cxl")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, status)

	assert.ErrorIs(t, e.CancelWorkflow(ctx, "ghost"), engine.ErrWorkflowNotFound)
}

func TestReceiveTimeoutScaled(t *testing.T) {
	ctx := context.Background()
	e := New(Options{TimeScale: 10000})

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			_, ok, err := wctx.JobResults().ReceiveWithTimeout(wctx.Context(), time.Hour)
			if err != nil {
				return nil, err
			}
			return &api.RunOutput{Result: map[string]any{"received": ok}}, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "tmo", Workflow: "wf"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, false, out.Result["received"])
}

func TestThreadEventsMultiplex(t *testing.T) {
	ctx := context.Background()
	e := New(Options{TimeScale: 1000})

	events := make(chan api.ThreadEvent, 3)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.RunInput) (*api.RunOutput, error) {
			recv := wctx.ThreadEvents()
			for i := 0; i < 3; i++ {
				ev, ok, err := recv.ReceiveWithTimeout(wctx.Context(), time.Minute)
				if err != nil || !ok {
					return nil, err
				}
				events <- ev
			}
			return &api.RunOutput{}, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "mux", Workflow: "wf"})
	require.NoError(t, err)

	require.NoError(t, e.SignalWorkflow(ctx, "mux", api.TopicUserMessage, api.UserMessage{Message: "hi"}))
	require.NoError(t, e.SignalWorkflow(ctx, "mux", api.TopicQueueResponse, api.QueueResponse{QueueItemID: "q1"}))
	require.NoError(t, e.SignalWorkflow(ctx, "mux", api.TopicWorkerResult, api.WorkerResult{TaskID: "t1"}))

	_, err = handle.Wait(ctx)
	require.NoError(t, err)
	close(events)

	var users, queues, workers int
	for ev := range events {
		switch {
		case ev.UserMessage != nil:
			users++
			assert.Equal(t, "hi", ev.UserMessage.Message)
		case ev.QueueResponse != nil:
			queues++
			assert.Equal(t, "q1", ev.QueueResponse.QueueItemID)
		case ev.WorkerResult != nil:
			workers++
			assert.Equal(t, "t1", ev.WorkerResult.TaskID)
		}
	}
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, queues)
	assert.Equal(t, 1, workers)
}

func TestRegisterStepRejectsBadHandlers(t *testing.T) {
	ctx := context.Background()
	e := New(Options{})

	assert.Error(t, e.RegisterStep(ctx, engine.StepDefinition{Name: "x", Handler: 42}))
	assert.Error(t, e.RegisterStep(ctx, engine.StepDefinition{Name: "x", Handler: func() {}}))
	assert.Error(t, e.RegisterStep(ctx, engine.StepDefinition{Name: "x", Handler: func(context.Context, int) int { return 0 }}))
	require.NoError(t, e.RegisterStep(ctx, engine.StepDefinition{Name: "ok", Handler: func(context.Context, int) error { return nil }}))
	assert.Error(t, e.RegisterStep(ctx, engine.StepDefinition{Name: "ok", Handler: func(context.Context, int) error { return nil }}))
}
