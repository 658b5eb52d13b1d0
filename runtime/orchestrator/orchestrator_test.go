package orchestrator_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/features/bus"
	"github.com/mainloop-ai/mainloop/features/forge"
	forgemock "github.com/mainloop-ai/mainloop/features/forge/mock"
	"github.com/mainloop-ai/mainloop/features/sandbox"
	sandboxmock "github.com/mainloop-ai/mainloop/features/sandbox/mock"
	memorystore "github.com/mainloop-ai/mainloop/features/store/memory"
	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine/inmem"
	"github.com/mainloop-ai/mainloop/runtime/orchestrator"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

const (
	testUser  = "u1"
	testRepo  = "https://forge.test/o/r"
	agentUser = "mainloop[bot]"

	waitFor = 20 * time.Second
	tick    = 5 * time.Millisecond
)

type env struct {
	t       *testing.T
	ctx     context.Context
	eng     *inmem.Engine
	store   *memorystore.Store
	forge   *forgemock.Forge
	sandbox *sandboxmock.Launcher
	metrics *metricsRecorder
	orch    *orchestrator.Orchestrator
	thread  *api.MainThread
}

// metricsRecorder implements telemetry.Metrics, accumulating counter totals.
type metricsRecorder struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{counters: make(map[string]float64)}
}

func (m *metricsRecorder) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *metricsRecorder) RecordTimer(string, time.Duration, ...string) {}
func (m *metricsRecorder) RecordGauge(string, float64, ...string)      {}

func (m *metricsRecorder) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:       t,
		ctx:     context.Background(),
		eng:     inmem.New(inmem.Options{TimeScale: 1000}),
		store:   memorystore.New(),
		forge:   forgemock.New(),
		sandbox: sandboxmock.New(),
		metrics: newMetricsRecorder(),
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Engine:  e.eng,
		Store:   e.store,
		Forge:   e.forge,
		Sandbox: e.sandbox,
		Metrics: e.metrics,
	}, orchestrator.Config{
		CallbackBaseURL: "http://orchestrator.test",
		AgentHandle:     agentUser,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Register(e.ctx))
	e.orch = orch

	e.thread = api.NewMainThread(testUser)
	require.NoError(t, e.store.CreateMainThread(e.ctx, e.thread))
	return e
}

// scriptJobs installs the default executor behavior: plan jobs return a plan
// without questions, implement jobs open PR #7 and report its URL, fix and
// feedback jobs flip CI to success.
func (e *env) scriptJobs() {
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		switch spec.Mode {
		case api.JobModePlan:
			e.completeJob(spec.TaskID, map[string]any{"plan_text": "1. Add the toggle\n2. Wire preferences"})
		case api.JobModeImplement:
			e.forge.PutPullRequest(&forge.PullRequest{
				Number:  7,
				URL:     testRepo + "/pull/7",
				State:   "open",
				HeadRef: spec.BranchName,
			})
			e.completeJob(spec.TaskID, map[string]any{"pr_url": testRepo + "/pull/7"})
		case api.JobModeFix, api.JobModeFeedback:
			e.forge.SetCIStatus(spec.BranchName, &forge.CIStatus{State: forge.CISuccess})
			e.completeJob(spec.TaskID, nil)
		}
	}
}

func (e *env) completeJob(taskID string, result map[string]any) {
	err := e.orch.SendJobResult(e.ctx, api.JobResult{TaskID: taskID, Status: api.JobCompleted, Result: result})
	if err != nil {
		e.t.Logf("send job result: %v", err)
	}
}

func (e *env) newTask(description string) *api.WorkerTask {
	e.t.Helper()
	task := api.NewWorkerTask(e.thread.ID, testUser, api.TaskTypeFeature, description)
	task.RepoURL = testRepo
	require.NoError(e.t, e.store.CreateTask(e.ctx, task))
	return task
}

func (e *env) waitStatus(taskID string, want api.TaskStatus) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		task, err := e.store.GetTask(e.ctx, taskID)
		return err == nil && task.Status == want
	}, waitFor, tick, "task never reached %s", want)
}

func (e *env) signal(taskID, topic string, payload any) {
	e.t.Helper()
	require.NoError(e.t, e.eng.SignalWorkflow(e.ctx, taskID, topic, payload))
}

// watchStatuses records the de-duplicated status transitions published on the
// task's bus address.
func (e *env) watchStatuses(taskID string) func() []api.TaskStatus {
	events, cancel := e.orch.Bus().SubscribeTask(e.ctx, taskID)
	var (
		mu   sync.Mutex
		seen []api.TaskStatus
	)
	go func() {
		for ev := range events {
			if ev.Type != bus.EventTaskUpdated {
				continue
			}
			status, _ := ev.Data["status"].(string)
			mu.Lock()
			if len(seen) == 0 || seen[len(seen)-1] != api.TaskStatus(status) {
				seen = append(seen, api.TaskStatus(status))
			}
			mu.Unlock()
		}
	}()
	e.t.Cleanup(cancel)
	return func() []api.TaskStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]api.TaskStatus(nil), seen...)
	}
}

func (e *env) pendingItems() []*api.QueueItem {
	items, err := e.store.ListPendingQueueItems(e.ctx, testUser)
	require.NoError(e.t, err)
	return items
}

func countItems(items []*api.QueueItem, itemType api.QueueItemType) int {
	n := 0
	for _, item := range items {
		if item.ItemType == itemType {
			n++
		}
	}
	return n
}

func TestWorkerHappyPath(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")
	statuses := e.watchStatuses(task.ID)

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionApprove})

	e.waitStatus(task.ID, api.TaskStatusReadyToImplement)
	e.signal(task.ID, api.TopicStartImplementation, api.StartImplementation{Action: api.ActionStart})

	e.waitStatus(task.ID, api.TaskStatusUnderReview)
	e.forge.MergePullRequest(7)

	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusCompleted, out.Status)

	final, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusCompleted, final.Status)
	assert.Equal(t, "feature/101-add-dark-mode-toggle", final.BranchName)
	assert.Equal(t, 7, final.PRNumber)
	assert.NotNil(t, final.CompletedAt)

	wantStatuses := []api.TaskStatus{
		api.TaskStatusPlanning,
		api.TaskStatusWaitingPlanReview,
		api.TaskStatusReadyToImplement,
		api.TaskStatusImplementing,
		api.TaskStatusUnderReview,
		api.TaskStatusCompleted,
	}
	require.Eventually(t, func() bool {
		return len(statuses()) == len(wantStatuses)
	}, waitFor, tick, "status events not fully delivered: %v", statuses())
	assert.Equal(t, wantStatuses, statuses())

	require.Eventually(t, func() bool {
		items := e.pendingItems()
		return countItems(items, api.QueueItemCodeReady) == 1 &&
			countItems(items, api.QueueItemNotification) >= 1
	}, waitFor, tick, "inbox items never materialized")
	assert.Equal(t, 1, countItems(e.pendingItems(), api.QueueItemCodeReady))

	launches := e.sandbox.LaunchesFor(task.ID)
	require.Len(t, launches, 2)
	assert.Equal(t, api.JobModePlan, launches[0].Mode)
	assert.Equal(t, api.JobModeImplement, launches[1].Mode)
	assert.Equal(t, "http://orchestrator.test/internal/tasks/"+task.ID+"/complete", launches[0].CallbackURL)

	require.Eventually(t, func() bool {
		return e.sandbox.DestroyCount(task.ID) == 1
	}, waitFor, tick, "sandbox never cleaned up")
}

func TestWorkerPlanRevisionCycle(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionRevise, Text: "Use system preference"})

	// A second plan round follows the revision.
	require.Eventually(t, func() bool {
		return len(e.sandbox.LaunchesFor(task.ID)) >= 2
	}, waitFor, tick, "revision plan job never launched")
	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionApprove})
	e.waitStatus(task.ID, api.TaskStatusReadyToImplement)

	launches := e.sandbox.LaunchesFor(task.ID)
	require.GreaterOrEqual(t, len(launches), 2)
	assert.Equal(t, api.JobModePlan, launches[0].Mode)
	assert.Equal(t, api.JobModePlan, launches[1].Mode)
	assert.Empty(t, launches[0].FeedbackContext)
	assert.Contains(t, launches[1].FeedbackContext, "Use system preference")

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, task.ID))
}

func TestWorkerCIFixLoop(t *testing.T) {
	e := newEnv(t)
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		switch spec.Mode {
		case api.JobModePlan:
			e.completeJob(spec.TaskID, map[string]any{"plan_text": "1. Fix lint"})
		case api.JobModeImplement:
			e.forge.PutPullRequest(&forge.PullRequest{Number: 7, URL: testRepo + "/pull/7", State: "open", HeadRef: spec.BranchName})
			e.forge.SetCIStatus(spec.BranchName, &forge.CIStatus{
				State:    forge.CIFailure,
				Contexts: []forge.CIContext{{Name: "lint", State: forge.CIFailure}},
			})
			e.forge.SetCIFailureLogs(spec.BranchName, "LINT: missing semicolon")
			e.completeJob(spec.TaskID, map[string]any{"pr_url": testRepo + "/pull/7"})
		case api.JobModeFix:
			e.forge.SetCIStatus(spec.BranchName, &forge.CIStatus{State: forge.CISuccess})
			e.completeJob(spec.TaskID, nil)
		}
	}
	task := e.newTask("Fix the linter")

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionStart})

	e.waitStatus(task.ID, api.TaskStatusUnderReview)
	e.forge.MergePullRequest(7)

	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusCompleted, out.Status)

	fixes := 0
	for _, spec := range e.sandbox.LaunchesFor(task.ID) {
		if spec.Mode == api.JobModeFix {
			fixes++
			assert.Contains(t, spec.FeedbackContext, "LINT: missing semicolon")
		}
	}
	assert.Equal(t, 1, fixes)
}

func TestWorkerCIFixExhaustionFails(t *testing.T) {
	e := newEnv(t)
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		switch spec.Mode {
		case api.JobModePlan:
			e.completeJob(spec.TaskID, map[string]any{"plan_text": "1. Try"})
		case api.JobModeImplement:
			e.forge.PutPullRequest(&forge.PullRequest{Number: 7, URL: testRepo + "/pull/7", State: "open", HeadRef: spec.BranchName})
			e.forge.SetCIStatus(spec.BranchName, &forge.CIStatus{State: forge.CIFailure})
			e.completeJob(spec.TaskID, map[string]any{"pr_url": testRepo + "/pull/7"})
		case api.JobModeFix:
			// CI stays red no matter how many fixes run.
			e.completeJob(spec.TaskID, nil)
		}
	}
	task := e.newTask("Fix the unfixable")

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionStart})

	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusFailed, out.Status)
	require.Contains(t, out.Error, "ci still failing")

	fixes := 0
	for _, spec := range e.sandbox.LaunchesFor(task.ID) {
		if spec.Mode == api.JobModeFix {
			fixes++
		}
	}
	assert.Equal(t, orchestrator.MaxCIIterations, fixes)
}

func TestWorkerCancelDuringPlanReview(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	launchesBefore := len(e.sandbox.LaunchesFor(task.ID))
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionCancel})

	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusCancelled, out.Status)

	final, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusCancelled, final.Status)

	issue := e.forge.Issue(final.IssueNumber)
	require.NotNil(t, issue)
	assert.Equal(t, "closed", issue.State)
	found := false
	for _, c := range e.forge.Comments(final.IssueNumber) {
		if strings.Contains(c.Body, orchestrator.CancelComment) {
			found = true
		}
	}
	assert.True(t, found, "cancel comment not posted")
	assert.Len(t, e.sandbox.LaunchesFor(task.ID), launchesBefore, "jobs launched after cancel")
}

func TestWorkerDualSourceApprovalRace(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")
	statuses := e.watchStatuses(task.ID)

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)

	// Same approval through both sources: the in-app signal and a reaction
	// on the plan comment.
	final, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	for _, c := range e.forge.Comments(final.IssueNumber) {
		if strings.Contains(c.Body, "Proposed Plan") {
			e.forge.ReactToComment(c.ID, "reviewer", "+1")
		}
	}
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionApprove})

	e.waitStatus(task.ID, api.TaskStatusReadyToImplement)
	time.Sleep(200 * time.Millisecond)

	transitions := 0
	for _, s := range statuses() {
		if s == api.TaskStatusReadyToImplement {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions, "duplicate approval caused extra transitions")

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, task.ID))
}

func TestWorkerApprovalViaForgeComment(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	loaded, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	// /implement approves the plan and releases the start gate in one step.
	e.forge.AddUserComment(loaded.IssueNumber, "reviewer", "/implement")

	e.waitStatus(task.ID, api.TaskStatusUnderReview)
	e.forge.MergePullRequest(7)
	e.waitStatus(task.ID, api.TaskStatusCompleted)
}

func TestWorkerResumeWithExistingPR(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")
	task.Status = api.TaskStatusUnderReview
	task.PRNumber = 42
	task.PRURL = testRepo + "/pull/42"
	task.BranchName = "feature/101-add-dark-mode-toggle"
	require.NoError(t, e.store.UpdateTask(e.ctx, task))
	e.forge.PutPullRequest(&forge.PullRequest{Number: 42, URL: task.PRURL, State: "open", HeadRef: task.BranchName})

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	// The workflow must go straight to the review loop.
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, e.sandbox.LaunchesFor(task.ID), "resume launched jobs")

	e.forge.MergePullRequest(42)
	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusCompleted, out.Status)
	assert.Empty(t, e.sandbox.LaunchesFor(task.ID))
}

func TestWorkerTerminalReentryIsNoop(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Already done")
	task.Status = api.TaskStatusCompleted
	task.Result = map[string]any{"merged": true}
	require.NoError(t, e.store.UpdateTask(e.ctx, task))

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(e.ctx, waitFor)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusCompleted, out.Status)
	assert.Empty(t, e.sandbox.LaunchesFor(task.ID))
}

func TestWorkerQuestionRound(t *testing.T) {
	e := newEnv(t)
	plans := 0
	var mu sync.Mutex
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		switch spec.Mode {
		case api.JobModePlan:
			mu.Lock()
			plans++
			first := plans == 1
			mu.Unlock()
			if first {
				e.completeJob(spec.TaskID, map[string]any{
					"plan_text": "1. Draft",
					"questions": []api.TaskQuestion{{ID: "q1", Question: "Light or dark default?"}},
				})
				return
			}
			e.completeJob(spec.TaskID, map[string]any{"plan_text": "1. Default to dark"})
		case api.JobModeImplement:
			e.forge.PutPullRequest(&forge.PullRequest{Number: 7, URL: testRepo + "/pull/7", State: "open", HeadRef: spec.BranchName})
			e.completeJob(spec.TaskID, map[string]any{"pr_url": testRepo + "/pull/7"})
		}
	}
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingQuestions)
	e.signal(task.ID, api.TopicQuestionResponse, api.QuestionResponse{
		Action:  api.ActionAnswer,
		Answers: map[string]string{"q1": "dark"},
	})

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	loaded, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", loaded.Requirements["Light or dark default?"])
	assert.Empty(t, loaded.PendingQuestions)

	mu.Lock()
	assert.Equal(t, 2, plans)
	mu.Unlock()
	second := e.sandbox.LaunchesFor(task.ID)[1]
	assert.Contains(t, second.FeedbackContext, "Light or dark default?")
	assert.Contains(t, second.FeedbackContext, "dark")

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, task.ID))
}

func TestWorkerPartialAnswersClearPendingQuestions(t *testing.T) {
	e := newEnv(t)
	plans := 0
	var mu sync.Mutex
	secondPlan := make(chan string, 1)
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		if spec.Mode != api.JobModePlan {
			return
		}
		mu.Lock()
		plans++
		first := plans == 1
		mu.Unlock()
		if first {
			e.completeJob(spec.TaskID, map[string]any{
				"plan_text": "1. Draft",
				"questions": []api.TaskQuestion{
					{ID: "q1", Question: "Light or dark default?"},
					{ID: "q2", Question: "Animate the switch?"},
				},
			})
			return
		}
		// Held open so the test can observe the task mid-round.
		secondPlan <- spec.TaskID
	}
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingQuestions)
	e.signal(task.ID, api.TopicQuestionResponse, api.QuestionResponse{
		Action:  api.ActionAnswer,
		Answers: map[string]string{"q1": "dark"},
	})

	var taskID string
	select {
	case taskID = <-secondPlan:
	case <-time.After(waitFor):
		t.Fatal("follow-up plan job never launched")
	}

	// While the follow-up plan job runs, the unanswered question must not
	// linger on the stored task: no pending questions outside
	// waiting_questions.
	loaded, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusPlanning, loaded.Status)
	assert.Empty(t, loaded.PendingQuestions)
	assert.Equal(t, "dark", loaded.Requirements["Light or dark default?"])
	assert.NotContains(t, loaded.Requirements, "Animate the switch?")

	// The follow-up plan job carries both the answer and the open question.
	second := e.sandbox.LaunchesFor(task.ID)[1]
	assert.Contains(t, second.FeedbackContext, "A: dark")
	assert.Contains(t, second.FeedbackContext, "not answered")
	assert.Contains(t, second.FeedbackContext, "Animate the switch?")

	e.completeJob(taskID, map[string]any{"plan_text": "1. Default to dark"})
	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, task.ID))
}

func TestWorkerAnswersViaForgeComment(t *testing.T) {
	e := newEnv(t)
	round := 0
	var mu sync.Mutex
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		if spec.Mode != api.JobModePlan {
			return
		}
		mu.Lock()
		round++
		first := round == 1
		mu.Unlock()
		if first {
			e.completeJob(spec.TaskID, map[string]any{
				"plan_text": "1. Draft",
				"questions": []api.TaskQuestion{{ID: "q1", Question: "Which framework?"}},
			})
			return
		}
		e.completeJob(spec.TaskID, map[string]any{"plan_text": "1. Use the chosen framework"})
	}
	task := e.newTask("Build settings page")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingQuestions)
	loaded, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	e.forge.AddUserComment(loaded.IssueNumber, "reviewer", "A1: htmx")

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	loaded, err = e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "htmx", loaded.Requirements["Which framework?"])

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, task.ID))
}

func TestCancelTaskFromAPI(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)
	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)

	require.NoError(t, e.orch.CancelTask(e.ctx, task.ID))
	final, err := e.store.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusCancelled, final.Status)

	// Terminal states are sticky.
	err = e.orch.CancelTask(e.ctx, task.ID)
	require.Error(t, err)
}

func TestMainThreadStartsTaskFromChat(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()

	require.NoError(t, e.orch.SendUserMessage(e.ctx, testUser, api.UserMessage{
		Message: "Build a settings page for https://forge.test/o/r",
	}))

	var created *api.WorkerTask
	require.Eventually(t, func() bool {
		tasks, err := e.store.ListTasksByUser(e.ctx, testUser)
		if err != nil || len(tasks) == 0 {
			return false
		}
		created = tasks[0]
		return true
	}, waitFor, tick, "no task created from chat")

	assert.Equal(t, "Build a settings page for https://forge.test/o/r", created.Description)
	assert.Equal(t, testRepo, created.RepoURL)
	assert.False(t, created.SkipPlan)
	e.waitStatus(created.ID, api.TaskStatusWaitingPlanReview)

	thread, err := e.store.GetMainThreadByUser(e.ctx, testUser)
	require.NoError(t, err)
	assert.Contains(t, thread.ActiveTaskIDs, created.ID)

	require.NoError(t, e.eng.CancelWorkflow(e.ctx, created.ID))
}

func TestMainThreadNonTaskMessage(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.orch.SendUserMessage(e.ctx, testUser, api.UserMessage{
		Message: "what is the weather like",
	}))

	require.Eventually(t, func() bool {
		return countItems(e.pendingItems(), api.QueueItemNotification) == 1
	}, waitFor, tick, "no notification for non-task message")
	tasks, err := e.store.ListTasksByUser(e.ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMainThreadWorkerFailureCreatesErrorItem(t *testing.T) {
	e := newEnv(t)
	e.sandbox.OnLaunch = func(spec sandbox.JobSpec) {
		err := e.orch.SendJobResult(e.ctx, api.JobResult{
			TaskID: spec.TaskID,
			Status: api.JobFailed,
			Error:  "sandbox exploded",
		})
		if err != nil {
			e.t.Logf("send job result: %v", err)
		}
	}
	task := e.newTask("Add dark mode toggle")

	handle, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(e.ctx, 60*time.Second)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, api.TaskStatusFailed, out.Status)

	// The job retry loop runs to exhaustion before the task fails.
	plans := e.sandbox.LaunchesFor(task.ID)
	require.Len(t, plans, orchestrator.MaxJobRetries)
	for i, spec := range plans {
		assert.Equal(t, i+1, spec.Iteration)
	}
	// Every launch after the first is a retry; the counter records exactly
	// those, once each.
	assert.Equal(t, float64(orchestrator.MaxJobRetries-1), e.metrics.counter(telemetry.MetricJobRetries))

	require.Eventually(t, func() bool {
		return countItems(e.pendingItems(), api.QueueItemError) == 1
	}, waitFor, tick, "no error inbox item")
}

func TestWorkerReviewFeedbackLoop(t *testing.T) {
	e := newEnv(t)
	e.scriptJobs()
	task := e.newTask("Add dark mode toggle")

	_, err := e.orch.StartWorkerTask(e.ctx, task)
	require.NoError(t, err)

	e.waitStatus(task.ID, api.TaskStatusWaitingPlanReview)
	e.signal(task.ID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionStart})
	e.waitStatus(task.ID, api.TaskStatusUnderReview)

	e.forge.AddPullComment(7, "reviewer", fmt.Sprintf("@%s please rename the flag", agentUser))

	require.Eventually(t, func() bool {
		for _, spec := range e.sandbox.LaunchesFor(task.ID) {
			if spec.Mode == api.JobModeFeedback {
				return strings.Contains(spec.FeedbackContext, "please rename the flag")
			}
		}
		return false
	}, waitFor, tick, "feedback job never launched")

	e.waitStatus(task.ID, api.TaskStatusUnderReview)
	e.forge.MergePullRequest(7)
	e.waitStatus(task.ID, api.TaskStatusCompleted)

	require.Eventually(t, func() bool {
		return countItems(e.pendingItems(), api.QueueItemFeedbackAddressed) == 1
	}, waitFor, tick, "no feedback_addressed inbox item")
}
