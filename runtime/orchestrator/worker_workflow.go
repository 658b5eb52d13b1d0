package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// errCancelled marks user-initiated cancellation inside the state machine so
// the outer handler can distinguish it from failures.
var errCancelled = errors.New("task cancelled")

// workerRun carries the per-execution state of one worker workflow.
type workerRun struct {
	o    *Orchestrator
	wctx engine.WorkflowContext
	task *api.WorkerTask

	// jobIterations tracks the next iteration per mode so every launch has
	// a distinct (task, mode, iteration) identity.
	jobIterations map[api.JobMode]int
}

// workerTaskWorkflow drives one task through plan, review, implementation,
// CI fixing, and code review. The workflow ID equals the task ID; all
// targeted signals about this task address that ID.
func (o *Orchestrator) workerTaskWorkflow(wctx engine.WorkflowContext, input *api.RunInput) (*api.RunOutput, error) {
	ctx := wctx.Context()

	var task *api.WorkerTask
	if err := wctx.ExecuteStep(ctx, stepLoadTask, input.TaskID, &task); err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	// Re-entering a finished task is a no-op.
	if task.Status.Terminal() {
		return &api.RunOutput{Status: task.Status, Result: task.Result, Error: task.Error}, nil
	}

	run := &workerRun{o: o, wctx: wctx, task: task, jobIterations: make(map[api.JobMode]int)}

	err := run.execute()
	run.cleanupSandbox()

	switch {
	case err == nil:
		return &api.RunOutput{Status: run.task.Status, Result: run.task.Result}, nil
	case errors.Is(err, errCancelled) || run.wctx.Context().Err() != nil:
		run.finishCancelled()
		return &api.RunOutput{Status: api.TaskStatusCancelled}, nil
	default:
		run.finishFailed(err)
		return &api.RunOutput{Status: api.TaskStatusFailed, Error: err.Error()}, nil
	}
}

// execute runs the state machine from the task's current position.
func (r *workerRun) execute() error {
	ctx := r.wctx.Context()

	// Resume: a recorded PR means planning and implementation already
	// happened in a previous incarnation; re-enter code review with the
	// task creation time as the comment watermark.
	if r.task.PRNumber > 0 {
		if err := r.wctx.ExecuteStep(ctx, stepEnsureSandbox, r.task.ID, nil); err != nil {
			return fmt.Errorf("ensure sandbox on resume: %w", err)
		}
		if r.task.Status != api.TaskStatusUnderReview {
			if err := r.setStatus(api.TaskStatusUnderReview, ""); err != nil {
				return err
			}
		}
		return r.codeReviewPhase(r.task.CreatedAt)
	}

	if err := r.wctx.ExecuteStep(ctx, stepEnsureSandbox, r.task.ID, nil); err != nil {
		return fmt.Errorf("ensure sandbox: %w", err)
	}

	if r.task.SkipPlan {
		if err := r.prepareDirect(); err != nil {
			return err
		}
	} else {
		if err := r.planningPhase(); err != nil {
			return err
		}
	}
	if err := r.implementationPhase(); err != nil {
		return err
	}
	return r.codeReviewPhase(r.wctx.Now())
}

// prepareDirect sets up the tracking issue and branch for tasks that skip
// planning and go straight to implementation.
func (r *workerRun) prepareDirect() error {
	ctx := r.wctx.Context()
	var issue issueRef
	if err := r.wctx.ExecuteStep(ctx, stepCreateIssue, r.task.ID, &issue); err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	r.task.IssueNumber = issue.Number
	r.task.IssueURL = issue.URL
	if r.task.BranchName == "" {
		r.task.BranchName = DeriveBranchName(r.task.IssueNumber, r.task.Description, r.task.TaskType)
	}
	return r.saveTask()
}

// implementationPhase launches the implement job, extracts the PR, and runs
// the bounded CI verification loop.
func (r *workerRun) implementationPhase() error {
	ctx := r.wctx.Context()

	if err := r.setStatus(api.TaskStatusImplementing, ""); err != nil {
		return err
	}
	result, err := r.runJob(api.JobModeImplement, r.task.Prompt, "")
	if err != nil {
		return fmt.Errorf("implement job: %w", err)
	}

	prNumber, prURL := extractPR(result.Result)
	if prNumber == 0 {
		// The job did not report a usable URL; the branch is deterministic,
		// so ask the forge directly.
		var found prStatusOutput
		if err := r.wctx.ExecuteStep(ctx, stepFindPRForBranch, r.task.ID, &found); err != nil {
			return fmt.Errorf("find pr for branch: %w", err)
		}
		if !found.Found {
			return fmt.Errorf("implement job reported no pull request for task %s", r.task.ID)
		}
		prNumber, prURL = found.PR.Number, found.PR.URL
	}
	r.task.PRNumber = prNumber
	r.task.PRURL = prURL
	if err := r.saveTask(); err != nil {
		return err
	}
	r.notify(api.WorkerStatusCodeReady, map[string]any{"pr_url": prURL, "pr_number": prNumber})

	return r.ciLoop()
}

// ciLoop polls combined check status every PRPollInterval and launches fix
// jobs for failures, bounded by MaxCIIterations and a wall-clock budget so
// perpetually pending checks cannot spin forever.
func (r *workerRun) ciLoop() error {
	ctx := r.wctx.Context()
	deadline := r.wctx.Now().Add(ciWallClockBudget)
	fixes := 0
	for {
		if err := r.wctx.Sleep(ctx, PRPollInterval); err != nil {
			return err
		}
		if r.wctx.Now().After(deadline) {
			return fmt.Errorf("ci verification exceeded %s budget", ciWallClockBudget)
		}
		var status ciStatusOutput
		if err := r.wctx.ExecuteStep(ctx, stepFetchCIStatus, r.task.ID, &status); err != nil {
			return fmt.Errorf("fetch ci status: %w", err)
		}
		switch status.State {
		case forge.CISuccess:
			return nil
		case forge.CIPending:
			continue
		default:
			fixes++
			if fixes > MaxCIIterations {
				return fmt.Errorf("ci still failing after %d fix attempts", MaxCIIterations)
			}
			var logs string
			if err := r.wctx.ExecuteStep(ctx, stepFetchCILogs, r.task.ID, &logs); err != nil {
				return fmt.Errorf("fetch ci failure logs: %w", err)
			}
			if _, err := r.runJob(api.JobModeFix, r.task.Prompt, logs); err != nil {
				return fmt.Errorf("fix job: %w", err)
			}
		}
	}
}

// ciWallClockBudget bounds total time in the CI loop; the iteration counter
// alone cannot stop checks that stay pending.
const ciWallClockBudget = time.Hour

// runJob launches an executor job and awaits its callback, retrying failed
// attempts with exponential backoff. Each attempt gets a fresh iteration so
// its job identity is distinct.
func (r *workerRun) runJob(mode api.JobMode, prompt, feedback string) (*api.JobResult, error) {
	ctx := r.wctx.Context()
	var lastErr string
	for attempt := 1; attempt <= MaxJobRetries; attempt++ {
		r.jobIterations[mode]++
		in := launchJobInput{
			TaskID:          r.task.ID,
			Mode:            mode,
			Iteration:       r.jobIterations[mode],
			Attempt:         attempt,
			Prompt:          prompt,
			FeedbackContext: feedback,
		}
		if err := r.wctx.ExecuteStep(ctx, stepLaunchJob, in, nil); err != nil {
			return nil, fmt.Errorf("launch %s job: %w", mode, err)
		}

		result, ok, err := r.wctx.JobResults().ReceiveWithTimeout(ctx, JobResultTimeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			// A silent job is a permanent failure: the callback contract is
			// exactly one POST per invocation.
			return nil, fmt.Errorf("%s job produced no result within %s", mode, JobResultTimeout)
		}
		if result.Status == api.JobCompleted {
			return &result, nil
		}
		lastErr = result.Error
		if attempt < MaxJobRetries {
			backoff := time.Duration(1<<attempt) * time.Second // 2,4,8,16,32
			if err := r.wctx.Sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%s job failed after %d attempts: %s", mode, MaxJobRetries, lastErr)
}

func (r *workerRun) setStatus(status api.TaskStatus, errMsg string) error {
	var updated *api.WorkerTask
	in := setStatusInput{TaskID: r.task.ID, Status: status, Error: errMsg}
	if err := r.wctx.ExecuteStep(r.wctx.Context(), stepSetTaskStatus, in, &updated); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	r.task = updated
	return nil
}

func (r *workerRun) saveTask() error {
	var updated *api.WorkerTask
	if err := r.wctx.ExecuteStep(r.wctx.Context(), stepSaveTask, r.task, &updated); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	r.task = updated
	return nil
}

// notify reports a worker outcome to the owning main thread. Notification
// failures are logged, never fatal: the durable task record is the source
// of truth and the inbox is a projection.
func (r *workerRun) notify(status api.WorkerResultStatus, result map[string]any) {
	in := notifyInput{
		UserID: r.task.UserID,
		Result: api.WorkerResult{TaskID: r.task.ID, Status: status, Result: result},
	}
	if err := r.wctx.ExecuteStep(r.wctx.Context(), stepNotifyMainThread, in, nil); err != nil {
		r.o.logger.Warn(r.wctx.Context(), "notify main thread", "task_id", r.task.ID, "status", string(status), "err", err)
	}
}

func (r *workerRun) notifyError(errMsg string) {
	in := notifyInput{
		UserID: r.task.UserID,
		Result: api.WorkerResult{TaskID: r.task.ID, Status: api.WorkerStatusFailed, Error: errMsg},
	}
	if err := r.wctx.ExecuteStep(r.wctx.Context(), stepNotifyMainThread, in, nil); err != nil {
		r.o.logger.Warn(r.wctx.Context(), "notify main thread", "task_id", r.task.ID, "err", err)
	}
}

// finishCancelled closes forge artifacts and records the terminal state.
func (r *workerRun) finishCancelled() {
	ctx := r.wctx.Context()
	if err := r.wctx.ExecuteStep(ctx, stepCloseIssue, closeIssueInput{TaskID: r.task.ID, Comment: CancelComment}, nil); err != nil {
		r.o.logger.Warn(ctx, "close issue on cancel", "task_id", r.task.ID, "err", err)
	}
	if err := r.setStatus(api.TaskStatusCancelled, ""); err != nil {
		r.o.logger.Warn(ctx, "record cancelled status", "task_id", r.task.ID, "err", err)
	}
	r.notify(api.WorkerStatusCancelled, nil)
}

func (r *workerRun) finishFailed(cause error) {
	if err := r.setStatus(api.TaskStatusFailed, cause.Error()); err != nil {
		r.o.logger.Warn(r.wctx.Context(), "record failed status", "task_id", r.task.ID, "err", err)
	}
	r.notifyError(cause.Error())
}

// cleanupSandbox tears the workspace down with bounded retries. Failures
// are logged and swallowed; cleanup never changes task state.
func (r *workerRun) cleanupSandbox() {
	ctx := r.wctx.Context()
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		err := r.wctx.ExecuteStep(ctx, stepDestroySandbox, r.task.ID, nil)
		if err == nil {
			return
		}
		r.o.logger.Warn(ctx, "sandbox cleanup attempt failed", "task_id", r.task.ID, "attempt", attempt, "err", err)
		if attempt < cleanupAttempts {
			if err := r.wctx.Sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return
			}
		}
	}
	r.o.logger.Error(ctx, "sandbox cleanup exhausted retries", "task_id", r.task.ID)
}

var prURLRe = regexp.MustCompile(`/pull/(\d+)`)

// extractPR pulls the PR number and URL out of an implement-job result.
func extractPR(result map[string]any) (int, string) {
	raw, ok := result["pr_url"]
	if !ok {
		return 0, ""
	}
	url, ok := raw.(string)
	if !ok {
		return 0, ""
	}
	m := prURLRe.FindStringSubmatch(url)
	if m == nil {
		return 0, ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, ""
	}
	return n, url
}

// planFromResult decodes the structured plan payload a plan job reports.
func planFromResult(result map[string]any) (*api.PlanOutput, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var out api.PlanOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.PlanText == "" {
		return nil, errors.New("plan job returned no plan text")
	}
	return &out, nil
}
