package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mainloop-ai/mainloop/features/bus"
	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/features/sandbox"
	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

// Step names. Workflow code references steps by name; the handlers below are
// registered under these names at startup.
const (
	stepLoadTask         = "load_task"
	stepSaveTask         = "save_task"
	stepSetTaskStatus    = "set_task_status"
	stepCreateIssue      = "create_issue"
	stepUpdateIssueBody  = "update_issue_body"
	stepPostIssueComment = "post_issue_comment"
	stepFetchComments    = "fetch_issue_comments"
	stepFetchReactions   = "fetch_comment_reactions"
	stepCloseIssue       = "close_issue"
	stepEnsureSandbox    = "ensure_sandbox"
	stepLaunchJob        = "launch_job"
	stepDestroySandbox   = "destroy_sandbox"
	stepFetchPR          = "fetch_pr_status"
	stepFindPRForBranch  = "find_pr_for_branch"
	stepFetchPRComments  = "fetch_pr_comments"
	stepFetchCIStatus    = "fetch_ci_status"
	stepFetchCILogs      = "fetch_ci_failure_logs"
	stepAckComment       = "ack_comment"
	stepNotifyMainThread = "notify_main_thread"

	stepLoadThread       = "load_main_thread"
	stepSaveThread       = "save_main_thread"
	stepCreateQueueItem  = "create_queue_item"
	stepListActiveTasks  = "list_active_tasks"
	stepCreateWorkerTask = "create_worker_task"
	stepStartWorker      = "start_worker"
)

// Step payloads. Fields are exported for JSON serialization across the
// durability boundary.

type setStatusInput struct {
	TaskID string         `json:"task_id"`
	Status api.TaskStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

type issueRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

type postCommentInput struct {
	TaskID string `json:"task_id"`
	Body   string `json:"body"`
}

type commentRef struct {
	ID int64 `json:"id"`
}

type fetchCommentsInput struct {
	TaskID string            `json:"task_id"`
	Since  time.Time         `json:"since"`
	Cond   forge.Conditional `json:"cond"`
}

type fetchCommentsOutput struct {
	Comments []forge.Comment   `json:"comments,omitempty"`
	Cond     forge.Conditional `json:"cond"`
	Modified bool              `json:"modified"`
}

type fetchReactionsInput struct {
	TaskID    string `json:"task_id"`
	CommentID int64  `json:"comment_id"`
}

type closeIssueInput struct {
	TaskID  string `json:"task_id"`
	Comment string `json:"comment,omitempty"`
}

type launchJobInput struct {
	TaskID          string      `json:"task_id"`
	Mode            api.JobMode `json:"mode"`
	Iteration       int         `json:"iteration"`
	Attempt         int         `json:"attempt"`
	Prompt          string      `json:"prompt"`
	FeedbackContext string      `json:"feedback_context,omitempty"`
}

type prStatusOutput struct {
	PR    *forge.PullRequest `json:"pr,omitempty"`
	Found bool               `json:"found"`
}

type fetchPRCommentsInput struct {
	TaskID string    `json:"task_id"`
	Since  time.Time `json:"since"`
}

type ciStatusOutput struct {
	State  forge.CIState `json:"state"`
	Failed []string      `json:"failed,omitempty"`
}

type ackCommentInput struct {
	TaskID    string `json:"task_id"`
	CommentID int64  `json:"comment_id"`
}

type notifyInput struct {
	UserID string           `json:"user_id"`
	Result api.WorkerResult `json:"result"`
}

func (o *Orchestrator) stepDefinitions() []engine.StepDefinition {
	short := engine.StepOptions{Queue: api.QueueWorkerTasks, Timeout: 30 * time.Second}
	forgeOpts := engine.StepOptions{
		Queue:   api.QueueWorkerTasks,
		Timeout: time.Minute,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
		},
	}
	sandboxOpts := engine.StepOptions{Queue: api.QueueWorkerTasks, Timeout: 2 * time.Minute}
	threadOpts := engine.StepOptions{Queue: api.QueueMainThreads, Timeout: 30 * time.Second}

	return []engine.StepDefinition{
		{Name: stepLoadTask, Options: short, Handler: o.loadTask},
		{Name: stepSaveTask, Options: short, Handler: o.saveTask},
		{Name: stepSetTaskStatus, Options: short, Handler: o.setTaskStatus},
		{Name: stepCreateIssue, Options: forgeOpts, Handler: o.createIssue},
		{Name: stepUpdateIssueBody, Options: forgeOpts, Handler: o.updateIssueBody},
		{Name: stepPostIssueComment, Options: forgeOpts, Handler: o.postIssueComment},
		{Name: stepFetchComments, Options: forgeOpts, Handler: o.fetchIssueComments},
		{Name: stepFetchReactions, Options: forgeOpts, Handler: o.fetchCommentReactions},
		{Name: stepCloseIssue, Options: forgeOpts, Handler: o.closeIssue},
		{Name: stepEnsureSandbox, Options: sandboxOpts, Handler: o.ensureSandbox},
		{Name: stepLaunchJob, Options: sandboxOpts, Handler: o.launchJob},
		{Name: stepDestroySandbox, Options: sandboxOpts, Handler: o.destroySandbox},
		{Name: stepFetchPR, Options: forgeOpts, Handler: o.fetchPRStatus},
		{Name: stepFindPRForBranch, Options: forgeOpts, Handler: o.findPRForBranch},
		{Name: stepFetchPRComments, Options: forgeOpts, Handler: o.fetchPRComments},
		{Name: stepFetchCIStatus, Options: forgeOpts, Handler: o.fetchCIStatus},
		{Name: stepFetchCILogs, Options: forgeOpts, Handler: o.fetchCIFailureLogs},
		{Name: stepAckComment, Options: forgeOpts, Handler: o.ackComment},
		{Name: stepNotifyMainThread, Options: short, Handler: o.notifyMainThread},
		{Name: stepLoadThread, Options: threadOpts, Handler: o.loadMainThread},
		{Name: stepSaveThread, Options: threadOpts, Handler: o.saveMainThread},
		{Name: stepCreateQueueItem, Options: threadOpts, Handler: o.createQueueItem},
		{Name: stepListActiveTasks, Options: threadOpts, Handler: o.listActiveTasks},
		{Name: stepCreateWorkerTask, Options: threadOpts, Handler: o.createWorkerTask},
		{Name: stepStartWorker, Options: threadOpts, Handler: o.startWorker},
	}
}

func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*api.WorkerTask, error) {
	return o.store.GetTask(ctx, taskID)
}

func (o *Orchestrator) saveTask(ctx context.Context, task *api.WorkerTask) (*api.WorkerTask, error) {
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	o.publishTaskUpdate(ctx, task)
	return task, nil
}

// setTaskStatus is the single status-transition writer inside workflows.
// Terminal states are sticky: a transition away from one is refused so a
// replayed or late write can never resurrect a finished task.
func (o *Orchestrator) setTaskStatus(ctx context.Context, in setStatusInput) (*api.WorkerTask, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		if task.Status == in.Status {
			return task, nil
		}
		return nil, fmt.Errorf("task %s is terminal (%s), refusing transition to %s", in.TaskID, task.Status, in.Status)
	}
	now := time.Now().UTC()
	task.Status = in.Status
	if in.Error != "" {
		task.Error = in.Error
	}
	if in.Status == api.TaskStatusPlanning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if in.Status.Terminal() {
		task.CompletedAt = &now
		o.metrics.IncCounter(telemetry.MetricTasksCompleted, 1, "status", string(in.Status))
		if task.StartedAt != nil {
			o.metrics.RecordTimer(telemetry.MetricTaskDuration, now.Sub(*task.StartedAt), "status", string(in.Status))
		}
	}
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "task status transition", "task_id", task.ID, "status", string(in.Status))
	o.publishTaskUpdate(ctx, task)
	return task, nil
}

func (o *Orchestrator) createIssue(ctx context.Context, taskID string) (*issueRef, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// Replay guard: an issue already recorded means a prior attempt got
	// through before the step result was persisted.
	if task.IssueNumber > 0 {
		return &issueRef{Number: task.IssueNumber, URL: task.IssueURL}, nil
	}
	repo := RepoSlug(task.RepoURL)
	if repo == "" {
		return nil, fmt.Errorf("task %s has no usable repo url %q", taskID, task.RepoURL)
	}
	issue, err := o.forge.CreateIssue(ctx, repo, IssueTitle(task), BuildIssueBody(task), []string{"mainloop"})
	if err != nil {
		return nil, err
	}
	task.IssueNumber = issue.Number
	task.IssueURL = issue.URL
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return &issueRef{Number: issue.Number, URL: issue.URL}, nil
}

func (o *Orchestrator) updateIssueBody(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IssueNumber == 0 {
		return nil
	}
	return o.forge.UpdateIssueBody(ctx, RepoSlug(task.RepoURL), task.IssueNumber, BuildIssueBody(task))
}

func (o *Orchestrator) postIssueComment(ctx context.Context, in postCommentInput) (*commentRef, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	comment, err := o.forge.CreateIssueComment(ctx, RepoSlug(task.RepoURL), task.IssueNumber, in.Body)
	if err != nil {
		return nil, err
	}
	return &commentRef{ID: comment.ID}, nil
}

func (o *Orchestrator) fetchIssueComments(ctx context.Context, in fetchCommentsInput) (*fetchCommentsOutput, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	comments, cond, modified, err := o.forge.ListIssueComments(ctx, RepoSlug(task.RepoURL), task.IssueNumber, in.Since, in.Cond)
	if err != nil {
		return nil, err
	}
	return &fetchCommentsOutput{Comments: comments, Cond: cond, Modified: modified}, nil
}

func (o *Orchestrator) fetchCommentReactions(ctx context.Context, in fetchReactionsInput) ([]forge.Reaction, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	return o.forge.ListCommentReactions(ctx, RepoSlug(task.RepoURL), in.CommentID)
}

func (o *Orchestrator) closeIssue(ctx context.Context, in closeIssueInput) error {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return err
	}
	if task.IssueNumber == 0 {
		return nil
	}
	repo := RepoSlug(task.RepoURL)
	if in.Comment != "" {
		if _, err := o.forge.CreateIssueComment(ctx, repo, task.IssueNumber, in.Comment); err != nil && !errors.Is(err, forge.ErrNotFound) {
			return err
		}
	}
	if err := o.forge.CloseIssue(ctx, repo, task.IssueNumber); err != nil && !errors.Is(err, forge.ErrNotFound) {
		return err
	}
	return nil
}

func (o *Orchestrator) ensureSandbox(ctx context.Context, taskID string) (string, error) {
	return o.sandbox.EnsureWorkspace(ctx, taskID)
}

func (o *Orchestrator) launchJob(ctx context.Context, in launchJobInput) (string, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return "", err
	}
	spec := sandbox.JobSpec{
		TaskID:          in.TaskID,
		Mode:            in.Mode,
		Iteration:       in.Iteration,
		Prompt:          in.Prompt,
		RepoURL:         task.RepoURL,
		BaseBranch:      task.BaseBranch,
		BranchName:      task.BranchName,
		PRNumber:        task.PRNumber,
		IssueNumber:     task.IssueNumber,
		FeedbackContext: in.FeedbackContext,
		CallbackURL:     o.callbackURL(in.TaskID),
	}
	o.metrics.IncCounter(telemetry.MetricJobsLaunched, 1, "mode", string(in.Mode))
	if in.Attempt > 1 {
		// Counted here rather than in the workflow so replays do not inflate it.
		o.metrics.IncCounter(telemetry.MetricJobRetries, 1, "mode", string(in.Mode))
	}
	return o.sandbox.LaunchJob(ctx, spec)
}

func (o *Orchestrator) destroySandbox(ctx context.Context, taskID string) error {
	if err := o.sandbox.DeleteJobs(ctx, taskID); err != nil {
		o.logger.Warn(ctx, "delete jobs during teardown", "task_id", taskID, "err", err)
	}
	return o.sandbox.DestroyWorkspace(ctx, taskID)
}

func (o *Orchestrator) fetchPRStatus(ctx context.Context, taskID string) (*prStatusOutput, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PRNumber == 0 {
		return &prStatusOutput{Found: false}, nil
	}
	pr, cond, modified, err := o.forge.GetPullRequest(ctx, RepoSlug(task.RepoURL), task.PRNumber, forge.Conditional{ETag: task.PRETag})
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return &prStatusOutput{Found: false}, nil
		}
		return nil, err
	}
	if !modified {
		// 304: synthesize from stored fields; the poll loop only needs
		// state changes.
		return &prStatusOutput{PR: &forge.PullRequest{Number: task.PRNumber, URL: task.PRURL, State: "open", HeadRef: task.BranchName}, Found: true}, nil
	}
	task.PRETag = cond.ETag
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return &prStatusOutput{PR: pr, Found: true}, nil
}

func (o *Orchestrator) findPRForBranch(ctx context.Context, taskID string) (*prStatusOutput, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.BranchName == "" {
		return &prStatusOutput{Found: false}, nil
	}
	pr, err := o.forge.FindPullRequestForBranch(ctx, RepoSlug(task.RepoURL), task.BranchName)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return &prStatusOutput{Found: false}, nil
		}
		return nil, err
	}
	return &prStatusOutput{PR: pr, Found: true}, nil
}

func (o *Orchestrator) fetchPRComments(ctx context.Context, in fetchPRCommentsInput) ([]forge.Comment, error) {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	return o.forge.ListPullRequestComments(ctx, RepoSlug(task.RepoURL), task.PRNumber, in.Since)
}

func (o *Orchestrator) fetchCIStatus(ctx context.Context, taskID string) (*ciStatusOutput, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	status, err := o.forge.CombinedCIStatus(ctx, RepoSlug(task.RepoURL), task.BranchName)
	if err != nil {
		return nil, err
	}
	out := &ciStatusOutput{State: status.State}
	for _, cc := range status.Contexts {
		if cc.State == forge.CIFailure {
			out.Failed = append(out.Failed, cc.Name)
		}
	}
	return out, nil
}

func (o *Orchestrator) fetchCIFailureLogs(ctx context.Context, taskID string) (string, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return o.forge.CIFailureLogs(ctx, RepoSlug(task.RepoURL), task.BranchName)
}

func (o *Orchestrator) ackComment(ctx context.Context, in ackCommentInput) error {
	task, err := o.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return err
	}
	return o.forge.AddCommentReaction(ctx, RepoSlug(task.RepoURL), in.CommentID, "eyes")
}

// notifyMainThread delivers a worker result to the owning user's main
// thread, starting the thread workflow when it is not running. Delivery
// through the engine keeps the envelope durable.
func (o *Orchestrator) notifyMainThread(ctx context.Context, in notifyInput) error {
	id, err := o.EnsureMainThread(ctx, in.UserID)
	if err != nil {
		return err
	}
	return o.engine.SignalWorkflow(ctx, id, api.TopicWorkerResult, in.Result)
}

func (o *Orchestrator) loadMainThread(ctx context.Context, userID string) (*api.MainThread, error) {
	thread, err := o.store.GetMainThreadByUser(ctx, userID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	thread = api.NewMainThread(userID)
	if err := o.store.CreateMainThread(ctx, thread); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return o.store.GetMainThreadByUser(ctx, userID)
		}
		return nil, err
	}
	return thread, nil
}

func (o *Orchestrator) saveMainThread(ctx context.Context, thread *api.MainThread) (*api.MainThread, error) {
	thread.LastActivityAt = time.Now().UTC()
	if err := o.store.UpdateMainThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// createQueueItem persists an inbox entry. ID and timestamps are assigned
// here, not in workflow code, to keep the workflow deterministic.
func (o *Orchestrator) createQueueItem(ctx context.Context, item *api.QueueItem) (*api.QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Priority == "" {
		item.Priority = api.PriorityNormal
	}
	if item.Status == "" {
		item.Status = api.QueueItemPending
	}
	if err := o.store.CreateQueueItem(ctx, item); err != nil {
		return nil, err
	}
	o.metrics.IncCounter(telemetry.MetricInboxItems, 1, "item_type", string(item.ItemType))
	o.bus.PublishUser(ctx, item.UserID, bus.Event{
		Type:   bus.EventQueueItemAdded,
		TaskID: item.TaskID,
		Data: map[string]any{
			"queue_item_id": item.ID,
			"item_type":     string(item.ItemType),
			"title":         item.Title,
		},
	})
	return item, nil
}

func (o *Orchestrator) listActiveTasks(ctx context.Context, threadID string) ([]*api.WorkerTask, error) {
	return o.store.ListActiveTasksByThread(ctx, threadID)
}

func (o *Orchestrator) createWorkerTask(ctx context.Context, task *api.WorkerTask) (*api.WorkerTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = api.TaskStatusPending
	}
	if task.RepoURL == "" {
		task.RepoURL = o.inferRepoURL(ctx, task)
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

var repoURLRe = regexp.MustCompile(`https?://[^\s)>\]]+/[^\s)>\]]+/[^\s)>\]]+`)

// inferRepoURL fills the task's repository when the message does not name one
// explicitly: a URL in the description wins, then the user's most recently
// used repository.
func (o *Orchestrator) inferRepoURL(ctx context.Context, task *api.WorkerTask) string {
	if m := repoURLRe.FindString(task.Description); m != "" && RepoSlug(m) != "" {
		return strings.TrimSuffix(m, "/")
	}
	recent, err := o.store.RecentRepoURLs(ctx, task.UserID, 1)
	if err != nil || len(recent) == 0 {
		return ""
	}
	return recent[0]
}

func (o *Orchestrator) startWorker(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = o.StartWorkerTask(ctx, task)
	return err
}
