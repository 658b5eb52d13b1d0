package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
)

// routingConfidenceHigh auto-suggests a single task; routingConfidenceLow is
// the floor for offering a choice between candidates.
const (
	routingConfidenceHigh = 0.7
	routingConfidenceLow  = 0.4
)

// threadRun carries the per-execution state of one main-thread workflow.
type threadRun struct {
	o      *Orchestrator
	wctx   engine.WorkflowContext
	thread *api.MainThread
}

// mainThreadWorkflow is the long-lived per-user event loop. It multiplexes
// chat messages, inbox responses, and worker results, and never returns on
// its own: the loop runs until the workflow is cancelled, checkpointing on
// every heartbeat expiry.
func (o *Orchestrator) mainThreadWorkflow(wctx engine.WorkflowContext, input *api.RunInput) (*api.RunOutput, error) {
	ctx := wctx.Context()

	var thread *api.MainThread
	if err := wctx.ExecuteStep(ctx, stepLoadThread, input.UserID, &thread); err != nil {
		return nil, fmt.Errorf("load main thread: %w", err)
	}
	t := &threadRun{o: o, wctx: wctx, thread: thread}

	events := wctx.ThreadEvents()
	for {
		ev, ok, err := events.ReceiveWithTimeout(ctx, MainThreadHeartbeat)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Heartbeat: persist liveness so operators can spot stuck threads.
			if err := t.saveThread(); err != nil {
				o.logger.Warn(ctx, "heartbeat save", "thread_id", t.thread.ID, "err", err)
			}
			continue
		}
		switch {
		case ev.UserMessage != nil:
			err = t.handleUserMessage(*ev.UserMessage)
		case ev.QueueResponse != nil:
			err = t.handleQueueResponse(*ev.QueueResponse)
		case ev.WorkerResult != nil:
			err = t.handleWorkerResult(*ev.WorkerResult)
		}
		if err != nil {
			// Event handling failures must not kill the per-user loop; the
			// event is logged and dropped.
			o.logger.Error(ctx, "thread event failed", "thread_id", t.thread.ID, "err", err)
		}
	}
}

// handleUserMessage routes a chat message: to an existing task when the
// message clearly talks about one, to a new worker task when it asks for
// work, and to a plain notification otherwise.
func (t *threadRun) handleUserMessage(msg api.UserMessage) error {
	ctx := t.wctx.Context()

	if !msg.SkipRouting {
		var active []*api.WorkerTask
		if err := t.wctx.ExecuteStep(ctx, stepListActiveTasks, t.thread.ID, &active); err != nil {
			return fmt.Errorf("list active tasks: %w", err)
		}
		matches := FindMatchingTasks(msg.Message, active, routingConfidenceLow)
		switch {
		case len(matches) == 1 && matches[0].Confidence >= routingConfidenceHigh:
			return t.suggestRouting(msg, matches[:1])
		case len(matches) > 1:
			return t.suggestRouting(msg, matches)
		}
	}

	if !NeedsWorker(msg.Message) {
		return t.createItem(&api.QueueItem{
			ItemType: api.QueueItemNotification,
			Title:    "Message received",
			Content:  "This message does not look like a code task. Ask for something to build, fix, or change to start one.",
			Context:  map[string]any{"message": msg.Message},
		})
	}
	return t.startTask(msg.Message)
}

// startTask creates a worker task for the message and launches its workflow.
func (t *threadRun) startTask(message string) error {
	ctx := t.wctx.Context()

	draft := &api.WorkerTask{
		MainThreadID: t.thread.ID,
		UserID:       t.thread.UserID,
		TaskType:     inferTaskType(message),
		Description:  message,
		Prompt:       message,
		BaseBranch:   "main",
		SkipPlan:     ShouldSkipPlan(message),
		Keywords:     ExtractKeywords(message),
	}
	var task *api.WorkerTask
	if err := t.wctx.ExecuteStep(ctx, stepCreateWorkerTask, draft, &task); err != nil {
		return fmt.Errorf("create worker task: %w", err)
	}
	if err := t.wctx.ExecuteStep(ctx, stepStartWorker, task.ID, nil); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	t.thread.ActiveTaskIDs = append(t.thread.ActiveTaskIDs, task.ID)
	if err := t.saveThread(); err != nil {
		return err
	}
	return t.createItem(&api.QueueItem{
		TaskID:   task.ID,
		ItemType: api.QueueItemNotification,
		Title:    "Task started",
		Content:  fmt.Sprintf("Started a %s task: %s", task.TaskType, firstLine(task.Description)),
	})
}

// suggestRouting asks the user whether the message belongs to an existing
// task instead of acting on a guess.
func (t *threadRun) suggestRouting(msg api.UserMessage, matches []RouteMatch) error {
	options := make([]string, 0, len(matches)+1)
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		options = append(options, m.Task.ID)
		lines = append(lines, fmt.Sprintf("- %s (%.0f%%): %s", firstLine(m.Task.Description), m.Confidence*100, strings.Join(m.Reasons, "; ")))
	}
	options = append(options, "new")
	return t.createItem(&api.QueueItem{
		TaskID:   matches[0].Task.ID,
		ItemType: api.QueueItemRoutingSuggestion,
		Priority: api.PriorityHigh,
		Title:    "Is this about an existing task?",
		Content:  fmt.Sprintf("Your message %q may belong to:\n%s\nRespond with a task ID to route it, or \"new\" to start a new task.", firstLine(msg.Message), strings.Join(lines, "\n")),
		Options:  options,
		Context:  map[string]any{"message": msg.Message},
	})
}

// handleQueueResponse acts on an inbox response. Task-directed decisions are
// forwarded to the owning worker workflow as topic signals.
func (t *threadRun) handleQueueResponse(resp api.QueueResponse) error {
	switch resp.ItemType {
	case api.QueueItemRoutingSuggestion:
		return t.resolveRouting(resp)
	case api.QueueItemQuestion:
		return t.forwardAnswers(resp)
	case api.QueueItemApproval, api.QueueItemPlanReady:
		return t.forwardPlanDecision(resp)
	default:
		// Reads and acknowledgements need no workflow action.
		return nil
	}
}

// resolveRouting either re-dispatches the original message as a new task or
// forwards it to the chosen task.
func (t *threadRun) resolveRouting(resp api.QueueResponse) error {
	message, _ := resp.Context["message"].(string)
	choice := strings.TrimSpace(resp.Response)
	if choice == "" || strings.EqualFold(choice, "new") {
		return t.handleUserMessage(api.UserMessage{Message: message, SkipRouting: true})
	}
	return t.forwardToTask(choice, message)
}

// forwardToTask delivers a free-text message to a task based on where its
// workflow is waiting.
func (t *threadRun) forwardToTask(taskID, message string) error {
	ctx := t.wctx.Context()
	var task *api.WorkerTask
	if err := t.wctx.ExecuteStep(ctx, stepLoadTask, taskID, &task); err != nil {
		return fmt.Errorf("load routed task: %w", err)
	}
	switch task.Status {
	case api.TaskStatusWaitingPlanReview:
		return t.wctx.SignalExternal(ctx, taskID, api.TopicPlanResponse, api.PlanResponse{Action: api.ActionRevise, Text: message})
	case api.TaskStatusReadyToImplement:
		if isAffirmative(message) {
			return t.wctx.SignalExternal(ctx, taskID, api.TopicStartImplementation, api.StartImplementation{Action: api.ActionStart})
		}
	}
	// Nothing is waiting on free text; leave a note on the tracking issue so
	// the context is not lost.
	if task.IssueNumber > 0 {
		in := postCommentInput{TaskID: taskID, Body: "Note from user:\n\n> " + message}
		if err := t.wctx.ExecuteStep(ctx, stepPostIssueComment, in, nil); err != nil {
			return fmt.Errorf("post routed note: %w", err)
		}
	}
	return t.createItem(&api.QueueItem{
		TaskID:   taskID,
		ItemType: api.QueueItemNotification,
		Title:    "Message attached to task",
		Content:  fmt.Sprintf("The task is currently %s; your message was recorded on its issue.", task.Status),
	})
}

// forwardAnswers relays inbox answers to the worker's question topic. The
// questions stored on the item map answer indexes back to question IDs.
func (t *threadRun) forwardAnswers(resp api.QueueResponse) error {
	questions := questionsFromContext(resp.Context)
	answers := make(map[string]string)
	for idx, text := range ParseAnswerBlocks(resp.Response) {
		if idx <= len(questions) {
			answers[questions[idx-1].ID] = text
		}
	}
	if len(answers) == 0 && len(questions) == 1 {
		answers[questions[0].ID] = strings.TrimSpace(resp.Response)
	}
	if len(answers) == 0 {
		return fmt.Errorf("response to %s carries no recognizable answers", resp.QueueItemID)
	}
	return t.wctx.SignalExternal(t.wctx.Context(), resp.TaskID, api.TopicQuestionResponse, api.QuestionResponse{
		Action:  api.ActionAnswer,
		Answers: answers,
	})
}

// forwardPlanDecision relays a plan review response to the worker.
func (t *threadRun) forwardPlanDecision(resp api.QueueResponse) error {
	text := strings.TrimSpace(resp.Response)
	decision := api.PlanResponse{Action: api.ActionRevise, Text: text}
	switch {
	case strings.EqualFold(text, "approve") || strings.EqualFold(text, "lgtm"):
		decision = api.PlanResponse{Action: api.ActionApprove}
	case strings.EqualFold(text, "start") || strings.EqualFold(text, "implement"):
		decision = api.PlanResponse{Action: api.ActionStart}
	}
	return t.wctx.SignalExternal(t.wctx.Context(), resp.TaskID, api.TopicPlanResponse, decision)
}

// handleWorkerResult materializes a worker outcome as an inbox item and
// maintains the thread's active task set.
func (t *threadRun) handleWorkerResult(res api.WorkerResult) error {
	switch res.Status {
	case api.WorkerStatusPlanReady, api.WorkerStatusPlanUpdated:
		title := "Plan ready for review"
		if res.Status == api.WorkerStatusPlanUpdated {
			title = "Revised plan ready for review"
		}
		plan, _ := res.Result["plan"].(string)
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemPlanReady,
			Priority: api.PriorityHigh,
			Title:    title,
			Content:  plan,
			Options:  []string{"approve", "start", "revise"},
			Context:  res.Result,
		})
	case api.WorkerStatusNeedsInput:
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemQuestion,
			Priority: api.PriorityUrgent,
			Title:    "The task needs your input",
			Content:  "Answer the clarifying questions so planning can continue.",
			Context:  res.Result,
		})
	case api.WorkerStatusCodeReady:
		prURL, _ := res.Result["pr_url"].(string)
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemCodeReady,
			Priority: api.PriorityHigh,
			Title:    "Pull request opened",
			Content:  prURL,
			Context:  res.Result,
		})
	case api.WorkerStatusFeedbackAddressed:
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemFeedbackAddressed,
			Title:    "Review feedback addressed",
			Content:  "The requested changes were pushed; the pull request is ready for another look.",
			Context:  res.Result,
		})
	case api.WorkerStatusCompleted:
		if err := t.retireTask(res.TaskID); err != nil {
			return err
		}
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemNotification,
			Title:    "Task completed",
			Content:  "The pull request was merged.",
			Context:  res.Result,
		})
	case api.WorkerStatusCancelled:
		if err := t.retireTask(res.TaskID); err != nil {
			return err
		}
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemNotification,
			Title:    "Task cancelled",
			Content:  "The task was cancelled.",
		})
	case api.WorkerStatusFailed:
		if err := t.retireTask(res.TaskID); err != nil {
			return err
		}
		return t.createItem(&api.QueueItem{
			TaskID:   res.TaskID,
			ItemType: api.QueueItemError,
			Priority: api.PriorityUrgent,
			Title:    "Task failed",
			Content:  res.Error,
		})
	default:
		return fmt.Errorf("unknown worker result status %q", res.Status)
	}
}

// retireTask drops a finished task from the thread's active set.
func (t *threadRun) retireTask(taskID string) error {
	kept := t.thread.ActiveTaskIDs[:0]
	for _, id := range t.thread.ActiveTaskIDs {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	t.thread.ActiveTaskIDs = kept
	return t.saveThread()
}

func (t *threadRun) createItem(item *api.QueueItem) error {
	item.MainThreadID = t.thread.ID
	item.UserID = t.thread.UserID
	var created *api.QueueItem
	if err := t.wctx.ExecuteStep(t.wctx.Context(), stepCreateQueueItem, item, &created); err != nil {
		return fmt.Errorf("create queue item: %w", err)
	}
	return nil
}

func (t *threadRun) saveThread() error {
	var updated *api.MainThread
	if err := t.wctx.ExecuteStep(t.wctx.Context(), stepSaveThread, t.thread, &updated); err != nil {
		return fmt.Errorf("save main thread: %w", err)
	}
	t.thread = updated
	return nil
}

// inferTaskType classifies a message into a task type by its dominant verb.
func inferTaskType(message string) api.TaskType {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "fix") || strings.Contains(lower, "bug") || strings.Contains(lower, "broken"):
		return api.TaskTypeBugfix
	case strings.Contains(lower, "refactor") || strings.Contains(lower, "clean up"):
		return api.TaskTypeRefactor
	case strings.Contains(lower, "document") || strings.Contains(lower, "readme") || strings.Contains(lower, "docs"):
		return api.TaskTypeDocs
	case strings.Contains(lower, "test"):
		return api.TaskTypeTest
	default:
		return api.TaskTypeFeature
	}
}

func isAffirmative(message string) bool {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "yes", "y", "go", "go ahead", "start", "implement", "do it", "ship it":
		return true
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return line
}

// questionsFromContext decodes the questions a needs_input result stored on
// the inbox item. The map went through a JSON round trip, so decode through
// JSON rather than type asserting.
func questionsFromContext(ctx map[string]any) []api.TaskQuestion {
	raw, ok := ctx["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var questions []api.TaskQuestion
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil
	}
	return questions
}
