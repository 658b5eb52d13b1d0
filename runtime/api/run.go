package api

// Workflow and queue names registered with the durability engine.
const (
	// WorkflowWorkerTask drives the per-task state machine. Its workflow ID
	// is the WorkerTask ID, so targeted signals address the task directly.
	WorkflowWorkerTask = "WorkerTaskWorkflow"
	// WorkflowMainThread is the long-lived per-user event loop. Its workflow
	// ID is derived from the user ID, enforcing one running instance per user.
	WorkflowMainThread = "MainThreadWorkflow"

	// QueueWorkerTasks throttles concurrent worker workflows globally.
	QueueWorkerTasks = "worker_tasks"
	// QueueMainThreads hosts main-thread workflows, one per user.
	QueueMainThreads = "main_threads"
)

// MainThreadWorkflowID derives the durable workflow identifier for a user's
// main thread. Deriving the ID from the user ID is what guarantees at most
// one running main-thread workflow per user.
func MainThreadWorkflowID(userID string) string {
	return "main-thread-" + userID
}

// RunInput is the input envelope for both workflow shapes. Exactly one of
// TaskID (worker) or UserID (main thread) is set.
type RunInput struct {
	TaskID string `json:"task_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// RunOutput is the terminal result of a worker workflow run. Main-thread
// workflows never return.
type RunOutput struct {
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// JobMode selects the executor-job behavior inside the sandbox.
type JobMode string

const (
	JobModePlan      JobMode = "plan"
	JobModeImplement JobMode = "implement"
	JobModeFeedback  JobMode = "feedback"
	JobModeFix       JobMode = "fix"
)
