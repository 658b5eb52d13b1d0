package api

// Topic names. Each topic is a durable signal channel with exactly one
// writer role and one reader role; payloads are the typed structs below
// rather than loose maps so a bad payload fails at the sender.
const (
	// TopicUserMessage carries user chat input to the main-thread workflow.
	TopicUserMessage = "user_message"
	// TopicQueueResponse carries inbox responses to the main-thread workflow.
	TopicQueueResponse = "queue_response"
	// TopicWorkerResult carries worker outcomes to the main-thread workflow.
	TopicWorkerResult = "worker_result"
	// TopicJobResult carries executor-job callbacks to the worker workflow.
	TopicJobResult = "job_result"
	// TopicQuestionResponse carries answers to plan questions to the worker workflow.
	TopicQuestionResponse = "question_response"
	// TopicPlanResponse carries plan review decisions to the worker workflow.
	TopicPlanResponse = "plan_response"
	// TopicStartImplementation carries the implementation gate decision to the worker workflow.
	TopicStartImplementation = "start_implementation"
)

// ResponseAction enumerates the user decisions carried on response topics.
type ResponseAction string

const (
	ActionAnswer  ResponseAction = "answer"
	ActionApprove ResponseAction = "approve"
	ActionRevise  ResponseAction = "revise"
	ActionStart   ResponseAction = "start"
	ActionCancel  ResponseAction = "cancel"
)

// UserMessage is the user_message payload (API → main-thread).
type UserMessage struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	// SkipRouting suppresses routing suggestions for messages that already
	// went through a routing round trip.
	SkipRouting bool `json:"skip_routing,omitempty"`
}

// QueueResponse is the queue_response payload (API → main-thread).
type QueueResponse struct {
	QueueItemID string         `json:"queue_item_id"`
	Response    string         `json:"response"`
	TaskID      string         `json:"task_id,omitempty"`
	ItemType    QueueItemType  `json:"item_type,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// WorkerResultStatus enumerates the worker → main-thread outcome kinds.
type WorkerResultStatus string

const (
	WorkerStatusPlanReady         WorkerResultStatus = "plan_ready"
	WorkerStatusPlanUpdated       WorkerResultStatus = "plan_updated"
	WorkerStatusCodeReady         WorkerResultStatus = "code_ready"
	WorkerStatusFeedbackAddressed WorkerResultStatus = "feedback_addressed"
	WorkerStatusNeedsInput        WorkerResultStatus = "needs_input"
	WorkerStatusCompleted         WorkerResultStatus = "completed"
	WorkerStatusCancelled         WorkerResultStatus = "cancelled"
	WorkerStatusFailed            WorkerResultStatus = "failed"
)

// WorkerResult is the worker_result payload (worker → main-thread).
type WorkerResult struct {
	TaskID string             `json:"task_id"`
	Status WorkerResultStatus `json:"status"`
	Result map[string]any     `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// JobStatus enumerates terminal executor-job outcomes.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobResult is the job_result payload (callback endpoint → worker). The
// executor job POSTs this exactly once per invocation; the API boundary
// relays it as a signal addressed by task ID.
type JobResult struct {
	TaskID string         `json:"task_id"`
	Status JobStatus      `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PlanOutput is the structured result a plan job reports inside
// JobResult.Result.
type PlanOutput struct {
	PlanText  string         `json:"plan_text"`
	Questions []TaskQuestion `json:"questions,omitempty"`
}

// QuestionResponse is the question_response payload (API → worker).
type QuestionResponse struct {
	Action ResponseAction `json:"action"`
	// Answers maps question ID to the user's answer.
	Answers map[string]string `json:"answers,omitempty"`
}

// PlanResponse is the plan_response payload (API → worker).
type PlanResponse struct {
	Action ResponseAction `json:"action"`
	Text   string         `json:"text,omitempty"`
}

// StartImplementation is the start_implementation payload (API → worker).
type StartImplementation struct {
	Action ResponseAction `json:"action"`
}

// ThreadEvent is the tagged union delivered to the main-thread event loop.
// Exactly one field is non-nil.
type ThreadEvent struct {
	UserMessage   *UserMessage   `json:"user_message,omitempty"`
	QueueResponse *QueueResponse `json:"queue_response,omitempty"`
	WorkerResult  *WorkerResult  `json:"worker_result,omitempty"`
}
