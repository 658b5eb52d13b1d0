// Package api defines the shared domain model and message envelopes exchanged
// between the orchestrator workflows, the storage layer, and the HTTP facade.
// All types are JSON-serializable: they cross the durability boundary (workflow
// inputs, step arguments, signal payloads) and must survive replay unchanged.
package api

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a worker task. Terminal states
// (completed, failed, cancelled) are never re-entered; only the worker
// workflow that owns the task writes status transitions.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is created but its workflow has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPlanning indicates a plan job is running or about to run.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusWaitingQuestions indicates the plan job raised questions awaiting answers.
	TaskStatusWaitingQuestions TaskStatus = "waiting_questions"
	// TaskStatusWaitingPlanReview indicates a plan is posted and awaits approval.
	TaskStatusWaitingPlanReview TaskStatus = "waiting_plan_review"
	// TaskStatusReadyToImplement indicates the plan is approved and the task
	// awaits the explicit start-implementation gate.
	TaskStatusReadyToImplement TaskStatus = "ready_to_implement"
	// TaskStatusImplementing indicates an implement, fix, or feedback job is running.
	TaskStatusImplementing TaskStatus = "implementing"
	// TaskStatusUnderReview indicates a PR is open and polled for review activity.
	TaskStatusUnderReview TaskStatus = "under_review"
	// TaskStatusCompleted indicates the PR was merged. Terminal.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates an unrecoverable error. Terminal.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates user or forge-side cancellation. Terminal.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is one of the terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskType categorizes worker tasks and selects the branch prefix.
type TaskType string

const (
	TaskTypeFeature  TaskType = "feature"
	TaskTypeBugfix   TaskType = "bugfix"
	TaskTypeRefactor TaskType = "refactor"
	TaskTypeDocs     TaskType = "docs"
	TaskTypeTest     TaskType = "test"
	TaskTypeChore    TaskType = "chore"
)

// ThreadStatus is the lifecycle state of a main thread.
type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusPaused ThreadStatus = "paused"
	ThreadStatusError  ThreadStatus = "error"
)

// MainThread is the per-user conversation root. One record per user; the
// record is bound to its long-lived workflow through WorkflowRunID and is
// never destroyed.
type MainThread struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	WorkflowRunID  string         `json:"workflow_run_id,omitempty" db:"workflow_run_id"`
	Status         ThreadStatus   `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at" db:"last_activity_at"`
	ActiveTaskIDs  []string       `json:"active_task_ids" db:"active_task_ids"`
	Context        map[string]any `json:"context" db:"context"`
}

// NewMainThread builds an active thread for the given user.
func NewMainThread(userID string) *MainThread {
	now := time.Now().UTC()
	return &MainThread{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         ThreadStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Context:        map[string]any{},
	}
}

// TaskQuestionOption is a predefined answer for a task question.
type TaskQuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// TaskQuestion is a single clarifying question raised by a plan job.
type TaskQuestion struct {
	ID          string               `json:"id"`
	Header      string               `json:"header,omitempty"`
	Question    string               `json:"question"`
	Options     []TaskQuestionOption `json:"options,omitempty"`
	MultiSelect bool                 `json:"multi_select,omitempty"`
	Response    string               `json:"response,omitempty"`
}

// WorkerTask is one unit of agent work. Created by the main thread (or the
// planning collaborator), mutated exclusively by the worker workflow whose
// identifier equals the task ID.
type WorkerTask struct {
	ID           string   `json:"id" db:"id"`
	MainThreadID string   `json:"main_thread_id" db:"main_thread_id"`
	UserID       string   `json:"user_id" db:"user_id"`
	RepoURL      string   `json:"repo_url,omitempty" db:"repo_url"`
	BaseBranch   string   `json:"base_branch" db:"base_branch"`
	BranchName   string   `json:"branch_name,omitempty" db:"branch_name"`
	Description  string   `json:"description" db:"description"`
	Prompt       string   `json:"prompt" db:"prompt"`
	TaskType     TaskType `json:"task_type" db:"task_type"`
	SkipPlan     bool     `json:"skip_plan" db:"skip_plan"`

	Status TaskStatus `json:"status" db:"status"`

	IssueNumber       int    `json:"issue_number,omitempty" db:"issue_number"`
	IssueURL          string `json:"issue_url,omitempty" db:"issue_url"`
	IssueETag         string `json:"issue_etag,omitempty" db:"issue_etag"`
	IssueLastModified string `json:"issue_last_modified,omitempty" db:"issue_last_modified"`
	PRNumber          int    `json:"pr_number,omitempty" db:"pr_number"`
	PRURL             string `json:"pr_url,omitempty" db:"pr_url"`
	PRETag            string `json:"pr_etag,omitempty" db:"pr_etag"`

	PlanText         string         `json:"plan_text,omitempty" db:"plan_text"`
	PendingQuestions []TaskQuestion `json:"pending_questions,omitempty" db:"pending_questions"`
	Requirements     map[string]string `json:"requirements,omitempty" db:"requirements"`
	Keywords         []string       `json:"keywords,omitempty" db:"keywords"`

	Result map[string]any `json:"result,omitempty" db:"result"`
	Error  string         `json:"error,omitempty" db:"error"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// NewWorkerTask builds a pending task owned by the given thread.
func NewWorkerTask(threadID, userID string, taskType TaskType, description string) *WorkerTask {
	return &WorkerTask{
		ID:           uuid.NewString(),
		MainThreadID: threadID,
		UserID:       userID,
		TaskType:     taskType,
		Description:  description,
		Prompt:       description,
		BaseBranch:   "main",
		Status:       TaskStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
}

// QueueItemType classifies inbox entries.
type QueueItemType string

const (
	QueueItemQuestion          QueueItemType = "question"
	QueueItemApproval          QueueItemType = "approval"
	QueueItemReview            QueueItemType = "review"
	QueueItemError             QueueItemType = "error"
	QueueItemNotification      QueueItemType = "notification"
	QueueItemPlanReady         QueueItemType = "plan_ready"
	QueueItemCodeReady         QueueItemType = "code_ready"
	QueueItemFeedbackAddressed QueueItemType = "feedback_addressed"
	QueueItemRoutingSuggestion QueueItemType = "routing_suggestion"
)

// QueueItemPriority orders inbox entries for presentation.
type QueueItemPriority string

const (
	PriorityUrgent QueueItemPriority = "urgent"
	PriorityHigh   QueueItemPriority = "high"
	PriorityNormal QueueItemPriority = "normal"
	PriorityLow    QueueItemPriority = "low"
)

// QueueItemStatus is the response state of an inbox entry.
type QueueItemStatus string

const (
	QueueItemPending   QueueItemStatus = "pending"
	QueueItemResponded QueueItemStatus = "responded"
	QueueItemExpired   QueueItemStatus = "expired"
	QueueItemCancelled QueueItemStatus = "cancelled"
)

// QueueItem is an entry in the user's inbox. Only the main-thread workflow
// creates items; only the API boundary (acting on user action) flips them to
// responded or marks them read.
type QueueItem struct {
	ID           string            `json:"id" db:"id"`
	MainThreadID string            `json:"main_thread_id" db:"main_thread_id"`
	TaskID       string            `json:"task_id,omitempty" db:"task_id"`
	UserID       string            `json:"user_id" db:"user_id"`
	ItemType     QueueItemType     `json:"item_type" db:"item_type"`
	Priority     QueueItemPriority `json:"priority" db:"priority"`
	Title        string            `json:"title" db:"title"`
	Content      string            `json:"content" db:"content"`
	Context      map[string]any    `json:"context,omitempty" db:"context"`
	Options      []string          `json:"options,omitempty" db:"options"`
	Status       QueueItemStatus   `json:"status" db:"status"`
	Response     string            `json:"response,omitempty" db:"response"`
	RespondedAt  *time.Time        `json:"responded_at,omitempty" db:"responded_at"`
	ReadAt       *time.Time        `json:"read_at,omitempty" db:"read_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
}

// NewQueueItem builds a pending inbox entry for the given thread.
func NewQueueItem(thread *MainThread, itemType QueueItemType, title, content string) *QueueItem {
	return &QueueItem{
		ID:           uuid.NewString(),
		MainThreadID: thread.ID,
		UserID:       thread.UserID,
		ItemType:     itemType,
		Priority:     PriorityNormal,
		Title:        title,
		Content:      content,
		Status:       QueueItemPending,
		CreatedAt:    time.Now().UTC(),
	}
}
