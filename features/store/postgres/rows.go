package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// Row types mirror the table schemas. JSONB columns travel as raw bytes and
// are (de)serialized at the row boundary so the domain types stay free of
// driver concerns.

type threadRow struct {
	ID             string          `db:"id"`
	UserID         string          `db:"user_id"`
	WorkflowRunID  string          `db:"workflow_run_id"`
	Status         string          `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	LastActivityAt time.Time       `db:"last_activity_at"`
	ActiveTaskIDs  json.RawMessage `db:"active_task_ids"`
	Context        json.RawMessage `db:"context"`
}

func threadToRow(t *api.MainThread) (*threadRow, error) {
	taskIDs, err := marshalJSONB(t.ActiveTaskIDs, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode active_task_ids: %w", err)
	}
	ctx, err := marshalJSONB(t.Context, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return &threadRow{
		ID:             t.ID,
		UserID:         t.UserID,
		WorkflowRunID:  t.WorkflowRunID,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
		ActiveTaskIDs:  taskIDs,
		Context:        ctx,
	}, nil
}

func (r *threadRow) toThread() (*api.MainThread, error) {
	t := &api.MainThread{
		ID:             r.ID,
		UserID:         r.UserID,
		WorkflowRunID:  r.WorkflowRunID,
		Status:         api.ThreadStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
	if err := unmarshalJSONB(r.ActiveTaskIDs, &t.ActiveTaskIDs); err != nil {
		return nil, fmt.Errorf("decode active_task_ids: %w", err)
	}
	if err := unmarshalJSONB(r.Context, &t.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return t, nil
}

type taskRow struct {
	ID                string          `db:"id"`
	MainThreadID      string          `db:"main_thread_id"`
	UserID            string          `db:"user_id"`
	RepoURL           string          `db:"repo_url"`
	BaseBranch        string          `db:"base_branch"`
	BranchName        string          `db:"branch_name"`
	Description       string          `db:"description"`
	Prompt            string          `db:"prompt"`
	TaskType          string          `db:"task_type"`
	SkipPlan          bool            `db:"skip_plan"`
	Status            string          `db:"status"`
	IssueNumber       int             `db:"issue_number"`
	IssueURL          string          `db:"issue_url"`
	IssueETag         string          `db:"issue_etag"`
	IssueLastModified string          `db:"issue_last_modified"`
	PRNumber          int             `db:"pr_number"`
	PRURL             string          `db:"pr_url"`
	PRETag            string          `db:"pr_etag"`
	PlanText          string          `db:"plan_text"`
	PendingQuestions  json.RawMessage `db:"pending_questions"`
	Requirements      json.RawMessage `db:"requirements"`
	Keywords          json.RawMessage `db:"keywords"`
	Result            json.RawMessage `db:"result"`
	Error             string          `db:"error"`
	CreatedAt         time.Time       `db:"created_at"`
	StartedAt         *time.Time      `db:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
}

func taskToRow(t *api.WorkerTask) (*taskRow, error) {
	questions, err := marshalJSONB(t.PendingQuestions, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode pending_questions: %w", err)
	}
	requirements, err := marshalJSONB(t.Requirements, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode requirements: %w", err)
	}
	keywords, err := marshalJSONB(t.Keywords, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode keywords: %w", err)
	}
	var result json.RawMessage
	if t.Result != nil {
		result, err = json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}
	return &taskRow{
		ID:                t.ID,
		MainThreadID:      t.MainThreadID,
		UserID:            t.UserID,
		RepoURL:           t.RepoURL,
		BaseBranch:        t.BaseBranch,
		BranchName:        t.BranchName,
		Description:       t.Description,
		Prompt:            t.Prompt,
		TaskType:          string(t.TaskType),
		SkipPlan:          t.SkipPlan,
		Status:            string(t.Status),
		IssueNumber:       t.IssueNumber,
		IssueURL:          t.IssueURL,
		IssueETag:         t.IssueETag,
		IssueLastModified: t.IssueLastModified,
		PRNumber:          t.PRNumber,
		PRURL:             t.PRURL,
		PRETag:            t.PRETag,
		PlanText:          t.PlanText,
		PendingQuestions:  questions,
		Requirements:      requirements,
		Keywords:          keywords,
		Result:            result,
		Error:             t.Error,
		CreatedAt:         t.CreatedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
	}, nil
}

func (r *taskRow) toTask() (*api.WorkerTask, error) {
	t := &api.WorkerTask{
		ID:                r.ID,
		MainThreadID:      r.MainThreadID,
		UserID:            r.UserID,
		RepoURL:           r.RepoURL,
		BaseBranch:        r.BaseBranch,
		BranchName:        r.BranchName,
		Description:       r.Description,
		Prompt:            r.Prompt,
		TaskType:          api.TaskType(r.TaskType),
		SkipPlan:          r.SkipPlan,
		Status:            api.TaskStatus(r.Status),
		IssueNumber:       r.IssueNumber,
		IssueURL:          r.IssueURL,
		IssueETag:         r.IssueETag,
		IssueLastModified: r.IssueLastModified,
		PRNumber:          r.PRNumber,
		PRURL:             r.PRURL,
		PRETag:            r.PRETag,
		PlanText:          r.PlanText,
		Error:             r.Error,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
	if err := unmarshalJSONB(r.PendingQuestions, &t.PendingQuestions); err != nil {
		return nil, fmt.Errorf("decode pending_questions: %w", err)
	}
	if err := unmarshalJSONB(r.Requirements, &t.Requirements); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	if err := unmarshalJSONB(r.Keywords, &t.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := unmarshalJSONB(r.Result, &t.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return t, nil
}

type itemRow struct {
	ID           string          `db:"id"`
	MainThreadID string          `db:"main_thread_id"`
	TaskID       string          `db:"task_id"`
	UserID       string          `db:"user_id"`
	ItemType     string          `db:"item_type"`
	Priority     string          `db:"priority"`
	Title        string          `db:"title"`
	Content      string          `db:"content"`
	Context      json.RawMessage `db:"context"`
	Options      json.RawMessage `db:"options"`
	Status       string          `db:"status"`
	Response     string          `db:"response"`
	RespondedAt  *time.Time      `db:"responded_at"`
	ReadAt       *time.Time      `db:"read_at"`
	CreatedAt    time.Time       `db:"created_at"`
	ExpiresAt    *time.Time      `db:"expires_at"`
}

func itemToRow(it *api.QueueItem) (*itemRow, error) {
	options, err := marshalJSONB(it.Options, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	var ctx json.RawMessage
	if it.Context != nil {
		ctx, err = json.Marshal(it.Context)
		if err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
	}
	return &itemRow{
		ID:           it.ID,
		MainThreadID: it.MainThreadID,
		TaskID:       it.TaskID,
		UserID:       it.UserID,
		ItemType:     string(it.ItemType),
		Priority:     string(it.Priority),
		Title:        it.Title,
		Content:      it.Content,
		Context:      ctx,
		Options:      options,
		Status:       string(it.Status),
		Response:     it.Response,
		RespondedAt:  it.RespondedAt,
		ReadAt:       it.ReadAt,
		CreatedAt:    it.CreatedAt,
		ExpiresAt:    it.ExpiresAt,
	}, nil
}

func (r *itemRow) toItem() (*api.QueueItem, error) {
	it := &api.QueueItem{
		ID:           r.ID,
		MainThreadID: r.MainThreadID,
		TaskID:       r.TaskID,
		UserID:       r.UserID,
		ItemType:     api.QueueItemType(r.ItemType),
		Priority:     api.QueueItemPriority(r.Priority),
		Title:        r.Title,
		Content:      r.Content,
		Status:       api.QueueItemStatus(r.Status),
		Response:     r.Response,
		RespondedAt:  r.RespondedAt,
		ReadAt:       r.ReadAt,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
	}
	if err := unmarshalJSONB(r.Context, &it.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := unmarshalJSONB(r.Options, &it.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return it, nil
}

// marshalJSONB encodes v, substituting empty for nil so NOT NULL JSONB
// columns always receive a value.
func marshalJSONB(v any, empty string) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(empty), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return json.RawMessage(empty), nil
	}
	return data, nil
}

func unmarshalJSONB(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
