// Package postgres implements store.Store on PostgreSQL using sqlx over the
// pgx stdlib driver. Schema migrations are embedded and applied with goose.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/api"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateMainThread(ctx context.Context, thread *api.MainThread) error {
	row, err := threadToRow(thread)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO main_threads (id, user_id, workflow_run_id, status, created_at, last_activity_at, active_task_ids, context)
		VALUES (:id, :user_id, :workflow_run_id, :status, :created_at, :last_activity_at, :active_task_ids, :context)`, row)
	return mapWriteErr(err)
}

func (s *Store) GetMainThread(ctx context.Context, id string) (*api.MainThread, error) {
	var row threadRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM main_threads WHERE id = $1`, id); err != nil {
		return nil, mapReadErr(err)
	}
	return row.toThread()
}

func (s *Store) GetMainThreadByUser(ctx context.Context, userID string) (*api.MainThread, error) {
	var row threadRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM main_threads WHERE user_id = $1`, userID); err != nil {
		return nil, mapReadErr(err)
	}
	return row.toThread()
}

func (s *Store) UpdateMainThread(ctx context.Context, thread *api.MainThread) error {
	row, err := threadToRow(thread)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE main_threads SET
			workflow_run_id = :workflow_run_id,
			status = :status,
			last_activity_at = :last_activity_at,
			active_task_ids = :active_task_ids,
			context = :context
		WHERE id = :id`, row)
	if err != nil {
		return mapWriteErr(err)
	}
	return requireRow(res)
}

func (s *Store) CreateTask(ctx context.Context, task *api.WorkerTask) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO worker_tasks (
			id, main_thread_id, user_id, repo_url, base_branch, branch_name,
			description, prompt, task_type, skip_plan, status,
			issue_number, issue_url, issue_etag, issue_last_modified,
			pr_number, pr_url, pr_etag,
			plan_text, pending_questions, requirements, keywords,
			result, error, created_at, started_at, completed_at
		) VALUES (
			:id, :main_thread_id, :user_id, :repo_url, :base_branch, :branch_name,
			:description, :prompt, :task_type, :skip_plan, :status,
			:issue_number, :issue_url, :issue_etag, :issue_last_modified,
			:pr_number, :pr_url, :pr_etag,
			:plan_text, :pending_questions, :requirements, :keywords,
			:result, :error, :created_at, :started_at, :completed_at
		)`, row)
	return mapWriteErr(err)
}

func (s *Store) GetTask(ctx context.Context, id string) (*api.WorkerTask, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM worker_tasks WHERE id = $1`, id); err != nil {
		return nil, mapReadErr(err)
	}
	return row.toTask()
}

func (s *Store) ListTasksByUser(ctx context.Context, userID string) ([]*api.WorkerTask, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM worker_tasks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

func (s *Store) ListActiveTasksByThread(ctx context.Context, threadID string) ([]*api.WorkerTask, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM worker_tasks
		WHERE main_thread_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC`, threadID)
	if err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

func (s *Store) UpdateTask(ctx context.Context, task *api.WorkerTask) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE worker_tasks SET
			repo_url = :repo_url,
			base_branch = :base_branch,
			branch_name = :branch_name,
			description = :description,
			prompt = :prompt,
			task_type = :task_type,
			skip_plan = :skip_plan,
			status = :status,
			issue_number = :issue_number,
			issue_url = :issue_url,
			issue_etag = :issue_etag,
			issue_last_modified = :issue_last_modified,
			pr_number = :pr_number,
			pr_url = :pr_url,
			pr_etag = :pr_etag,
			plan_text = :plan_text,
			pending_questions = :pending_questions,
			requirements = :requirements,
			keywords = :keywords,
			result = :result,
			error = :error,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id`, row)
	if err != nil {
		return mapWriteErr(err)
	}
	return requireRow(res)
}

func (s *Store) CreateQueueItem(ctx context.Context, item *api.QueueItem) error {
	row, err := itemToRow(item)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO queue_items (
			id, main_thread_id, task_id, user_id, item_type, priority,
			title, content, context, options, status, response,
			responded_at, read_at, created_at, expires_at
		) VALUES (
			:id, :main_thread_id, :task_id, :user_id, :item_type, :priority,
			:title, :content, :context, :options, :status, :response,
			:responded_at, :read_at, :created_at, :expires_at
		)`, row)
	return mapWriteErr(err)
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*api.QueueItem, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM queue_items WHERE id = $1`, id); err != nil {
		return nil, mapReadErr(err)
	}
	return row.toItem()
}

func (s *Store) ListPendingQueueItems(ctx context.Context, userID string) ([]*api.QueueItem, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM queue_items
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*api.QueueItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) UpdateQueueItem(ctx context.Context, item *api.QueueItem) error {
	row, err := itemToRow(item)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE queue_items SET
			status = :status,
			response = :response,
			responded_at = :responded_at,
			read_at = :read_at,
			expires_at = :expires_at
		WHERE id = :id`, row)
	if err != nil {
		return mapWriteErr(err)
	}
	return requireRow(res)
}

func (s *Store) RecentRepoURLs(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	var urls []string
	err := s.db.SelectContext(ctx, &urls, `
		SELECT repo_url FROM (
			SELECT DISTINCT ON (repo_url) repo_url, created_at
			FROM worker_tasks
			WHERE user_id = $1 AND repo_url <> ''
			ORDER BY repo_url, created_at DESC
		) t
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	return urls, err
}

func rowsToTasks(rows []taskRow) ([]*api.WorkerTask, error) {
	out := make([]*api.WorkerTask, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func mapReadErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConflict
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
