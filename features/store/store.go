// Package store defines persistence for the orchestrator's domain records:
// main threads, worker tasks, and inbox queue items. The durability engine
// owns workflow history; this store holds the queryable application state the
// HTTP facade reads and the workflows mutate through steps.
package store

import (
	"context"
	"errors"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness violation, such as a second main thread
// for the same user.
var ErrConflict = errors.New("record conflict")

// Store persists orchestrator state. Implementations must be safe for
// concurrent use; writes are last-writer-wins at the record level because
// each record class has a single writer role (worker workflow for tasks,
// main-thread workflow for items, API for response fields).
type Store interface {
	// CreateMainThread inserts a new thread. Returns ErrConflict if the user
	// already has one.
	CreateMainThread(ctx context.Context, thread *api.MainThread) error

	// GetMainThread loads a thread by ID.
	GetMainThread(ctx context.Context, id string) (*api.MainThread, error)

	// GetMainThreadByUser loads the user's thread, or ErrNotFound.
	GetMainThreadByUser(ctx context.Context, userID string) (*api.MainThread, error)

	// UpdateMainThread persists thread mutations.
	UpdateMainThread(ctx context.Context, thread *api.MainThread) error

	// CreateTask inserts a new worker task.
	CreateTask(ctx context.Context, task *api.WorkerTask) error

	// GetTask loads a task by ID.
	GetTask(ctx context.Context, id string) (*api.WorkerTask, error)

	// ListTasksByUser returns the user's tasks, newest first.
	ListTasksByUser(ctx context.Context, userID string) ([]*api.WorkerTask, error)

	// ListActiveTasksByThread returns the thread's non-terminal tasks.
	ListActiveTasksByThread(ctx context.Context, threadID string) ([]*api.WorkerTask, error)

	// UpdateTask persists task mutations.
	UpdateTask(ctx context.Context, task *api.WorkerTask) error

	// CreateQueueItem inserts a new inbox entry.
	CreateQueueItem(ctx context.Context, item *api.QueueItem) error

	// GetQueueItem loads an inbox entry by ID.
	GetQueueItem(ctx context.Context, id string) (*api.QueueItem, error)

	// ListPendingQueueItems returns the user's pending entries, newest first.
	ListPendingQueueItems(ctx context.Context, userID string) ([]*api.QueueItem, error)

	// UpdateQueueItem persists inbox entry mutations.
	UpdateQueueItem(ctx context.Context, item *api.QueueItem) error

	// RecentRepoURLs returns distinct repository URLs from the user's most
	// recent tasks, newest first, capped at limit. Used as routing context.
	RecentRepoURLs(ctx context.Context, userID string, limit int) ([]string, error)
}
