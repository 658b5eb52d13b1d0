// Package memory provides an in-memory store.Store for tests and local
// development. Records are deep-copied on the way in and out so callers
// cannot mutate shared state.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/api"
)

// Store implements store.Store with maps guarded by a single mutex.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*api.MainThread
	tasks   map[string]*api.WorkerTask
	items   map[string]*api.QueueItem
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		threads: make(map[string]*api.MainThread),
		tasks:   make(map[string]*api.WorkerTask),
		items:   make(map[string]*api.QueueItem),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateMainThread(_ context.Context, thread *api.MainThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.UserID == thread.UserID {
			return store.ErrConflict
		}
	}
	s.threads[thread.ID] = clone(thread)
	return nil
}

func (s *Store) GetMainThread(_ context.Context, id string) (*api.MainThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) GetMainThreadByUser(_ context.Context, userID string) (*api.MainThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.threads {
		if t.UserID == userID {
			return clone(t), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateMainThread(_ context.Context, thread *api.MainThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; !ok {
		return store.ErrNotFound
	}
	s.threads[thread.ID] = clone(thread)
	return nil
}

func (s *Store) CreateTask(_ context.Context, task *api.WorkerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrConflict
	}
	s.tasks[task.ID] = clone(task)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*api.WorkerTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) ListTasksByUser(_ context.Context, userID string) ([]*api.WorkerTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.WorkerTask
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) ListActiveTasksByThread(_ context.Context, threadID string) ([]*api.WorkerTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.WorkerTask
	for _, t := range s.tasks {
		if t.MainThreadID == threadID && !t.Status.Terminal() {
			out = append(out, clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) UpdateTask(_ context.Context, task *api.WorkerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	s.tasks[task.ID] = clone(task)
	return nil
}

func (s *Store) CreateQueueItem(_ context.Context, item *api.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return store.ErrConflict
	}
	s.items[item.ID] = clone(item)
	return nil
}

func (s *Store) GetQueueItem(_ context.Context, id string) (*api.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(it), nil
}

func (s *Store) ListPendingQueueItems(_ context.Context, userID string) ([]*api.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.QueueItem
	for _, it := range s.items {
		if it.UserID == userID && it.Status == api.QueueItemPending {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateQueueItem(_ context.Context, item *api.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return store.ErrNotFound
	}
	s.items[item.ID] = clone(item)
	return nil
}

func (s *Store) RecentRepoURLs(_ context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*api.WorkerTask
	for _, t := range s.tasks {
		if t.UserID == userID && t.RepoURL != "" {
			tasks = append(tasks, t)
		}
	}
	sortTasks(tasks)
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		if seen[t.RepoURL] {
			continue
		}
		seen[t.RepoURL] = true
		out = append(out, t.RepoURL)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortTasks(tasks []*api.WorkerTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
}

// clone deep-copies a record through JSON. All store records are
// JSON-serializable by construction.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}
