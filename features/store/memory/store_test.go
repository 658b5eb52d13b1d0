package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/api"
)

func TestMainThreadCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	thread := api.NewMainThread("u1")
	require.NoError(t, s.CreateMainThread(ctx, thread))

	// One thread per user.
	dup := api.NewMainThread("u1")
	require.ErrorIs(t, s.CreateMainThread(ctx, dup), store.ErrConflict)

	got, err := s.GetMainThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ID)

	byUser, err := s.GetMainThreadByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, thread.ID, byUser.ID)

	got.ActiveTaskIDs = []string{"t1"}
	require.NoError(t, s.UpdateMainThread(ctx, got))
	again, err := s.GetMainThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, again.ActiveTaskIDs)

	_, err = s.GetMainThread(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMainThreadByUser(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskCRUDAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	task := api.NewWorkerTask("thread-1", "u1", api.TaskTypeFeature, "add toggle")
	require.NoError(t, s.CreateTask(ctx, task))
	require.ErrorIs(t, s.CreateTask(ctx, task), store.ErrConflict)

	// Mutating the caller's copy must not leak into the store.
	task.Description = "mutated"
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "add toggle", got.Description)

	got.Status = api.TaskStatusPlanning
	require.NoError(t, s.UpdateTask(ctx, got))
	again, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskStatusPlanning, again.Status)

	missing := api.NewWorkerTask("thread-1", "u1", api.TaskTypeFeature, "x")
	assert.ErrorIs(t, s.UpdateTask(ctx, missing), store.ErrNotFound)
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	mk := func(user, thread string, status api.TaskStatus, age time.Duration) *api.WorkerTask {
		task := api.NewWorkerTask(thread, user, api.TaskTypeFeature, "work")
		task.Status = status
		task.CreatedAt = time.Now().UTC().Add(-age)
		require.NoError(t, s.CreateTask(ctx, task))
		return task
	}

	oldest := mk("u1", "th1", api.TaskStatusImplementing, 3*time.Hour)
	done := mk("u1", "th1", api.TaskStatusCompleted, 2*time.Hour)
	newest := mk("u1", "th1", api.TaskStatusPlanning, time.Hour)
	mk("u2", "th2", api.TaskStatusPlanning, time.Minute)

	byUser, err := s.ListTasksByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 3)
	assert.Equal(t, newest.ID, byUser[0].ID)
	assert.Equal(t, oldest.ID, byUser[2].ID)

	active, err := s.ListActiveTasksByThread(ctx, "th1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, task := range active {
		assert.NotEqual(t, done.ID, task.ID)
	}
}

func TestQueueItems(t *testing.T) {
	ctx := context.Background()
	s := New()
	thread := api.NewMainThread("u1")

	first := api.NewQueueItem(thread, api.QueueItemNotification, "first", "")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := api.NewQueueItem(thread, api.QueueItemPlanReady, "second", "")
	require.NoError(t, s.CreateQueueItem(ctx, first))
	require.NoError(t, s.CreateQueueItem(ctx, second))
	require.ErrorIs(t, s.CreateQueueItem(ctx, second), store.ErrConflict)

	pending, err := s.ListPendingQueueItems(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Newest first.
	assert.Equal(t, second.ID, pending[0].ID)

	now := time.Now().UTC()
	pending[1].Status = api.QueueItemResponded
	pending[1].RespondedAt = &now
	require.NoError(t, s.UpdateQueueItem(ctx, pending[1]))

	pending, err = s.ListPendingQueueItems(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	got, err := s.GetQueueItem(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, api.QueueItemResponded, got.Status)
	require.NotNil(t, got.RespondedAt)
}

func TestRecentRepoURLs(t *testing.T) {
	ctx := context.Background()
	s := New()

	mk := func(repo string, age time.Duration) {
		task := api.NewWorkerTask("th1", "u1", api.TaskTypeFeature, "work")
		task.RepoURL = repo
		task.CreatedAt = time.Now().UTC().Add(-age)
		require.NoError(t, s.CreateTask(ctx, task))
	}
	mk("https://forge.test/a/old", 3*time.Hour)
	mk("https://forge.test/a/new", time.Hour)
	mk("https://forge.test/a/new", 30*time.Minute) // duplicate collapses
	mk("", 10*time.Minute)                         // no repo recorded

	repos, err := s.RecentRepoURLs(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://forge.test/a/new", "https://forge.test/a/old"}, repos)

	one, err := s.RecentRepoURLs(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://forge.test/a/new"}, one)

	none, err := s.RecentRepoURLs(ctx, "ghost", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}
