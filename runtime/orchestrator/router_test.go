package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Change the background color on example.com to dark blue")
	assert.Contains(t, got, "example.com")
	assert.Contains(t, got, "background")
	assert.Contains(t, got, "color")
	assert.Contains(t, got, "dark")
	assert.Contains(t, got, "blue")

	assert.Contains(t, ExtractKeywords("see acme/website for details"), "acme/website")
	assert.Empty(t, ExtractKeywords("hello there"))
}

func TestNeedsWorker(t *testing.T) {
	assert.True(t, NeedsWorker("Build a settings page"))
	assert.True(t, NeedsWorker("please FIX the login flow"))
	assert.True(t, NeedsWorker("add a dark mode toggle"))
	assert.False(t, NeedsWorker("what is the weather like"))
	assert.False(t, NeedsWorker("thanks!"))
}

func TestShouldSkipPlan(t *testing.T) {
	assert.True(t, ShouldSkipPlan("fix the typo, just do it"))
	assert.True(t, ShouldSkipPlan("Skip planning and change the footer"))
	assert.False(t, ShouldSkipPlan("build a settings page"))
}

func TestFindMatchingTasks(t *testing.T) {
	site := &api.WorkerTask{
		ID:          "site",
		Status:      api.TaskStatusImplementing,
		RepoURL:     "https://forge.test/acme/example.com",
		Description: "Update the background color of example.com",
		Keywords:    []string{"example.com", "background", "color"},
	}
	apiTask := &api.WorkerTask{
		ID:          "api",
		Status:      api.TaskStatusUnderReview,
		RepoURL:     "https://forge.test/acme/backend",
		Description: "Add auth endpoint",
		Keywords:    []string{"auth", "endpoint"},
		PRNumber:    12,
	}
	done := &api.WorkerTask{
		ID:          "done",
		Status:      api.TaskStatusCompleted,
		Description: "Update the background color of example.com",
	}
	tasks := []*api.WorkerTask{site, apiTask, done}

	t.Run("repo and keyword mention ranks the site task", func(t *testing.T) {
		matches := FindMatchingTasks("make the example.com background darker", tasks, 0.4)
		require.NotEmpty(t, matches)
		assert.Equal(t, "site", matches[0].Task.ID)
		assert.GreaterOrEqual(t, matches[0].Confidence, 0.7)
		assert.NotEmpty(t, matches[0].Reasons)
	})

	t.Run("pr number mention", func(t *testing.T) {
		matches := FindMatchingTasks("any update on #12? the auth endpoint one", tasks, 0.4)
		require.NotEmpty(t, matches)
		assert.Equal(t, "api", matches[0].Task.ID)
	})

	t.Run("terminal tasks never match", func(t *testing.T) {
		for _, m := range FindMatchingTasks("example.com background color", tasks, 0.0) {
			assert.NotEqual(t, "done", m.Task.ID)
		}
	})

	t.Run("unrelated message matches nothing", func(t *testing.T) {
		assert.Empty(t, FindMatchingTasks("book me a flight to Lisbon", tasks, 0.4))
	})

	t.Run("confidence capped at one", func(t *testing.T) {
		matches := FindMatchingTasks("example.com background color", tasks, 0.0)
		for _, m := range matches {
			assert.LessOrEqual(t, m.Confidence, 1.0)
		}
	})
}
