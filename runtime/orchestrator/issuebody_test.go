package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

func TestBuildIssueBody(t *testing.T) {
	task := &api.WorkerTask{
		ID:          "t-1",
		Description: "Add dark mode toggle\nwith a persisted preference",
		Status:      api.TaskStatusPlanning,
	}

	t.Run("request only", func(t *testing.T) {
		body := BuildIssueBody(task)
		assert.Contains(t, body, "## Original Request")
		assert.Contains(t, body, "> Add dark mode toggle")
		assert.Contains(t, body, "> with a persisted preference")
		assert.NotContains(t, body, "## Requirements")
		assert.NotContains(t, body, "## Implementation Plan")
		assert.Contains(t, body, "_Task ID: `t-1`_")
		assert.Contains(t, body, "_Status: planning_")
	})

	t.Run("requirements sorted", func(t *testing.T) {
		withReqs := *task
		withReqs.Requirements = map[string]string{
			"Which theme is default?": "dark",
			"Animate the switch?":     "no",
		}
		body := BuildIssueBody(&withReqs)
		require.Contains(t, body, "## Requirements")
		animate := strings.Index(body, "- Animate the switch?: no")
		theme := strings.Index(body, "- Which theme is default?: dark")
		require.GreaterOrEqual(t, animate, 0)
		require.GreaterOrEqual(t, theme, 0)
		assert.Less(t, animate, theme)
	})

	t.Run("plan section", func(t *testing.T) {
		withPlan := *task
		withPlan.PlanText = "1. Add the toggle\n2. Persist the choice\n"
		body := BuildIssueBody(&withPlan)
		assert.Contains(t, body, "## Implementation Plan")
		assert.Contains(t, body, "1. Add the toggle\n2. Persist the choice\n")
	})
}

func TestIssueTitle(t *testing.T) {
	task := &api.WorkerTask{TaskType: api.TaskTypeFeature, Description: "Add dark mode toggle\nmore detail here"}
	assert.Equal(t, "[feature] Add dark mode toggle", IssueTitle(task))

	long := &api.WorkerTask{TaskType: api.TaskTypeBugfix, Description: strings.Repeat("x", 100)}
	title := IssueTitle(long)
	assert.Equal(t, "[bugfix] "+strings.Repeat("x", 77)+"...", title)
}

func TestFormatQuestionsComment(t *testing.T) {
	questions := []api.TaskQuestion{
		{
			Header:   "Theme",
			Question: "Light or dark default?",
			Options: []api.TaskQuestionOption{
				{Label: "light"},
				{Label: "dark", Description: "matches the OS setting"},
			},
		},
		{Question: "Persist per device?"},
	}
	body := FormatQuestionsComment(questions)
	assert.Contains(t, body, "**Theme**")
	assert.Contains(t, body, "**Q1:** Light or dark default?")
	assert.Contains(t, body, "- light\n")
	assert.Contains(t, body, "- dark: matches the OS setting")
	assert.Contains(t, body, "**Q2:** Persist per device?")
	assert.Contains(t, body, "`A1: <answer>`")
}

func TestFormatPlanComment(t *testing.T) {
	body := FormatPlanComment("1. Do the thing\n")
	assert.True(t, strings.HasPrefix(body, "## Proposed Plan"))
	assert.Contains(t, body, "1. Do the thing")
	assert.Contains(t, body, "`/implement`")
	assert.Contains(t, body, "`/lgtm`")
	assert.Contains(t, body, "`/revise <feedback>`")
}

func TestFormatFeedbackContext(t *testing.T) {
	body := FormatFeedbackContext([]string{"rename the flag", "  add a test  "})
	assert.Contains(t, body, "Address the following review feedback:")
	assert.Contains(t, body, "- rename the flag\n")
	assert.Contains(t, body, "- add a test\n")
}
