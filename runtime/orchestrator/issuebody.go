package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// CancelComment is posted on forge artifacts when a user cancels a task.
const CancelComment = "❌ Task cancelled by user."

// BuildIssueBody renders the task's issue body: four sections in fixed
// order, with empty sections omitted, and a footer carrying the task ID and
// current status.
func BuildIssueBody(task *api.WorkerTask) string {
	var b strings.Builder

	b.WriteString("## Original Request\n")
	for _, line := range strings.Split(strings.TrimSpace(task.Description), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(task.Requirements) > 0 {
		b.WriteString("\n## Requirements\n")
		keys := make([]string, 0, len(task.Requirements))
		for k := range task.Requirements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, task.Requirements[k])
		}
	}

	if task.PlanText != "" {
		b.WriteString("\n## Implementation Plan\n")
		b.WriteString(strings.TrimSpace(task.PlanText))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n---\n_Task ID: `%s`_ | _Status: %s_\n", task.ID, task.Status)
	return b.String()
}

// IssueTitle derives the issue title from the task description: first line,
// truncated to 80 characters.
func IssueTitle(task *api.WorkerTask) string {
	title, _, _ := strings.Cut(strings.TrimSpace(task.Description), "\n")
	if len(title) > 80 {
		title = title[:77] + "..."
	}
	return fmt.Sprintf("[%s] %s", task.TaskType, title)
}

// FormatQuestionsComment renders pending questions as an issue comment.
// Answers come back either in-app or as "A<n>: ..." reply lines.
func FormatQuestionsComment(questions []api.TaskQuestion) string {
	var b strings.Builder
	b.WriteString("## Questions before planning continues\n\n")
	for i, q := range questions {
		if q.Header != "" {
			fmt.Fprintf(&b, "**%s**\n", q.Header)
		}
		fmt.Fprintf(&b, "**Q%d:** %s\n", i+1, q.Question)
		for _, opt := range q.Options {
			fmt.Fprintf(&b, "- %s", opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&b, ": %s", opt.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with `A1: <answer>` lines, or answer in the app.\n")
	return b.String()
}

// FormatPlanComment renders the plan review comment with approval
// instructions. Its comment ID is retained so reactions on it count as
// approval.
func FormatPlanComment(planText string) string {
	var b strings.Builder
	b.WriteString("## Proposed Plan\n\n")
	b.WriteString(strings.TrimSpace(planText))
	b.WriteString("\n\n---\n")
	b.WriteString("**To approve:** comment `/implement` or `/lgtm`, react with 👍 🚀 ❤️ 🎉, or approve in the app.\n")
	b.WriteString("**To revise:** comment `/revise <feedback>`.\n")
	return b.String()
}

// FormatFeedbackContext renders review comments as feedback for a job.
func FormatFeedbackContext(comments []string) string {
	var b strings.Builder
	b.WriteString("Address the following review feedback:\n\n")
	for _, c := range comments {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(c))
		b.WriteString("\n")
	}
	return b.String()
}
