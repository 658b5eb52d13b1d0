package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/runtime/api"
)

// codeReviewPhase polls the pull request until it is merged or closed,
// turning actionable review comments into feedback jobs. lastCheck is the
// comment watermark; resumed workflows pass the task creation time so no
// comment posted while the orchestrator was down is missed.
func (r *workerRun) codeReviewPhase(lastCheck time.Time) error {
	ctx := r.wctx.Context()

	if r.task.Status != api.TaskStatusUnderReview {
		if err := r.setStatus(api.TaskStatusUnderReview, ""); err != nil {
			return err
		}
	}
	for {
		if err := r.wctx.Sleep(ctx, PRPollInterval); err != nil {
			return err
		}

		var pr prStatusOutput
		if err := r.wctx.ExecuteStep(ctx, stepFetchPR, r.task.ID, &pr); err != nil {
			return fmt.Errorf("fetch pr status: %w", err)
		}
		if !pr.Found {
			return fmt.Errorf("pull request #%d disappeared", r.task.PRNumber)
		}
		if pr.PR.Merged {
			return r.finishMerged()
		}
		if pr.PR.State == "closed" {
			// Closing the PR without merging is the forge-side cancel.
			return errCancelled
		}

		checkedAt := r.wctx.Now()
		var comments []forge.Comment
		in := fetchPRCommentsInput{TaskID: r.task.ID, Since: lastCheck}
		if err := r.wctx.ExecuteStep(ctx, stepFetchPRComments, in, &comments); err != nil {
			return fmt.Errorf("fetch pr comments: %w", err)
		}
		feedback := r.collectFeedback(comments)
		lastCheck = checkedAt
		if len(feedback) == 0 {
			continue
		}
		if err := r.addressFeedback(feedback); err != nil {
			return err
		}
	}
}

// collectFeedback filters actionable comments and acknowledges each one so
// the reviewer sees the orchestrator picked it up. A comment is actionable
// when it mentions the agent or is a /revise command.
func (r *workerRun) collectFeedback(comments []forge.Comment) []string {
	mention := "@" + r.o.cfg.AgentHandle
	var feedback []string
	for _, c := range comments {
		if c.Author == r.o.cfg.AgentHandle {
			continue
		}
		text := ""
		if cmd, ok := ParseCommand(c.Body); ok && cmd.Kind == CommandRevise {
			text = cmd.Text
		} else if strings.Contains(c.Body, mention) {
			text = strings.TrimSpace(strings.ReplaceAll(c.Body, mention, ""))
		}
		if text == "" {
			continue
		}
		feedback = append(feedback, text)
		in := ackCommentInput{TaskID: r.task.ID, CommentID: c.ID}
		if err := r.wctx.ExecuteStep(r.wctx.Context(), stepAckComment, in, nil); err != nil {
			r.o.logger.Warn(r.wctx.Context(), "ack review comment", "task_id", r.task.ID, "comment_id", c.ID, "err", err)
		}
	}
	return feedback
}

// addressFeedback runs a feedback job for the collected comments, re-verifies
// CI, and returns the task to under_review.
func (r *workerRun) addressFeedback(feedback []string) error {
	if err := r.setStatus(api.TaskStatusImplementing, ""); err != nil {
		return err
	}
	if _, err := r.runJob(api.JobModeFeedback, r.task.Prompt, FormatFeedbackContext(feedback)); err != nil {
		return fmt.Errorf("feedback job: %w", err)
	}
	if err := r.ciLoop(); err != nil {
		return err
	}
	if err := r.setStatus(api.TaskStatusUnderReview, ""); err != nil {
		return err
	}
	r.notify(api.WorkerStatusFeedbackAddressed, map[string]any{"pr_url": r.task.PRURL, "items": len(feedback)})
	return nil
}

// finishMerged records the merge outcome and completes the task.
func (r *workerRun) finishMerged() error {
	r.task.Result = map[string]any{
		"pr_url":    r.task.PRURL,
		"pr_number": r.task.PRNumber,
		"merged":    true,
	}
	if err := r.saveTask(); err != nil {
		return err
	}
	if err := r.setStatus(api.TaskStatusCompleted, ""); err != nil {
		return err
	}
	r.notify(api.WorkerStatusCompleted, r.task.Result)
	return nil
}
