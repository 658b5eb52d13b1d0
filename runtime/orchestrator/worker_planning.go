package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/runtime/api"
)

// planningPhase opens the tracking issue, iterates plan jobs until the user
// approves a plan, derives the working branch, and holds at the
// ready_to_implement gate until the user starts implementation.
func (r *workerRun) planningPhase() error {
	ctx := r.wctx.Context()

	if err := r.setStatus(api.TaskStatusPlanning, ""); err != nil {
		return err
	}
	var issue issueRef
	if err := r.wctx.ExecuteStep(ctx, stepCreateIssue, r.task.ID, &issue); err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	r.task.IssueNumber = issue.Number
	r.task.IssueURL = issue.URL

	feedback := ""
	revised := false
	startNow := false
	for {
		result, err := r.runJob(api.JobModePlan, r.task.Prompt, feedback)
		if err != nil {
			return fmt.Errorf("plan job: %w", err)
		}
		plan, err := planFromResult(result.Result)
		if err != nil {
			return fmt.Errorf("plan job output: %w", err)
		}
		r.task.PlanText = plan.PlanText
		r.task.PendingQuestions = plan.Questions
		if err := r.saveTask(); err != nil {
			return err
		}
		if err := r.wctx.ExecuteStep(ctx, stepUpdateIssueBody, r.task.ID, nil); err != nil {
			return fmt.Errorf("update issue body: %w", err)
		}

		if len(plan.Questions) > 0 {
			answers, err := r.awaitQuestionAnswers(plan.Questions)
			if err != nil {
				return err
			}
			feedback = r.mergeAnswers(plan.Questions, answers)
			if err := r.saveTask(); err != nil {
				return err
			}
			if err := r.wctx.ExecuteStep(ctx, stepUpdateIssueBody, r.task.ID, nil); err != nil {
				return fmt.Errorf("update issue body: %w", err)
			}
			if err := r.setStatus(api.TaskStatusPlanning, ""); err != nil {
				return err
			}
			continue
		}

		decision, err := r.awaitPlanDecision(revised)
		if err != nil {
			return err
		}
		switch decision.Action {
		case api.ActionRevise:
			feedback = "Revise the plan based on this feedback:\n\n" + decision.Text
			revised = true
			if err := r.setStatus(api.TaskStatusPlanning, ""); err != nil {
				return err
			}
			continue
		case api.ActionStart:
			startNow = true
		}
		break
	}

	if r.task.BranchName == "" {
		r.task.BranchName = DeriveBranchName(r.task.IssueNumber, r.task.Description, r.task.TaskType)
		if err := r.saveTask(); err != nil {
			return err
		}
	}
	if err := r.setStatus(api.TaskStatusReadyToImplement, ""); err != nil {
		return err
	}
	if startNow {
		// The approval already carried the start decision.
		return nil
	}
	return r.awaitStartDecision()
}

// awaitQuestionAnswers posts the questions to the issue, parks the task in
// waiting_questions, and waits for answers from the app or from "A<n>:"
// reply lines on the issue.
func (r *workerRun) awaitQuestionAnswers(questions []api.TaskQuestion) (*api.QuestionResponse, error) {
	ctx := r.wctx.Context()

	if err := r.wctx.ExecuteStep(ctx, stepPostIssueComment, postCommentInput{TaskID: r.task.ID, Body: FormatQuestionsComment(questions)}, nil); err != nil {
		return nil, fmt.Errorf("post questions comment: %w", err)
	}
	if err := r.setStatus(api.TaskStatusWaitingQuestions, ""); err != nil {
		return nil, err
	}
	r.notify(api.WorkerStatusNeedsInput, map[string]any{"questions": questions, "issue_url": r.task.IssueURL})

	since := r.wctx.Now()
	var cond forge.Conditional
	answers, err := awaitFirst(r, r.wctx.QuestionResponses(), func() (*api.QuestionResponse, error) {
		comments, next, err := r.newIssueComments(since, &cond)
		if err != nil {
			return nil, err
		}
		cond = next
		for _, c := range comments {
			blocks := ParseAnswerBlocks(c.Body)
			if len(blocks) == 0 {
				continue
			}
			resp := &api.QuestionResponse{Action: api.ActionAnswer, Answers: make(map[string]string, len(blocks))}
			for idx, text := range blocks {
				if idx <= len(questions) {
					resp.Answers[questions[idx-1].ID] = text
				}
			}
			return resp, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if answers == nil {
		return nil, fmt.Errorf("no answers to plan questions within %s", UserWaitTimeout)
	}
	if answers.Action == api.ActionCancel {
		return nil, errCancelled
	}
	return answers, nil
}

// mergeAnswers records the answers on the task and returns feedback context
// for the follow-up plan job. Pending questions empty whenever the task
// leaves waiting_questions; unanswered ones travel in the feedback text so
// the next plan round can re-ask them.
func (r *workerRun) mergeAnswers(questions []api.TaskQuestion, resp *api.QuestionResponse) string {
	if r.task.Requirements == nil {
		r.task.Requirements = make(map[string]string)
	}
	var b strings.Builder
	b.WriteString("The user answered the clarifying questions:\n\n")
	var unanswered []api.TaskQuestion
	for _, q := range questions {
		answer, ok := resp.Answers[q.ID]
		if !ok || answer == "" {
			unanswered = append(unanswered, q)
			continue
		}
		r.task.Requirements[q.Question] = answer
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", q.Question, answer)
	}
	if len(unanswered) > 0 {
		b.WriteString("These questions were not answered; use your judgment or ask again:\n\n")
		for _, q := range unanswered {
			fmt.Fprintf(&b, "Q: %s\n", q.Question)
		}
	}
	r.task.PendingQuestions = nil
	return b.String()
}

// awaitPlanDecision posts the plan for review and waits for an approval or
// revision from the app, a command comment, or an approval reaction on the
// plan comment. The returned action is ActionApprove, ActionRevise, or
// ActionStart when the approval doubles as the start decision.
func (r *workerRun) awaitPlanDecision(revised bool) (*api.PlanResponse, error) {
	ctx := r.wctx.Context()

	var planComment commentRef
	if err := r.wctx.ExecuteStep(ctx, stepPostIssueComment, postCommentInput{TaskID: r.task.ID, Body: FormatPlanComment(r.task.PlanText)}, &planComment); err != nil {
		return nil, fmt.Errorf("post plan comment: %w", err)
	}
	if err := r.setStatus(api.TaskStatusWaitingPlanReview, ""); err != nil {
		return nil, err
	}
	status := api.WorkerStatusPlanReady
	if revised {
		status = api.WorkerStatusPlanUpdated
	}
	r.notify(status, map[string]any{"plan": r.task.PlanText, "issue_url": r.task.IssueURL})

	since := r.wctx.Now()
	var cond forge.Conditional
	decision, err := awaitFirst(r, r.wctx.PlanResponses(), func() (*api.PlanResponse, error) {
		var reactions []forge.Reaction
		in := fetchReactionsInput{TaskID: r.task.ID, CommentID: planComment.ID}
		if err := r.wctx.ExecuteStep(ctx, stepFetchReactions, in, &reactions); err != nil {
			return nil, err
		}
		for _, reaction := range reactions {
			if forge.ApprovalReactions[reaction.Content] && reaction.User != r.o.cfg.AgentHandle {
				return &api.PlanResponse{Action: api.ActionApprove}, nil
			}
		}
		comments, next, err := r.newIssueComments(since, &cond)
		if err != nil {
			return nil, err
		}
		cond = next
		for _, c := range comments {
			cmd, ok := ParseCommand(c.Body)
			if !ok {
				continue
			}
			switch cmd.Kind {
			case CommandRevise:
				return &api.PlanResponse{Action: api.ActionRevise, Text: cmd.Text}, nil
			case CommandApprove:
				// /implement carries the start decision; /lgtm approves only.
				if strings.HasPrefix(strings.ToLower(strings.TrimSpace(c.Body)), "/implement") {
					return &api.PlanResponse{Action: api.ActionStart}, nil
				}
				return &api.PlanResponse{Action: api.ActionApprove}, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, fmt.Errorf("no plan review decision within %s", UserWaitTimeout)
	}
	if decision.Action == api.ActionCancel {
		return nil, errCancelled
	}
	return decision, nil
}

// awaitStartDecision holds the ready_to_implement gate until the user starts
// the implementation, in the app or with an /implement comment.
func (r *workerRun) awaitStartDecision() error {
	since := r.wctx.Now()
	var cond forge.Conditional
	decision, err := awaitFirst(r, r.wctx.StartDecisions(), func() (*api.StartImplementation, error) {
		comments, next, err := r.newIssueComments(since, &cond)
		if err != nil {
			return nil, err
		}
		cond = next
		for _, c := range comments {
			if cmd, ok := ParseCommand(c.Body); ok && cmd.Kind == CommandApprove {
				return &api.StartImplementation{Action: api.ActionStart}, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if decision == nil {
		return fmt.Errorf("no start decision within %s", UserWaitTimeout)
	}
	if decision.Action == api.ActionCancel {
		return errCancelled
	}
	return nil
}

// newIssueComments fetches issue comments since the watermark, conditionally,
// and filters out the orchestrator's own.
func (r *workerRun) newIssueComments(since time.Time, cond *forge.Conditional) ([]forge.Comment, forge.Conditional, error) {
	var out fetchCommentsOutput
	in := fetchCommentsInput{TaskID: r.task.ID, Since: since, Cond: *cond}
	if err := r.wctx.ExecuteStep(r.wctx.Context(), stepFetchComments, in, &out); err != nil {
		return nil, *cond, err
	}
	if !out.Modified {
		return nil, out.Cond, nil
	}
	comments := out.Comments[:0]
	for _, c := range out.Comments {
		if c.Author == r.o.cfg.AgentHandle {
			continue
		}
		comments = append(comments, c)
	}
	return comments, out.Cond, nil
}
