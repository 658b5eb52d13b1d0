// Package sandbox abstracts the isolated execution environment for agent
// jobs. A workspace is a per-task isolation boundary (a namespace on
// Kubernetes); a job is one finite agent invocation inside it. Jobs report
// their outcome by POSTing to the callback URL in their spec, never through
// this interface.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mainloop-ai/mainloop/runtime/api"
)

// ErrJobNotFound indicates no job exists for the task.
var ErrJobNotFound = errors.New("sandbox: job not found")

// JobSpec describes one executor job launch.
type JobSpec struct {
	TaskID string      `json:"task_id"`
	Mode   api.JobMode `json:"mode"`
	// Iteration disambiguates repeated launches of the same mode (CI fix
	// rounds, feedback rounds). Zero for the first launch.
	Iteration int `json:"iteration,omitempty"`

	Prompt      string `json:"prompt"`
	RepoURL     string `json:"repo_url,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	// FeedbackContext carries review comments or CI failures for feedback
	// and fix modes.
	FeedbackContext string `json:"feedback_context,omitempty"`

	// CallbackURL is where the job POSTs its JobResult exactly once.
	CallbackURL string `json:"callback_url"`
}

// JobName derives the deterministic job name for a spec. Repeated launches
// of the same (task, mode, iteration) reuse the name, which is what makes
// launching idempotent.
func (s JobSpec) JobName() string {
	task := s.TaskID
	if len(task) > 8 {
		task = task[:8]
	}
	mode := string(s.Mode)
	if len(mode) > 3 {
		mode = mode[:3]
	}
	if s.Iteration > 0 {
		return fmt.Sprintf("worker-%s-%s-%d", task, mode, s.Iteration)
	}
	return fmt.Sprintf("worker-%s-%s", task, mode)
}

// JobInfo is a point-in-time view of a job's execution state.
type JobInfo struct {
	Name        string     `json:"name"`
	Active      int        `json:"active"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Launcher manages per-task workspaces and the jobs inside them.
type Launcher interface {
	// EnsureWorkspace creates the task's isolation boundary if missing and
	// returns its identifier. Idempotent.
	EnsureWorkspace(ctx context.Context, taskID string) (string, error)

	// LaunchJob starts a job per spec and returns its name. Launching a
	// spec whose previous run completed deletes the finished job first so
	// the retry gets a fresh run; launching while the same job is still
	// active is a no-op.
	LaunchJob(ctx context.Context, spec JobSpec) (string, error)

	// JobState reports the task's current job, or ErrJobNotFound.
	JobState(ctx context.Context, taskID string) (*JobInfo, error)

	// JobLogs returns the log tail of the task's current job.
	JobLogs(ctx context.Context, taskID string) (string, error)

	// DeleteJobs removes all of the task's jobs.
	DeleteJobs(ctx context.Context, taskID string) error

	// DestroyWorkspace tears down the task's isolation boundary and
	// everything in it. Idempotent.
	DestroyWorkspace(ctx context.Context, taskID string) error
}
