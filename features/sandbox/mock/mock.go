// Package mock provides an in-memory sandbox.Launcher for tests. Launched
// jobs do nothing by themselves; tests observe launches through Launches or
// the OnLaunch hook and feed job results back through the orchestrator's
// callback path, mirroring how real executor jobs report.
package mock

import (
	"context"
	"sync"

	"github.com/mainloop-ai/mainloop/features/sandbox"
)

// Launcher implements sandbox.Launcher in memory.
type Launcher struct {
	mu         sync.Mutex
	workspaces map[string]bool
	launches   []sandbox.JobSpec
	deleted    map[string]int
	destroyed  map[string]int

	// OnLaunch, when set, runs on its own goroutine after each launch.
	// Tests use it to simulate the executor job completing.
	OnLaunch func(spec sandbox.JobSpec)

	// FailLaunches makes LaunchJob return err for the first N calls.
	FailLaunches int
	LaunchErr    error

	// FailDestroy makes DestroyWorkspace return err for the first N calls.
	FailDestroy int
	DestroyErr  error
}

var _ sandbox.Launcher = (*Launcher)(nil)

// New constructs an empty mock launcher.
func New() *Launcher {
	return &Launcher{
		workspaces: make(map[string]bool),
		deleted:    make(map[string]int),
		destroyed:  make(map[string]int),
	}
}

func (l *Launcher) EnsureWorkspace(_ context.Context, taskID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := "task-" + short(taskID)
	l.workspaces[name] = true
	return name, nil
}

func (l *Launcher) LaunchJob(_ context.Context, spec sandbox.JobSpec) (string, error) {
	l.mu.Lock()
	if l.FailLaunches > 0 {
		l.FailLaunches--
		err := l.LaunchErr
		l.mu.Unlock()
		return "", err
	}
	l.launches = append(l.launches, spec)
	hook := l.OnLaunch
	l.mu.Unlock()
	if hook != nil {
		go hook(spec)
	}
	return spec.JobName(), nil
}

func (l *Launcher) JobState(_ context.Context, taskID string) (*sandbox.JobInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.launches) - 1; i >= 0; i-- {
		if l.launches[i].TaskID == taskID {
			return &sandbox.JobInfo{Name: l.launches[i].JobName(), Active: 1}, nil
		}
	}
	return nil, sandbox.ErrJobNotFound
}

func (l *Launcher) JobLogs(_ context.Context, taskID string) (string, error) {
	if _, err := l.JobState(context.Background(), taskID); err != nil {
		return "", err
	}
	return "mock job logs", nil
}

func (l *Launcher) DeleteJobs(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted[taskID]++
	return nil
}

func (l *Launcher) DestroyWorkspace(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailDestroy > 0 {
		l.FailDestroy--
		return l.DestroyErr
	}
	l.destroyed[taskID]++
	delete(l.workspaces, "task-"+short(taskID))
	return nil
}

// Launches returns all recorded job launches in order.
func (l *Launcher) Launches() []sandbox.JobSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sandbox.JobSpec(nil), l.launches...)
}

// LaunchesFor returns the recorded launches for one task.
func (l *Launcher) LaunchesFor(taskID string) []sandbox.JobSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []sandbox.JobSpec
	for _, spec := range l.launches {
		if spec.TaskID == taskID {
			out = append(out, spec)
		}
	}
	return out
}

// DestroyCount reports how many times the task's workspace was destroyed.
func (l *Launcher) DestroyCount(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed[taskID]
}

func short(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}
