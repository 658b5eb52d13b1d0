// Package kubernetes implements sandbox.Launcher on a Kubernetes cluster.
// Each task gets its own namespace with required secrets copied in; jobs run
// as batch/v1 Jobs with backoffLimit 0 so the orchestrator, not the cluster,
// owns retries.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/mainloop-ai/mainloop/features/sandbox"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

const (
	namespacePrefix = "task-"
	managedByLabel  = "app.kubernetes.io/managed-by"
	taskIDLabel     = "mainloop.dev/task-id"
	modeLabel       = "mainloop.dev/mode"
	managedByValue  = "mainloop"

	// jobTTLSeconds keeps finished jobs around for an hour for log retrieval.
	jobTTLSeconds = int32(3600)
)

// Options configures the Kubernetes launcher.
type Options struct {
	// SourceNamespace is where the orchestrator and its secrets live.
	SourceNamespace string
	// Image is the executor job container image.
	Image string
	// ServiceAccount is the service account jobs run under in the task
	// namespace.
	ServiceAccount string
	// SecretsToCopy are copied from SourceNamespace into each workspace.
	SecretsToCopy []string
	// SecretName is the secret holding the agent and forge tokens jobs
	// consume via env.
	SecretName string

	Logger telemetry.Logger
}

// Launcher implements sandbox.Launcher with client-go.
type Launcher struct {
	clients kubernetes.Interface
	opts    Options
	logger  telemetry.Logger
}

var _ sandbox.Launcher = (*Launcher)(nil)

// New constructs a Launcher. The clientset is injected so tests can use the
// client-go fake.
func New(clients kubernetes.Interface, opts Options) (*Launcher, error) {
	if clients == nil {
		return nil, fmt.Errorf("kubernetes launcher: clientset is required")
	}
	if opts.Image == "" {
		return nil, fmt.Errorf("kubernetes launcher: image is required")
	}
	if opts.SourceNamespace == "" {
		opts.SourceNamespace = "mainloop"
	}
	if opts.ServiceAccount == "" {
		opts.ServiceAccount = "worker"
	}
	if opts.SecretName == "" {
		opts.SecretName = "mainloop-secrets"
	}
	if len(opts.SecretsToCopy) == 0 {
		opts.SecretsToCopy = []string{opts.SecretName}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Launcher{clients: clients, opts: opts, logger: logger}, nil
}

// WorkspaceName derives the task's namespace name.
func WorkspaceName(taskID string) string {
	if len(taskID) > 8 {
		taskID = taskID[:8]
	}
	return namespacePrefix + taskID
}

func (l *Launcher) EnsureWorkspace(ctx context.Context, taskID string) (string, error) {
	name := WorkspaceName(taskID)
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				taskIDLabel:    taskID,
			},
		},
	}
	if _, err := l.clients.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return "", fmt.Errorf("create namespace %s: %w", name, err)
	}
	if err := l.copySecrets(ctx, name); err != nil {
		return "", err
	}
	l.logger.Info(ctx, "workspace ready", "namespace", name, "task_id", taskID)
	return name, nil
}

func (l *Launcher) copySecrets(ctx context.Context, namespace string) error {
	for _, secretName := range l.opts.SecretsToCopy {
		source, err := l.clients.CoreV1().Secrets(l.opts.SourceNamespace).Get(ctx, secretName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("read secret %s/%s: %w", l.opts.SourceNamespace, secretName, err)
		}
		copied := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      secretName,
				Namespace: namespace,
				Labels:    map[string]string{managedByLabel: managedByValue},
			},
			Type: source.Type,
			Data: source.Data,
		}
		_, err = l.clients.CoreV1().Secrets(namespace).Create(ctx, copied, metav1.CreateOptions{})
		if errors.IsAlreadyExists(err) {
			_, err = l.clients.CoreV1().Secrets(namespace).Update(ctx, copied, metav1.UpdateOptions{})
		}
		if err != nil {
			return fmt.Errorf("copy secret %s to %s: %w", secretName, namespace, err)
		}
	}
	return nil
}

func (l *Launcher) LaunchJob(ctx context.Context, spec sandbox.JobSpec) (string, error) {
	namespace := WorkspaceName(spec.TaskID)
	name := spec.JobName()
	jobs := l.clients.BatchV1().Jobs(namespace)

	// A finished job under the same name blocks re-creation; delete it so
	// the retry gets a fresh run. An active one means the launch already
	// happened.
	existing, err := jobs.Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if existing.Status.Succeeded > 0 || existing.Status.Failed > 0 {
			policy := metav1.DeletePropagationBackground
			if err := jobs.Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil && !errors.IsNotFound(err) {
				return "", fmt.Errorf("delete finished job %s: %w", name, err)
			}
			l.logger.Info(ctx, "deleted finished job for relaunch", "job", name)
			time.Sleep(time.Second)
		}
	case !errors.IsNotFound(err):
		return "", fmt.Errorf("read job %s: %w", name, err)
	}

	job := l.buildJob(namespace, name, spec)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			l.logger.Info(ctx, "job already running", "job", name)
			return name, nil
		}
		return "", fmt.Errorf("create job %s: %w", name, err)
	}
	l.logger.Info(ctx, "launched job", "job", name, "namespace", namespace, "mode", string(spec.Mode))
	return name, nil
}

func (l *Launcher) buildJob(namespace, name string, spec sandbox.JobSpec) *batchv1.Job {
	env := []corev1.EnvVar{
		{Name: "TASK_ID", Value: spec.TaskID},
		{Name: "TASK_PROMPT", Value: spec.Prompt},
		{Name: "CALLBACK_URL", Value: spec.CallbackURL},
		{Name: "MODE", Value: string(spec.Mode)},
		{
			Name: "AGENT_TOKEN",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: l.opts.SecretName},
					Key:                  "agent-token",
				},
			},
		},
		{
			Name: "FORGE_TOKEN",
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: l.opts.SecretName},
					Key:                  "forge-token",
					Optional:             ptr(true),
				},
			},
		},
	}
	if spec.RepoURL != "" {
		env = append(env, corev1.EnvVar{Name: "REPO_URL", Value: spec.RepoURL})
	}
	if spec.BaseBranch != "" {
		env = append(env, corev1.EnvVar{Name: "BASE_BRANCH", Value: spec.BaseBranch})
	}
	if spec.BranchName != "" {
		env = append(env, corev1.EnvVar{Name: "BRANCH_NAME", Value: spec.BranchName})
	}
	if spec.PRNumber > 0 {
		env = append(env, corev1.EnvVar{Name: "PR_NUMBER", Value: strconv.Itoa(spec.PRNumber)})
	}
	if spec.IssueNumber > 0 {
		env = append(env, corev1.EnvVar{Name: "ISSUE_NUMBER", Value: strconv.Itoa(spec.IssueNumber)})
	}
	if spec.FeedbackContext != "" {
		env = append(env, corev1.EnvVar{Name: "FEEDBACK_CONTEXT", Value: spec.FeedbackContext})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				taskIDLabel:    spec.TaskID,
				modeLabel:      string(spec.Mode),
			},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: ptr(jobTTLSeconds),
			BackoffLimit:            ptr(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						managedByLabel: managedByValue,
						taskIDLabel:    spec.TaskID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: l.opts.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:  "agent",
							Image: l.opts.Image,
							Env:   env,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: resource.MustParse("512Mi"),
									corev1.ResourceCPU:    resource.MustParse("500m"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: resource.MustParse("2Gi"),
									corev1.ResourceCPU:    resource.MustParse("2"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name:         "workspace",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}
}

func (l *Launcher) JobState(ctx context.Context, taskID string) (*sandbox.JobInfo, error) {
	namespace := WorkspaceName(taskID)
	list, err := l.clients.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: taskIDLabel + "=" + taskID,
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, sandbox.ErrJobNotFound
		}
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, sandbox.ErrJobNotFound
	}
	job := list.Items[0]
	info := &sandbox.JobInfo{
		Name:      job.Name,
		Active:    int(job.Status.Active),
		Succeeded: int(job.Status.Succeeded),
		Failed:    int(job.Status.Failed),
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		info.StartedAt = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		info.CompletedAt = &t
	}
	return info, nil
}

func (l *Launcher) JobLogs(ctx context.Context, taskID string) (string, error) {
	namespace := WorkspaceName(taskID)
	pods, err := l.clients.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: taskIDLabel + "=" + taskID,
	})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", sandbox.ErrJobNotFound
	}
	raw, err := l.clients.CoreV1().Pods(namespace).
		GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: ptr(int64(500))}).
		DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("read logs for %s: %w", pods.Items[0].Name, err)
	}
	return string(raw), nil
}

func (l *Launcher) DeleteJobs(ctx context.Context, taskID string) error {
	namespace := WorkspaceName(taskID)
	policy := metav1.DeletePropagationBackground
	err := l.clients.BatchV1().Jobs(namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: &policy},
		metav1.ListOptions{LabelSelector: taskIDLabel + "=" + taskID},
	)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete jobs for task %s: %w", taskID, err)
	}
	return nil
}

func (l *Launcher) DestroyWorkspace(ctx context.Context, taskID string) error {
	name := WorkspaceName(taskID)
	err := l.clients.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete namespace %s: %w", name, err)
	}
	l.logger.Info(ctx, "workspace destroyed", "namespace", name, "task_id", taskID)
	return nil
}

func ptr[T any](v T) *T { return &v }
