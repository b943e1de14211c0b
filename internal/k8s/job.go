package k8s

import (
	"fmt"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Labels identifying realization Jobs.
const (
	LabelEnsemble = "realsched.io/ensemble"
	LabelIens     = "realsched.io/iens"
	LabelAttempt  = "realsched.io/attempt"

	// ContainerName is the name of the container running the realization.
	ContainerName = "realization"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	Namespace          string
	Image              string
	ServiceAccountName string
	ImagePullSecrets   []string

	// RunPathPVC, when set, is mounted at RunPathRoot so realizations see
	// their run path inside the pod.
	RunPathPVC  string
	RunPathRoot string

	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	TTLSecondsAfterFinished *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)

	return &JobConfig{
		Namespace:               DefaultNamespace,
		Image:                   "busybox:1.36",
		RunPathRoot:             "/scratch",
		DefaultCPULimit:         "1",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		TTLSecondsAfterFinished: &ttl,
	}
}

// RealizationSpec describes one submission attempt of a realization.
type RealizationSpec struct {
	Prefix     string
	EnsembleID string
	Iens       int
	Attempt    int
	Name       string
	Executable string
	Args       []string
	RunPath    string
}

// JobBuilder creates Kubernetes Jobs from realization specs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName returns <prefix>-<ensemble>-<iens>-<attempt>, sanitized and
// truncated from the left part so the iens and attempt always survive.
func JobName(prefix, ensembleID string, iens, attempt int) string {
	suffix := fmt.Sprintf("-%d-%d", iens, attempt)
	head := ensembleID
	if prefix != "" {
		head = prefix + "-" + ensembleID
	}
	head = sanitizeK8sName(head)
	if limit := 63 - len(suffix); len(head) > limit {
		head = strings.TrimRight(head[:limit], "-")
	}
	return head + suffix
}

// BuildJob creates a K8s Job running one realization attempt. The Job never
// retries on its own; resubmission is the scheduler's decision.
func (b *JobBuilder) BuildJob(spec *RealizationSpec) (*batchv1.Job, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("realization %d has no executable", spec.Iens)
	}
	if b.config.Image == "" {
		return nil, fmt.Errorf("no image configured for realization jobs")
	}

	labels := map[string]string{
		"app.kubernetes.io/name":       "realsched-realization",
		"app.kubernetes.io/managed-by": "realsched",
		LabelEnsemble:                  sanitizeK8sLabel(spec.EnsembleID),
		LabelIens:                      strconv.Itoa(spec.Iens),
		LabelAttempt:                   strconv.Itoa(spec.Attempt),
	}

	envVars := []corev1.EnvVar{
		{Name: "_REALSCHED_ENSEMBLE_ID", Value: spec.EnsembleID},
		{Name: "_REALSCHED_IENS", Value: strconv.Itoa(spec.Iens)},
		{Name: "_REALSCHED_JOB_NAME", Value: spec.Name},
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	container := corev1.Container{
		Name:            ContainerName,
		Image:           b.config.Image,
		Command:         []string{spec.Executable},
		Args:            spec.Args,
		WorkingDir:      spec.RunPath,
		Env:             envVars,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
	}

	if b.config.RunPathPVC != "" {
		podSpec.Volumes = []corev1.Volume{{
			Name: "runpath",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: b.config.RunPathPVC},
			},
		}}
		container.VolumeMounts = []corev1.VolumeMount{{Name: "runpath", MountPath: b.config.RunPathRoot}}
	}
	podSpec.Containers = []corev1.Container{container}

	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.Prefix, spec.EnsembleID, spec.Iens, spec.Attempt),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: podSpec,
			},
			BackoffLimit:            int32Ptr(0),
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	return job, nil
}

// EnsembleSelector selects every Job and pod of an ensemble.
func EnsembleSelector(ensembleID string) string {
	return LabelEnsemble + "=" + sanitizeK8sLabel(ensembleID)
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase      string
	StartTime  *metav1.Time
	EndTime    *metav1.Time
	Succeeded  int32
	Failed     int32
	Active     int32
	Conditions []batchv1.JobCondition
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		StartTime:  job.Status.StartTime,
		EndTime:    job.Status.CompletionTime,
		Succeeded:  job.Status.Succeeded,
		Failed:     job.Status.Failed,
		Active:     job.Status.Active,
		Conditions: job.Status.Conditions,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = "succeeded"
	case job.Status.Failed > 0:
		status.Phase = "failed"
	case job.Status.Active > 0:
		status.Phase = "running"
	default:
		status.Phase = "pending"
	}

	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			status.Phase = "succeeded"
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			status.Phase = "failed"
		}
	}

	return status
}

// PodJobName returns the name of the Job that owns pod.
func PodJobName(pod *corev1.Pod) string {
	if name := pod.Labels["batch.kubernetes.io/job-name"]; name != "" {
		return name
	}
	return pod.Labels["job-name"]
}

// PodExitCode returns the realization container's exit code once it has
// terminated.
func PodExitCode(pod *corev1.Pod) (int, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != ContainerName {
			continue
		}
		if t := cs.State.Terminated; t != nil {
			return int(t.ExitCode), true
		}
		if t := cs.LastTerminationState.Terminated; t != nil {
			return int(t.ExitCode), true
		}
	}
	return 0, false
}

// Helper functions

func sanitizeK8sName(name string) string {
	// K8s names must be lowercase, alphanumeric, -, and max 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	// Label values must be 63 chars or less, alphanumeric, -, _, .
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func boolPtr(b bool) *bool {
	return &b
}

func int32Ptr(i int32) *int32 {
	return &i
}
