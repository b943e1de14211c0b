package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexinfer/realsched/internal/k8s"
	"github.com/flexinfer/realsched/pkg/types"
)

// K8sConfig holds configuration for the Kubernetes driver.
type K8sConfig struct {
	// EnsembleID labels every Job so one list call covers the whole run.
	EnsembleID string
	JobPrefix  string

	// Client overrides the client built from ClientConfig, e.g. in tests.
	Client       *k8s.Client
	ClientConfig *k8s.Config
	JobConfig    *k8s.JobConfig

	Batch BatchOptions
}

// K8sDriver executes realizations as Kubernetes Jobs.
type K8sDriver struct {
	*batchDriver
	client *k8s.Client
}

// NewK8sDriver creates a new K8s driver.
func NewK8sDriver(cfg *K8sConfig) (*K8sDriver, error) {
	if cfg == nil {
		cfg = &K8sConfig{}
	}
	if cfg.EnsembleID == "" {
		return nil, fmt.Errorf("k8s driver requires an ensemble id")
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = k8s.NewClient(cfg.ClientConfig)
		if err != nil {
			return nil, fmt.Errorf("create k8s client: %w", err)
		}
	}

	jobCfg := k8s.DefaultJobConfig()
	if cfg.JobConfig != nil {
		c := *cfg.JobConfig
		jobCfg = &c
	}
	jobCfg.Namespace = client.Namespace()

	b := &k8sBackend{
		client:     client,
		jobBuilder: k8s.NewJobBuilder(jobCfg),
		ensembleID: cfg.EnsembleID,
		prefix:     cfg.JobPrefix,
		attempts:   make(map[int]int),
	}
	return &K8sDriver{batchDriver: newBatchDriver(b, cfg.Batch), client: client}, nil
}

// HealthCheck verifies K8s connectivity.
func (d *K8sDriver) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

type k8sBackend struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	ensembleID string
	prefix     string

	mu       sync.Mutex
	attempts map[int]int
}

func (b *k8sBackend) name() string        { return "k8s" }
func (b *k8sBackend) displayName() string { return "Kubernetes" }

func (b *k8sBackend) submit(ctx context.Context, iens int, opts submitOptions, executable string, args []string, runPath string) (string, error) {
	b.mu.Lock()
	b.attempts[iens]++
	attempt := b.attempts[iens]
	b.mu.Unlock()

	job, err := b.jobBuilder.BuildJob(&k8s.RealizationSpec{
		Prefix:     b.prefix,
		EnsembleID: b.ensembleID,
		Iens:       iens,
		Attempt:    attempt,
		Name:       opts.name,
		Executable: executable,
		Args:       args,
		RunPath:    runPath,
	})
	if err != nil {
		return "", fmt.Errorf("build job: %w", err)
	}

	name, err := b.client.SubmitAttempt(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return name, nil
}

// status lists the ensemble's Jobs and pods once per cycle. Jobs being
// deleted are left out so a killed attempt disappears from the table.
func (b *k8sBackend) status(ctx context.Context, jobIDs []string) (map[string]jobStatus, error) {
	snap, err := b.client.ListEnsemble(ctx, b.ensembleID)
	if err != nil {
		return nil, err
	}

	exitCodes := make(map[string]int)
	for i := range snap.Pods {
		pod := &snap.Pods[i]
		if rc, ok := k8s.PodExitCode(pod); ok {
			exitCodes[k8s.PodJobName(pod)] = rc
		}
	}

	wanted := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = struct{}{}
	}

	out := make(map[string]jobStatus, len(jobIDs))
	for i := range snap.Jobs {
		job := &snap.Jobs[i]
		if _, ok := wanted[job.Name]; !ok || job.DeletionTimestamp != nil {
			continue
		}
		switch k8s.GetJobStatus(job).Phase {
		case "pending":
			out[job.Name] = jobStatus{phase: phaseQueued}
		case "running":
			out[job.Name] = jobStatus{phase: phaseRunning}
		case "succeeded":
			out[job.Name] = jobStatus{phase: phaseFinished}
		case "failed":
			rc, ok := exitCodes[job.Name]
			if !ok || rc == 0 {
				rc = types.ReturnCodeClusterFailed
			}
			out[job.Name] = jobStatus{phase: phaseFinished, returnCode: rc}
		}
	}
	return out, nil
}

func (b *k8sBackend) kill(ctx context.Context, jobID string) error {
	if err := b.client.RemoveAttempt(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

var _ Driver = (*K8sDriver)(nil)
