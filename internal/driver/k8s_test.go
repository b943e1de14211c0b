package driver

import (
	"context"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/realsched/internal/k8s"
	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/pkg/types"
)

const testNamespace = "realsched-test"

func newTestK8sDriver(t *testing.T) (*K8sDriver, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	d, err := NewK8sDriver(&K8sConfig{
		EnsembleID: "ens1",
		Client:     k8s.NewClientWithInterface(cs, testNamespace),
		Batch:      BatchOptions{Logger: logging.Discard()},
	})
	if err != nil {
		t.Fatalf("NewK8sDriver failed: %v", err)
	}
	return d, cs
}

func setJobStatus(t *testing.T, cs *fake.Clientset, name string, status batchv1.JobStatus) {
	t.Helper()
	ctx := context.Background()
	job, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job %s: %v", name, err)
	}
	job.Status = status
	if _, err := cs.BatchV1().Jobs(testNamespace).UpdateStatus(ctx, job, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update job %s: %v", name, err)
	}
}

func addTerminatedPod(t *testing.T, cs *fake.Clientset, jobName string, exitCode int32) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName + "-pod",
			Namespace: testNamespace,
			Labels: map[string]string{
				k8s.LabelEnsemble:              "ens1",
				"batch.kubernetes.io/job-name": jobName,
			},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  k8s.ContainerName,
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: exitCode}},
			}},
		},
	}
	if _, err := cs.CoreV1().Pods(testNamespace).Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create pod: %v", err)
	}
}

func TestK8sDriver_Lifecycle(t *testing.T) {
	ctx := context.Background()
	d, cs := newTestK8sDriver(t)

	if err := d.Submit(ctx, 3, "/opt/sim", []string{"--real", "3"}, "/scratch/real-3"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, "ens1-3-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected job ens1-3-1: %v", err)
	}
	if job.Labels[k8s.LabelIens] != "3" {
		t.Errorf("expected iens label, got %v", job.Labels)
	}

	if err := d.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	expectNoEvent(t, d.Events())

	setJobStatus(t, cs, "ens1-3-1", batchv1.JobStatus{Active: 1})
	_ = d.pollOnce(ctx)
	if ev := nextEvent(t, d.Events()); ev != types.Started(3) {
		t.Errorf("expected Started(3), got %v", ev)
	}

	setJobStatus(t, cs, "ens1-3-1", batchv1.JobStatus{Failed: 1})
	addTerminatedPod(t, cs, "ens1-3-1", 4)
	_ = d.pollOnce(ctx)
	if ev := nextEvent(t, d.Events()); ev != types.Finished(3, 4, false) {
		t.Errorf("expected Finished(3, 4), got %v", ev)
	}

	// A resubmission is a new Job.
	if err := d.Submit(ctx, 3, "/opt/sim", nil, "/scratch/real-3"); err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if _, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, "ens1-3-2", metav1.GetOptions{}); err != nil {
		t.Errorf("expected job ens1-3-2: %v", err)
	}
}

func TestK8sDriver_SucceededAndFailedWithoutPod(t *testing.T) {
	ctx := context.Background()
	d, cs := newTestK8sDriver(t)
	_ = d.Submit(ctx, 0, "/opt/sim", nil, "")
	_ = d.Submit(ctx, 1, "/opt/sim", nil, "")

	setJobStatus(t, cs, "ens1-0-1", batchv1.JobStatus{Succeeded: 1})
	setJobStatus(t, cs, "ens1-1-1", batchv1.JobStatus{Failed: 1})
	_ = d.pollOnce(ctx)

	codes := map[int]int{}
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, d.Events())
		if ev.Kind == types.EventFinished {
			codes[ev.Iens] = ev.ReturnCode
		}
	}
	if codes[0] != 0 {
		t.Errorf("expected realization 0 to succeed, got %d", codes[0])
	}
	if codes[1] != types.ReturnCodeClusterFailed {
		t.Errorf("expected realization 1 to report %d, got %d", types.ReturnCodeClusterFailed, codes[1])
	}
}

func TestK8sDriver_Kill(t *testing.T) {
	ctx := context.Background()
	d, cs := newTestK8sDriver(t)
	_ = d.Submit(ctx, 2, "/opt/sim", nil, "")
	setJobStatus(t, cs, "ens1-2-1", batchv1.JobStatus{Active: 1})
	_ = d.pollOnce(ctx)
	nextEvent(t, d.Events())

	if err := d.Kill(ctx, 2); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if _, err := cs.BatchV1().Jobs(testNamespace).Get(ctx, "ens1-2-1", metav1.GetOptions{}); err == nil {
		t.Error("expected job to be deleted")
	}

	_ = d.pollOnce(ctx)
	if ev := nextEvent(t, d.Events()); ev != types.Finished(2, types.ReturnCodeKilledByScheduler, true) {
		t.Errorf("expected aborted Finished, got %v", ev)
	}

	// Deleting an already removed Job is fine.
	b := d.backend.(*k8sBackend)
	if err := b.kill(ctx, "ens1-2-1"); err != nil {
		t.Errorf("expected not-found to be ignored, got %v", err)
	}
}

func TestNewK8sDriver_RequiresEnsemble(t *testing.T) {
	if _, err := NewK8sDriver(&K8sConfig{}); err == nil {
		t.Error("expected error without ensemble id")
	}
}
