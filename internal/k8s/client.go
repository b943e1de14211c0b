// Package k8s provides Kubernetes integration for running realizations as Jobs.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace holds realization Jobs when no namespace is configured.
const DefaultNamespace = "realsched"

// Client submits, observes and removes realization attempts in one namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config selects the cluster credentials and the namespace attempts run in.
type Config struct {
	InCluster  bool
	Kubeconfig string
	Namespace  string
}

// DefaultConfig reads KUBECONFIG, falling back to ~/.kube/config.
func DefaultConfig() *Config {
	path := os.Getenv("KUBECONFIG")
	if path == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{Kubeconfig: path, Namespace: DefaultNamespace}
}

// NewClient connects to the cluster described by cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		restConfig *rest.Config
		err        error
	)
	switch {
	case cfg.InCluster:
		if restConfig, err = rest.InClusterConfig(); err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	default:
		if restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig); err != nil {
			return nil, fmt.Errorf("kubeconfig %q: %w", cfg.Kubeconfig, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientWithInterface(clientset, cfg.Namespace), nil
}

// NewClientWithInterface wraps an existing clientset, such as the fake one.
// An empty namespace means DefaultNamespace.
func NewClientWithInterface(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{clientset: clientset, namespace: namespace}
}

// Namespace returns the namespace attempts are submitted to.
func (c *Client) Namespace() string {
	return c.namespace
}

// SubmitAttempt creates the Job for one realization attempt and returns the
// name the cluster assigned to it.
func (c *Client) SubmitAttempt(ctx context.Context, job *batchv1.Job) (string, error) {
	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

// EnsembleSnapshot is one listing of an ensemble's attempt Jobs and their pods.
type EnsembleSnapshot struct {
	Jobs []batchv1.Job
	Pods []corev1.Pod
}

// ListEnsemble lists every attempt Job and pod labelled with ensembleID.
func (c *Client) ListEnsemble(ctx context.Context, ensembleID string) (*EnsembleSnapshot, error) {
	opts := metav1.ListOptions{LabelSelector: EnsembleSelector(ensembleID)}
	jobs, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	return &EnsembleSnapshot{Jobs: jobs.Items, Pods: pods.Items}, nil
}

// RemoveAttempt deletes an attempt's Job. Its pods are collected in the
// background. An attempt that is already gone is not an error.
func (c *Client) RemoveAttempt(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// HealthCheck verifies the API server answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}
