// Package driver provides the backends that run realizations: local
// subprocesses, LSF, OpenPBS and Kubernetes Jobs.
//
// A driver never sees scheduler state. It correlates work by realization
// index only and reports progress as Started/Finished events on its queue.
package driver

import (
	"context"
	"fmt"

	"github.com/flexinfer/realsched/internal/queue"
	"github.com/flexinfer/realsched/pkg/types"
)

// Driver defines the contract every execution backend implements.
type Driver interface {
	// Submit hands one attempt of realization iens to the backend and returns
	// once the backend has accepted it. It eventually yields one Started and one
	// Finished event for iens. A rejection at enqueue time is a *SubmitError.
	Submit(ctx context.Context, iens int, executable string, args []string, runPath string, opts ...SubmitOption) error

	// Kill requests termination of iens. Killing an unknown, finished or
	// already-killed realization is a no-op.
	Kill(ctx context.Context, iens int) error

	// Poll runs the backend observation loop until ctx is done. It returns a
	// *FatalError when the backend has become unusable.
	Poll(ctx context.Context) error

	// Events is the single point of observation for state transitions.
	Events() *queue.Queue[types.DriverEvent]

	// Finish kills whatever is still outstanding and releases resources.
	Finish(ctx context.Context) error

	// Name identifies the backend, e.g. "local" or "lsf".
	Name() string
}

// SubmitOption customises one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	name string
}

// WithJobName sets the name the backend shows for the job.
func WithJobName(name string) SubmitOption {
	return func(o *submitOptions) {
		o.name = name
	}
}

func resolveSubmitOptions(iens int, opts []SubmitOption) submitOptions {
	o := submitOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("realization-%d", iens)
	}
	return o
}
