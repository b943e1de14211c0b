// Package types provides the shared vocabulary of the realization scheduler.
package types

import (
	"time"
)

// Outcome is the terminal result of one scheduling run.
type Outcome string

const (
	// OutcomeStopped means every realization stopped running on its own.
	OutcomeStopped   Outcome = "STOPPED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// EnsembleStatus is the lifecycle of an ensemble as tracked by the run store.
type EnsembleStatus string

const (
	EnsembleStatusQueued    EnsembleStatus = "queued"
	EnsembleStatusRunning   EnsembleStatus = "running"
	EnsembleStatusStopped   EnsembleStatus = "stopped"
	EnsembleStatusCancelled EnsembleStatus = "cancelled"
	EnsembleStatusFailed    EnsembleStatus = "failed"
)

// StatusForOutcome maps a run outcome onto the stored ensemble status.
func StatusForOutcome(o Outcome, err error) EnsembleStatus {
	switch {
	case o == OutcomeCancelled:
		return EnsembleStatusCancelled
	case err != nil:
		return EnsembleStatusFailed
	default:
		return EnsembleStatusStopped
	}
}

// RunArg describes one realization to be scheduled.
type RunArg struct {
	Iens       int           `json:"iens" yaml:"iens"`
	RunPath    string        `json:"run_path" yaml:"run_path"`
	JobName    string        `json:"job_name,omitempty" yaml:"job_name,omitempty"`
	Executable string        `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string      `json:"args,omitempty" yaml:"args,omitempty"`
	MaxRuntime time.Duration `json:"-" yaml:"-"`
}

// Manifest is the user-facing description of an ensemble.
type Manifest struct {
	Name              string   `json:"name" yaml:"name"`
	ExperimentID      string   `json:"experiment_id,omitempty" yaml:"experiment_id,omitempty"`
	Executable        string   `json:"executable" yaml:"executable"`
	Args              []string `json:"args,omitempty" yaml:"args,omitempty"`
	MaxRunning        int      `json:"max_running,omitempty" yaml:"max_running,omitempty"`
	MaxSubmit         int      `json:"max_submit,omitempty" yaml:"max_submit,omitempty"`
	MaxRuntimeSeconds int      `json:"max_runtime_seconds,omitempty" yaml:"max_runtime_seconds,omitempty"`
	MinRealizations   int      `json:"min_realizations,omitempty" yaml:"min_realizations,omitempty"`
	StopLongRunning   bool     `json:"stop_long_running,omitempty" yaml:"stop_long_running,omitempty"`
	Realizations      []RunArg `json:"realizations" yaml:"realizations"`
}

// RunArgs resolves per-realization defaults from the manifest.
func (m *Manifest) RunArgs() []RunArg {
	out := make([]RunArg, 0, len(m.Realizations))
	for _, r := range m.Realizations {
		if r.Executable == "" {
			r.Executable = m.Executable
		}
		if r.Args == nil {
			r.Args = m.Args
		}
		if r.JobName == "" {
			r.JobName = m.Name
		}
		if m.MaxRuntimeSeconds > 0 {
			r.MaxRuntime = time.Duration(m.MaxRuntimeSeconds) * time.Second
		}
		out = append(out, r)
	}
	return out
}

// RealizationResult is the final tally entry for one realization.
type RealizationResult struct {
	Iens       int        `json:"iens"`
	State      State      `json:"state"`
	ReturnCode int        `json:"returncode"`
	Attempts   int        `json:"attempts"`
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RealizationStatus is the latest known status of a realization in the run store.
type RealizationStatus struct {
	Iens       int       `json:"iens"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt,omitempty"`
	ReturnCode *int      `json:"returncode,omitempty"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ensemble is a scheduling run as recorded by the run store.
type Ensemble struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	ExperimentID string            `json:"experiment_id,omitempty"`
	Status       EnsembleStatus    `json:"status"`
	Backend      string            `json:"backend,omitempty"`
	Size         int               `json:"size"`
	Outcome      Outcome           `json:"outcome,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Tally counts realizations per state.
type Tally map[State]int

// TallyOf counts the given realization statuses by state.
func TallyOf(reals []RealizationStatus) Tally {
	t := make(Tally)
	for _, r := range reals {
		t[r.State]++
	}
	return t
}
