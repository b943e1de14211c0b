package scheduler

import (
	"log/slog"
	"time"

	"github.com/flexinfer/realsched/pkg/types"
)

// JobSnapshot is a point-in-time view of one realization.
type JobSnapshot struct {
	Iens    int
	State   types.State
	Attempt int
	// Runtime of the current or last attempt since Started.
	Runtime time.Duration
}

// StopPolicy picks which realizations to kill once at least minimum have
// completed. Only RUNNING realizations in the result are acted on.
type StopPolicy func(jobs []JobSnapshot, minimum int) []int

// longRunningFactor is how far past the mean completed runtime a
// realization may run before DefaultStopPolicy selects it.
const longRunningFactor = 1.25

// DefaultStopPolicy selects RUNNING realizations whose runtime exceeds 1.25
// times the mean runtime of the completed ones. It selects nothing until at
// least minimum (and at least one) realizations have completed.
func DefaultStopPolicy(jobs []JobSnapshot, minimum int) []int {
	var total time.Duration
	completed := 0
	for _, j := range jobs {
		if j.State == types.StateCompleted {
			completed++
			total += j.Runtime
		}
	}
	if completed == 0 || completed < minimum {
		return nil
	}

	limit := time.Duration(float64(total/time.Duration(completed)) * longRunningFactor)
	var out []int
	for _, j := range jobs {
		if j.State == types.StateRunning && j.Runtime > limit {
			out = append(out, j.Iens)
		}
	}
	return out
}

// StopLongRunningJobs kills running realizations the stop policy selects,
// provided at least minimum realizations have completed. Finished
// realizations are never touched. It returns the indices it asked to stop.
func (s *Scheduler) StopLongRunningJobs(minimum int) []int {
	snaps := s.Snapshot()
	completed := 0
	for _, snap := range snaps {
		if snap.State == types.StateCompleted {
			completed++
		}
	}
	if completed < minimum {
		return nil
	}

	policy := s.stopPolicy
	if policy == nil {
		policy = DefaultStopPolicy
	}
	var stopped []int
	for _, iens := range policy(snaps, minimum) {
		s.mu.Lock()
		job := s.jobs[iens]
		s.mu.Unlock()
		if job == nil {
			continue
		}
		if job.requestKill(killReasonLongRunning) {
			stopped = append(stopped, iens)
		}
	}
	if len(stopped) > 0 {
		s.logger.Info("stopping long-running realizations",
			slog.Any("iens", stopped),
			slog.Int("completed", completed),
		)
	}
	return stopped
}
