package scheduler

import (
	"reflect"
	"testing"
	"time"

	"github.com/flexinfer/realsched/pkg/types"
)

func TestDefaultStopPolicy(t *testing.T) {
	completed := func(iens int, rt time.Duration) JobSnapshot {
		return JobSnapshot{Iens: iens, State: types.StateCompleted, Runtime: rt}
	}
	running := func(iens int, rt time.Duration) JobSnapshot {
		return JobSnapshot{Iens: iens, State: types.StateRunning, Runtime: rt}
	}

	tests := []struct {
		name    string
		jobs    []JobSnapshot
		minimum int
		want    []int
	}{
		{
			name:    "nothing completed",
			jobs:    []JobSnapshot{running(0, time.Hour)},
			minimum: 0,
			want:    nil,
		},
		{
			name:    "below minimum",
			jobs:    []JobSnapshot{completed(0, time.Minute), running(1, time.Hour)},
			minimum: 2,
			want:    nil,
		},
		{
			name: "slow realization selected",
			jobs: []JobSnapshot{
				completed(0, 10*time.Minute),
				completed(1, 10*time.Minute),
				running(2, 13*time.Minute),
				running(3, 12*time.Minute),
			},
			minimum: 2,
			want:    []int{2},
		},
		{
			name: "finished realizations never selected",
			jobs: []JobSnapshot{
				completed(0, time.Minute),
				{Iens: 1, State: types.StateFailed, Runtime: time.Hour},
				{Iens: 2, State: types.StateAborted, Runtime: time.Hour},
			},
			minimum: 1,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultStopPolicy(tt.jobs, tt.minimum)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DefaultStopPolicy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{2 * time.Second, 1, 2 * time.Second},
		{2 * time.Second, 2, 4 * time.Second},
		{2 * time.Second, 4, 16 * time.Second},
		{2 * time.Second, 10, time.Minute},
		{0, 3, 0},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.base, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%s, %d) = %s, want %s", tt.base, tt.attempt, got, tt.want)
		}
	}
}

func TestDescribeReturnCode(t *testing.T) {
	tests := map[int]string{
		1:                                 "exited with code 1",
		types.ReturnCodeCommandNotFound:   "command not found",
		types.SignalOffset + 9:            "terminated by signal 9",
		types.ReturnCodeJobLost:           "job status unknown for too long",
		types.ReturnCodeKilledByScheduler: "job cancelled on request",
	}
	for rc, want := range tests {
		if got := describeReturnCode(rc); got != want {
			t.Errorf("describeReturnCode(%d) = %q, want %q", rc, got, want)
		}
	}
}
