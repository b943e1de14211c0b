package driver

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/pkg/types"
)

func newTestPBSDriver(cfg OpenPBSConfig, runner *fakeRunner) *OpenPBSDriver {
	cfg.Runner = runner
	cfg.SubmitRetries = 3
	cfg.RetryDelay = time.Millisecond
	cfg.Batch = BatchOptions{Logger: logging.Discard()}
	return NewOpenPBSDriver(&cfg)
}

func TestOpenPBSDriver_SubmitArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  OpenPBSConfig
		want []string
	}{
		{
			name: "defaults",
			cfg:  OpenPBSConfig{},
			want: []string{"-rn", "-Nreal_1", "-o", "/dev/null", "-e", "/dev/null", "--", "/bin/sh", "-c", "cd /run/1 && exec sim"},
		},
		{
			name: "all resources",
			cfg: OpenPBSConfig{
				Queue:          "workq",
				NumNodes:       2,
				NumCPUsPerNode: 8,
				MemoryPerJob:   "16gb",
				ClusterLabel:   "host=node1",
				JobPrefix:      "ens_",
			},
			want: []string{
				"-rn", "-Nens_real_1", "-q", "workq", "-l", "select=2", "-l", "ncpus=8",
				"-l", "mem=16gb", "-l", "host=node1", "-o", "/dev/null", "-e", "/dev/null",
				"--", "/bin/sh", "-c", "cd /run/1 && exec sim",
			},
		},
		{
			name: "keep qsub output",
			cfg:  OpenPBSConfig{KeepQsubOutput: true},
			want: []string{"-rn", "-Nreal_1", "--", "/bin/sh", "-c", "cd /run/1 && exec sim"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
				return CommandResult{Stdout: "10.server\n"}, nil
			}}
			d := newTestPBSDriver(tt.cfg, runner)

			if err := d.Submit(context.Background(), 1, "sim", nil, "/run/1", WithJobName("real_1")); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if got := runner.callsTo("qsub")[0]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("qsub args\n got %q\nwant %q", got, tt.want)
			}
			if id := d.jobs[1].id; id != "10.server" {
				t.Errorf("expected job id 10.server, got %q", id)
			}
		})
	}
}

func TestOpenPBSDriver_SubmitRetries(t *testing.T) {
	tests := []struct {
		code      int
		wantCalls int
	}{
		{qsubInvalidCredential, 3},
		{qsubPrematureEndOfMessage, 3},
		{qsubConnectionRefused, 3},
		{1, 1},
	}

	for _, tt := range tests {
		runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
			return CommandResult{Stderr: "qsub: error", ExitCode: tt.code}, nil
		}}
		d := newTestPBSDriver(OpenPBSConfig{}, runner)

		err := d.Submit(context.Background(), 1, "sim", nil, "")
		var serr *SubmitError
		if !errors.As(err, &serr) {
			t.Fatalf("exit %d: expected SubmitError, got %v", tt.code, err)
		}
		if n := len(runner.callsTo("qsub")); n != tt.wantCalls {
			t.Errorf("exit %d: expected %d qsub calls, got %d", tt.code, tt.wantCalls, n)
		}
	}
}

func TestParseQstat(t *testing.T) {
	output := `Job id            Name             User              Time Use S Queue
----------------  ---------------- ----------------  -------- - -----
1.server          job1             user              00:00:01 R workq
2.server          job2             user              0        F workq
3[].server        array            user              0        B workq
garbage line
`
	got := parseQstat(output)
	want := map[string]string{"1": "R", "2": "F", "3[]": "B"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseQstat = %v, want %v", got, want)
	}
}

func TestPBSPhase(t *testing.T) {
	tests := map[string]jobPhase{
		"Q": phaseQueued, "H": phaseQueued, "W": phaseQueued, "T": phaseQueued,
		"R": phaseRunning, "E": phaseRunning, "B": phaseRunning, "S": phaseRunning, "U": phaseRunning,
		"F": phaseFinished, "X": phaseFinished,
		"Z": phaseUnknown,
	}
	for state, want := range tests {
		if got := pbsPhase(state).phase; got != want {
			t.Errorf("pbsPhase(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestParseQstatJSON(t *testing.T) {
	output := `{
  "timestamp": 1700000000,
  "Jobs": {
    "1.server": {"job_state": "F", "Exit_status": 0},
    "2.server": {"job_state": "F", "Exit_status": 3},
    "3.server": {"job_state": "F", "Exit_status": 271},
    "4.server": {"job_state": "X", "Exit_status": -1},
    "5.server": {"job_state": "R"},
    "6.server": {"job_state": "F"}
  }
}`
	got, err := parseQstatJSON(output)
	if err != nil {
		t.Fatalf("parseQstatJSON failed: %v", err)
	}
	want := map[string]int{
		"1": 0,
		"2": 3,
		"3": types.SignalOffset + 15,
		"4": types.ReturnCodeClusterFailed,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseQstatJSON = %v, want %v", got, want)
	}

	if _, err := parseQstatJSON("{not json"); err == nil {
		t.Error("expected error for malformed json")
	}
	if got, err := parseQstatJSON("  "); err != nil || len(got) != 0 {
		t.Errorf("expected empty result for empty output, got %v, %v", got, err)
	}
}

func TestOpenPBSDriver_PollFlow(t *testing.T) {
	ctx := context.Background()
	qstatRow := "R"
	fullJSON := `{"Jobs": {"10.server": {"job_state": "F", "Exit_status": 2}}}`
	runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
		switch {
		case tool == "qsub":
			return CommandResult{Stdout: "10.server"}, nil
		case tool == "qstat" && args[0] == "-x":
			return CommandResult{Stdout: "10.server job user 0 " + qstatRow + " workq\n"}, nil
		case tool == "qstat" && args[0] == "-fx":
			return CommandResult{Stdout: fullJSON}, nil
		}
		return CommandResult{}, nil
	}}
	d := newTestPBSDriver(OpenPBSConfig{}, runner)
	_ = d.Submit(ctx, 4, "sim", nil, "")

	if err := d.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	if ev := nextEvent(t, d.Events()); ev != types.Started(4) {
		t.Errorf("expected Started(4), got %v", ev)
	}

	qstatRow = "F"
	if err := d.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	if ev := nextEvent(t, d.Events()); ev != types.Finished(4, 2, false) {
		t.Errorf("expected Finished(4, 2), got %v", ev)
	}
}

func TestOpenPBSDriver_FinishedWithoutExitStatus(t *testing.T) {
	runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
		if args[0] == "-x" {
			return CommandResult{Stdout: "10.server job user 0 F workq\n"}, nil
		}
		return CommandResult{Stdout: `{"Jobs": {"10.server": {"job_state": "F"}}}`}, nil
	}}
	b := &pbsBackend{runner: runner}

	got, err := b.status(context.Background(), []string{"10.server"})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if got["10.server"].phase != phaseRunning {
		t.Errorf("expected job without exit status to stay running, got %+v", got["10.server"])
	}
}

func TestOpenPBSDriver_QstatErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		res       CommandResult
		wantErr   bool
		wantQuiet bool
		wantIDs   int
	}{
		{"unknown job with partial output", CommandResult{Stdout: "10.server job user 0 R workq\n", Stderr: "qstat: Unknown Job Id 11.server", ExitCode: qstatUnknownJobID}, false, false, 1},
		{"flaky pbs_iff", CommandResult{Stderr: "pbs_iff: cannot connect to host", ExitCode: 1}, true, true, 0},
		{"invalid credential", CommandResult{Stderr: "Invalid credential", ExitCode: 171}, true, true, 0},
		{"hard failure", CommandResult{Stderr: "qstat: command failed", ExitCode: 2}, true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
				return tt.res, nil
			}}
			b := &pbsBackend{runner: runner}

			got, err := b.status(ctx, []string{"10.server", "11.server"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("status error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, errQuietPoll) != tt.wantQuiet {
				t.Errorf("quiet = %v, want %v (err %v)", errors.Is(err, errQuietPoll), tt.wantQuiet, err)
			}
			if len(got) != tt.wantIDs {
				t.Errorf("expected %d statuses, got %v", tt.wantIDs, got)
			}
		})
	}
}

func TestOpenPBSDriver_Kill(t *testing.T) {
	ctx := context.Background()

	t.Run("job already finished", func(t *testing.T) {
		runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
			return CommandResult{Stderr: "qdel: Job has finished", ExitCode: qdelJobHasFinished}, nil
		}}
		b := &pbsBackend{runner: runner, cfg: OpenPBSConfig{SubmitRetries: 3, RetryDelay: time.Millisecond}}

		if err := b.kill(ctx, "10.server"); err != nil {
			t.Errorf("expected success, got %v", err)
		}
		if n := len(runner.callsTo("qdel")); n != 1 {
			t.Errorf("expected 1 qdel call, got %d", n)
		}
	})

	t.Run("retries invalid request", func(t *testing.T) {
		runner := &fakeRunner{handler: func(tool string, args []string) (CommandResult, error) {
			return CommandResult{Stderr: "qdel: Request invalid", ExitCode: qdelRequestInvalid}, nil
		}}
		b := &pbsBackend{runner: runner, cfg: OpenPBSConfig{SubmitRetries: 3, RetryDelay: time.Millisecond}}

		err := b.kill(ctx, "10.server")
		if err == nil || !strings.Contains(err.Error(), "qdel failed after 3 retries") {
			t.Errorf("expected retry exhaustion, got %v", err)
		}
		if n := len(runner.callsTo("qdel")); n != 3 {
			t.Errorf("expected 3 qdel calls, got %d", n)
		}
	})
}

func TestShortPBSJobID(t *testing.T) {
	tests := map[string]string{
		"10.server.example.com": "10",
		"10":                    "10",
		"3[].server":            "3[]",
	}
	for in, want := range tests {
		if got := shortPBSJobID(in); got != want {
			t.Errorf("shortPBSJobID(%q) = %q, want %q", in, got, want)
		}
	}
}
