package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flexinfer/realsched/pkg/types"
)

// PBS command exit codes with special meaning.
const (
	qsubConnectionRefused     = 162
	qsubInvalidCredential     = 171
	qsubPrematureEndOfMessage = 183
	qdelJobHasFinished        = 35
	qdelRequestInvalid        = 168
	qstatUnknownJobID         = 153
)

// qstat stderr that shows up on healthy clusters under load.
var pbsFlakyStderr = []string{"pbs_iff", "Invalid credential"}

// OpenPBSConfig holds configuration for the OpenPBS driver.
type OpenPBSConfig struct {
	Queue          string
	NumNodes       int
	NumCPUsPerNode int
	MemoryPerJob   string
	ClusterLabel   string
	JobPrefix      string
	KeepQsubOutput bool

	// BinPath is the directory holding qsub, qstat and qdel.
	BinPath string

	SubmitRetries int
	RetryDelay    time.Duration

	Runner CommandRunner
	Batch  BatchOptions
}

// OpenPBSDriver submits realizations to an OpenPBS cluster.
type OpenPBSDriver struct {
	*batchDriver
}

// NewOpenPBSDriver creates an OpenPBS driver.
func NewOpenPBSDriver(cfg *OpenPBSConfig) *OpenPBSDriver {
	if cfg == nil {
		cfg = &OpenPBSConfig{}
	}
	b := &pbsBackend{cfg: *cfg, runner: cfg.Runner}
	if b.runner == nil {
		b.runner = ExecRunner{}
	}
	if b.cfg.SubmitRetries <= 0 {
		b.cfg.SubmitRetries = 10
	}
	if b.cfg.RetryDelay <= 0 {
		b.cfg.RetryDelay = 2 * time.Second
	}
	return &OpenPBSDriver{batchDriver: newBatchDriver(b, cfg.Batch)}
}

type pbsBackend struct {
	cfg    OpenPBSConfig
	runner CommandRunner
}

func (b *pbsBackend) name() string        { return "openpbs" }
func (b *pbsBackend) displayName() string { return "OpenPBS" }

func (b *pbsBackend) bin(tool string) string { return binary(b.cfg.BinPath, tool) }

func (b *pbsBackend) retryPolicy(retryOn, acceptOn []int) retryPolicy {
	return retryPolicy{
		attempts: b.cfg.SubmitRetries,
		delay:    b.cfg.RetryDelay,
		retryOn:  retryOn,
		acceptOn: acceptOn,
	}
}

func (b *pbsBackend) submitArgs(opts submitOptions, executable string, args []string, runPath string) []string {
	out := []string{"-rn", "-N" + b.cfg.JobPrefix + opts.name}
	if b.cfg.Queue != "" {
		out = append(out, "-q", b.cfg.Queue)
	}
	if b.cfg.NumNodes > 0 {
		out = append(out, "-l", fmt.Sprintf("select=%d", b.cfg.NumNodes))
	}
	if b.cfg.NumCPUsPerNode > 0 {
		out = append(out, "-l", fmt.Sprintf("ncpus=%d", b.cfg.NumCPUsPerNode))
	}
	if b.cfg.MemoryPerJob != "" {
		out = append(out, "-l", "mem="+b.cfg.MemoryPerJob)
	}
	if b.cfg.ClusterLabel != "" {
		out = append(out, "-l", b.cfg.ClusterLabel)
	}
	if !b.cfg.KeepQsubOutput {
		out = append(out, "-o", "/dev/null", "-e", "/dev/null")
	}
	out = append(out, "--", "/bin/sh", "-c", shellScript(runPath, executable, args))
	return out
}

func (b *pbsBackend) submit(ctx context.Context, iens int, opts submitOptions, executable string, args []string, runPath string) (string, error) {
	policy := b.retryPolicy([]int{qsubInvalidCredential, qsubPrematureEndOfMessage, qsubConnectionRefused}, nil)
	res, err := runWithRetry(ctx, b.runner, policy, b.bin("qsub"), b.submitArgs(opts, executable, args, runPath)...)
	if err != nil {
		return "", err
	}
	jobID := strings.TrimSpace(res.Stdout)
	if jobID == "" {
		return "", fmt.Errorf("qsub returned no job id")
	}
	return jobID, nil
}

func (b *pbsBackend) status(ctx context.Context, jobIDs []string) (map[string]jobStatus, error) {
	byShortID := make(map[string]string, len(jobIDs))
	for _, id := range jobIDs {
		byShortID[shortPBSJobID(id)] = id
	}

	res, err := b.runner.Run(ctx, b.bin("qstat"), append([]string{"-x"}, jobIDs...)...)
	if err != nil {
		return nil, fmt.Errorf("qstat: %w", err)
	}
	if res.ExitCode != 0 && res.ExitCode != qstatUnknownJobID {
		if isFlakyPBSOutput(res.Stderr) {
			return nil, fmt.Errorf("qstat exit code %d: %w", res.ExitCode, errQuietPoll)
		}
		if strings.TrimSpace(res.Stdout) == "" {
			return nil, fmt.Errorf("qstat exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}

	states := parseQstat(res.Stdout)
	out := make(map[string]jobStatus, len(states))
	var finished []string
	for short, state := range states {
		id, ok := byShortID[short]
		if !ok {
			continue
		}
		st := pbsPhase(state)
		if st.phase == phaseFinished {
			finished = append(finished, id)
			continue
		}
		out[id] = st
	}

	if len(finished) > 0 {
		codes, err := b.exitCodes(ctx, finished)
		if err != nil {
			return nil, err
		}
		for _, id := range finished {
			if rc, ok := codes[shortPBSJobID(id)]; ok {
				out[id] = jobStatus{phase: phaseFinished, returnCode: rc}
			} else {
				out[id] = jobStatus{phase: phaseRunning}
			}
		}
	}
	return out, nil
}

// exitCodes asks qstat for the full record of finished jobs.
func (b *pbsBackend) exitCodes(ctx context.Context, jobIDs []string) (map[string]int, error) {
	args := append([]string{"-fx", "-Fjson"}, jobIDs...)
	res, err := b.runner.Run(ctx, b.bin("qstat"), args...)
	if err != nil {
		return nil, fmt.Errorf("qstat -f: %w", err)
	}
	if res.ExitCode != 0 && res.ExitCode != qstatUnknownJobID {
		if isFlakyPBSOutput(res.Stderr) {
			return nil, fmt.Errorf("qstat -f exit code %d: %w", res.ExitCode, errQuietPoll)
		}
		return nil, fmt.Errorf("qstat -f exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseQstatJSON(res.Stdout)
}

func (b *pbsBackend) kill(ctx context.Context, jobID string) error {
	policy := b.retryPolicy([]int{qdelRequestInvalid}, []int{qdelJobHasFinished})
	_, err := runWithRetry(ctx, b.runner, policy, b.bin("qdel"), jobID)
	return err
}

// parseQstat reads "qstat -x" tabular output: Job id, Name, User, Time Use,
// S, Queue. Ids are shortened to the part before the server name.
func parseQstat(output string) map[string]string {
	states := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		id := shortPBSJobID(fields[0])
		if !isJobID(strings.TrimSuffix(id, "[]")) {
			continue
		}
		if len(fields[4]) != 1 {
			continue
		}
		states[id] = fields[4]
	}
	return states
}

func pbsPhase(state string) jobStatus {
	switch state {
	case "Q", "H", "W", "T":
		return jobStatus{phase: phaseQueued}
	case "R", "E", "B", "S", "U":
		return jobStatus{phase: phaseRunning}
	case "F", "X":
		return jobStatus{phase: phaseFinished}
	default:
		return jobStatus{phase: phaseUnknown}
	}
}

type qstatFull struct {
	Jobs map[string]struct {
		JobState   string `json:"job_state"`
		ExitStatus *int   `json:"Exit_status"`
	} `json:"Jobs"`
}

// parseQstatJSON maps finished jobs to return codes. PBS reports a signal
// death as 256+signal and a job it could not run as a negative status.
func parseQstatJSON(output string) (map[string]int, error) {
	var full qstatFull
	if strings.TrimSpace(output) == "" {
		return map[string]int{}, nil
	}
	if err := json.Unmarshal([]byte(output), &full); err != nil {
		return nil, fmt.Errorf("parse qstat json: %w", err)
	}
	codes := make(map[string]int, len(full.Jobs))
	for id, job := range full.Jobs {
		if job.JobState != "F" && job.JobState != "X" {
			continue
		}
		if job.ExitStatus == nil {
			continue
		}
		codes[shortPBSJobID(id)] = pbsReturnCode(*job.ExitStatus)
	}
	return codes, nil
}

func pbsReturnCode(exitStatus int) int {
	switch {
	case exitStatus > 256:
		return types.SignalOffset + exitStatus - 256
	case exitStatus < 0:
		return types.ReturnCodeClusterFailed
	default:
		return exitStatus
	}
}

func shortPBSJobID(id string) string {
	short, _, _ := strings.Cut(id, ".")
	return short
}

func isFlakyPBSOutput(stderr string) bool {
	return slices.ContainsFunc(pbsFlakyStderr, func(s string) bool {
		return strings.Contains(stderr, s)
	})
}

var _ Driver = (*OpenPBSDriver)(nil)
