package driver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// bsub exits with 255 when its ssh hop to the LSF master fails.
const bsubFlakySSH = 255

// LSFConfig holds configuration for the LSF driver.
type LSFConfig struct {
	Queue               string
	Project             string
	ResourceRequirement string
	ExcludeHosts        []string

	// BinPath is the directory holding bsub, bjobs, bhist and bkill.
	// Empty means they are looked up on PATH.
	BinPath string

	SubmitRetries int
	RetryDelay    time.Duration

	// KillGrace is the delay between bkill -s SIGTERM and -s SIGKILL.
	KillGrace time.Duration

	// BhistCacheAge is the minimum age of the previous bhist snapshot before
	// a new one is compared against it.
	BhistCacheAge time.Duration

	Runner CommandRunner
	Batch  BatchOptions
}

// LSFDriver submits realizations to IBM Spectrum LSF.
type LSFDriver struct {
	*batchDriver
	lsf *lsfBackend
}

// NewLSFDriver creates an LSF driver.
func NewLSFDriver(cfg *LSFConfig) *LSFDriver {
	if cfg == nil {
		cfg = &LSFConfig{}
	}
	b := &lsfBackend{
		cfg:     *cfg,
		runner:  cfg.Runner,
		closing: make(chan struct{}),
	}
	if b.runner == nil {
		b.runner = ExecRunner{}
	}
	if b.cfg.SubmitRetries <= 0 {
		b.cfg.SubmitRetries = 10
	}
	if b.cfg.RetryDelay <= 0 {
		b.cfg.RetryDelay = 2 * time.Second
	}
	if b.cfg.KillGrace <= 0 {
		b.cfg.KillGrace = 30 * time.Second
	}
	if b.cfg.BhistCacheAge <= 0 {
		b.cfg.BhistCacheAge = 4 * time.Second
	}

	bd := newBatchDriver(b, cfg.Batch)
	b.logger = bd.logger
	return &LSFDriver{batchDriver: bd, lsf: b}
}

// Finish kills outstanding jobs and flushes pending SIGKILL escalations.
func (d *LSFDriver) Finish(ctx context.Context) error {
	err := d.batchDriver.Finish(ctx)
	d.lsf.closeOnce.Do(func() { close(d.lsf.closing) })

	waited := make(chan struct{})
	go func() {
		d.lsf.killers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}
	return err
}

type lsfBackend struct {
	cfg    LSFConfig
	runner CommandRunner
	logger *slog.Logger

	bhistMu      sync.Mutex
	bhistCache   map[string]bhistTimes
	bhistCacheAt time.Time

	killers   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func (b *lsfBackend) name() string        { return "lsf" }
func (b *lsfBackend) displayName() string { return "LSF" }

func (b *lsfBackend) bin(tool string) string { return binary(b.cfg.BinPath, tool) }

func (b *lsfBackend) submitArgs(opts submitOptions, executable string, args []string, runPath string) []string {
	var out []string
	if b.cfg.Queue != "" {
		out = append(out, "-q", b.cfg.Queue)
	}
	if b.cfg.Project != "" {
		out = append(out, "-P", b.cfg.Project)
	}
	if rr := buildResourceRequirementString(b.cfg.ExcludeHosts, b.cfg.ResourceRequirement); rr != "" {
		out = append(out, "-R", rr)
	}
	out = append(out, "-J", opts.name, "/bin/sh", "-c", shellScript(runPath, executable, args))
	return out
}

func (b *lsfBackend) submit(ctx context.Context, iens int, opts submitOptions, executable string, args []string, runPath string) (string, error) {
	policy := retryPolicy{
		attempts: b.cfg.SubmitRetries,
		delay:    b.cfg.RetryDelay,
		retryOn:  []int{bsubFlakySSH},
	}
	res, err := runWithRetry(ctx, b.runner, policy, b.bin("bsub"), b.submitArgs(opts, executable, args, runPath)...)
	if err != nil {
		return "", err
	}

	m := lsfSubmittedRe.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", fmt.Errorf("Could not understand '%s' from bsub", strings.TrimSpace(res.Stdout))
	}
	return m[1], nil
}

func (b *lsfBackend) status(ctx context.Context, jobIDs []string) (map[string]jobStatus, error) {
	res, err := b.runner.Run(ctx, b.bin("bjobs"), jobIDs...)
	if err != nil {
		return nil, fmt.Errorf("bjobs: %w", err)
	}
	states := parseBjobs(res.Stdout, b.logger)
	// bjobs exits non-zero as soon as one id is unknown, so only an empty
	// result alongside a failure code is treated as a failed poll.
	if res.ExitCode != 0 && len(states) == 0 && !strings.Contains(res.Stderr, "is not found") {
		return nil, fmt.Errorf("bjobs exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var missing []string
	for _, id := range jobIDs {
		if _, ok := states[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		for id, state := range b.pollBhist(ctx, missing) {
			if _, ok := states[id]; !ok {
				states[id] = state
			}
		}
	}

	out := make(map[string]jobStatus, len(states))
	for id, state := range states {
		out[id] = lsfStates[state]
	}
	return out, nil
}

// pollBhist derives states for jobs bjobs has forgotten about. A snapshot
// younger than BhistCacheAge yields nothing, since unchanged times between two
// close snapshots would be read as a finished job.
func (b *lsfBackend) pollBhist(ctx context.Context, jobIDs []string) map[string]string {
	b.bhistMu.Lock()
	defer b.bhistMu.Unlock()

	if !b.bhistCacheAt.IsZero() && time.Since(b.bhistCacheAt) < b.cfg.BhistCacheAge {
		return map[string]string{}
	}

	res, err := b.runner.Run(ctx, b.bin("bhist"), jobIDs...)
	if err != nil {
		b.logger.Debug("bhist unavailable", slog.Any("error", err))
		return map[string]string{}
	}
	current := parseBhist(res.Stdout)
	states := bhistStates(b.bhistCache, current)
	b.bhistCache = current
	b.bhistCacheAt = time.Now()
	return states
}

func (b *lsfBackend) kill(ctx context.Context, jobID string) error {
	bkill := b.bin("bkill")
	res, err := b.runner.Run(ctx, bkill, "-s", "SIGTERM", jobID)
	switch {
	case err != nil:
		b.logger.Error(fmt.Sprintf("LSF kill failed for job %s: %v", jobID, err))
	case !lsfKillAccepted(jobID, res):
		b.logger.Error(fmt.Sprintf("LSF kill failed with returncode %d and output %q and error %q",
			res.ExitCode, strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr)))
	}

	b.killers.Add(1)
	go func() {
		defer b.killers.Done()
		timer := time.NewTimer(b.cfg.KillGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.closing:
		}
		if _, err := b.runner.Run(context.Background(), bkill, "-s", "SIGKILL", jobID); err != nil {
			b.logger.Debug("bkill -s SIGKILL failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}()
	return nil
}

func lsfKillAccepted(jobID string, res CommandResult) bool {
	if res.ExitCode != 0 || strings.TrimSpace(res.Stderr) != "" {
		return false
	}
	re := regexp.MustCompile(`Job <` + regexp.QuoteMeta(jobID) + `> is being (terminated|signaled)`)
	return re.MatchString(res.Stdout)
}

var _ Driver = (*LSFDriver)(nil)
