package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
)

// JobsFileName is the per-realization job description in each run path.
const JobsFileName = "jobs.json"

// dispatchFields are the keys merged into every jobs file.
type dispatchFields struct {
	EnsembleID   string  `json:"ens_id"`
	RealID       string  `json:"real_id"`
	DispatchURL  string  `json:"dispatch_url"`
	Token        *string `json:"ee_token"`
	CertPath     *string `json:"ee_cert_path"`
	ExperimentID string  `json:"experiment_id"`
}

// AddDispatchInformationToJobsFile merges the monitor connection details into
// jobs.json of every registered realization. Existing keys are preserved and
// a missing file is created.
func (s *Scheduler) AddDispatchInformationToJobsFile() error {
	var result *multierror.Error
	for _, job := range s.sortedJobsLocked() {
		if job.arg.RunPath == "" {
			continue
		}
		fields := dispatchFields{
			EnsembleID:   s.cfg.EnsembleID,
			RealID:       strconv.Itoa(job.arg.Iens),
			DispatchURL:  s.cfg.Dispatch.URL,
			Token:        optional(s.cfg.Dispatch.Token),
			CertPath:     optional(s.cfg.Dispatch.CertPath),
			ExperimentID: s.cfg.ExperimentID,
		}
		if err := updateJobsFile(filepath.Join(job.arg.RunPath, JobsFileName), fields); err != nil {
			result = multierror.Append(result, fmt.Errorf("realization %d: %w", job.arg.Iens, err))
		}
	}
	return result.ErrorOrNil()
}

func updateJobsFile(path string, fields dispatchFields) error {
	data := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case len(bytes.TrimSpace(raw)) > 0:
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Round-trip through JSON so the field names match the struct tags.
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return err
	}
	for k, v := range merged {
		data[k] = v
	}

	out, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
