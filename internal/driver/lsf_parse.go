package driver

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/flexinfer/realsched/pkg/types"
)

var lsfSubmittedRe = regexp.MustCompile(`Job <([0-9]+)> is submitted`)

// lsfStates maps bjobs STAT values to job phases.
var lsfStates = map[string]jobStatus{
	"PEND":  {phase: phaseQueued},
	"RUN":   {phase: phaseRunning},
	"PSUSP": {phase: phaseRunning},
	"USUSP": {phase: phaseRunning},
	"SSUSP": {phase: phaseRunning},
	"DONE":  {phase: phaseFinished, returnCode: 0},
	"PDONE": {phase: phaseFinished, returnCode: 0},
	"EXIT":  {phase: phaseFinished, returnCode: types.ReturnCodeClusterFailed},
	"ZOMBI": {phase: phaseFinished, returnCode: types.ReturnCodeClusterFailed},
	"UNKWN": {phase: phaseUnknown},
}

// parseBjobs extracts job id to STAT from default bjobs output. The header is
// optional, trailing columns are ignored and continuation lines of a wrapped
// EXEC_HOST column are skipped. Unknown states are logged and dropped.
func parseBjobs(output string, logger *slog.Logger) map[string]string {
	jobs := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !isJobID(fields[0]) {
			continue
		}
		state := fields[2]
		if _, ok := lsfStates[state]; !ok {
			if logger != nil {
				logger.Warn("Unknown state " + state)
			}
			continue
		}
		jobs[fields[0]] = state
	}
	return jobs
}

// bhistTimes is the pending and running seconds bhist accounts for a job.
type bhistTimes struct {
	pending int
	running int
}

// parseBhist reads the summary table of bhist: JOBID USER JOB_NAME PEND PSUSP
// RUN ... A job name containing one space shifts the columns by one.
func parseBhist(output string) map[string]bhistTimes {
	jobs := make(map[string]bhistTimes)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !isJobID(fields[0]) {
			continue
		}
		offset := 0
		if len(fields) == 11 {
			offset = 1
		}
		if len(fields) < 6+offset {
			continue
		}
		pend, err1 := strconv.Atoi(fields[3+offset])
		run, err2 := strconv.Atoi(fields[5+offset])
		if err1 != nil || err2 != nil {
			continue
		}
		jobs[fields[0]] = bhistTimes{pending: pend, running: run}
	}
	return jobs
}

// bhistStates derives LSF states by comparing two bhist snapshots: growing
// run time means RUN, growing pend time means PEND, and no change at all means
// the job has left the system. Jobs missing from the old snapshot are skipped.
func bhistStates(previous, current map[string]bhistTimes) map[string]string {
	states := make(map[string]string)
	for id, now := range current {
		before, ok := previous[id]
		if !ok {
			continue
		}
		switch {
		case now.running > before.running:
			states[id] = "RUN"
		case now.pending > before.pending:
			states[id] = "PEND"
		case now.running == before.running && now.pending == before.pending:
			states[id] = "DONE"
		}
	}
	return states
}

// buildResourceRequirementString merges excluded hosts into an LSF -R string,
// extending an existing select[] section or appending a new one.
func buildResourceRequirementString(excludeHosts []string, resourceRequirement string) string {
	var terms []string
	for _, host := range excludeHosts {
		if host = strings.TrimSpace(host); host != "" {
			terms = append(terms, "hname!='"+host+"'")
		}
	}
	if len(terms) == 0 {
		return resourceRequirement
	}
	hostSelect := strings.Join(terms, " && ")

	if i := strings.Index(resourceRequirement, "select["); i >= 0 {
		end := strings.Index(resourceRequirement[i:], "]")
		if end >= 0 {
			end += i
			return resourceRequirement[:end] + " && " + hostSelect + resourceRequirement[end:]
		}
	}
	if resourceRequirement == "" {
		return "select[" + hostSelect + "]"
	}
	return resourceRequirement + " select[" + hostSelect + "]"
}

func isJobID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
