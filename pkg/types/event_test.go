package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRealizationEventType(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateWaiting, "realsched.realization.waiting"},
		{StateSubmitting, "realsched.realization.submitted"},
		{StateStarting, "realsched.realization.pending"},
		{StateRunning, "realsched.realization.running"},
		{StateAborting, "realsched.realization.do_kill"},
		{StateCompleted, "realsched.realization.success"},
		{StateFailed, "realsched.realization.failed"},
		{StateAborted, "realsched.realization.is_killed"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := RealizationEventType(tt.state); got != tt.want {
				t.Errorf("RealizationEventType(%s) = %q, want %q", tt.state, got, tt.want)
			}
			ev := NewRealizationEvent("ens", 3, 1, tt.state)
			if ev.State() != tt.state {
				t.Errorf("round trip state = %q, want %q", ev.State(), tt.state)
			}
		})
	}
}

func TestNewRealizationEventShape(t *testing.T) {
	ev := NewRealizationEvent("abc", 42, 2, StateFailed).WithReturnCode(1).WithMessage("boom")
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["specversion"] != "1.0" {
		t.Errorf("specversion = %v", m["specversion"])
	}
	if m["source"] != "/etc/ensemble/abc/real/42" {
		t.Errorf("source = %v", m["source"])
	}
	payload := m["data"].(map[string]any)
	if payload["queue_event_type"] != "FAILED" {
		t.Errorf("queue_event_type = %v", payload["queue_event_type"])
	}
	if payload["returncode"] != float64(1) {
		t.Errorf("returncode = %v", payload["returncode"])
	}
	if payload["attempt"] != float64(2) {
		t.Errorf("attempt = %v", payload["attempt"])
	}
}

func TestEnsembleEventHasNoState(t *testing.T) {
	ev := NewEnsembleEvent("abc", EventTypeEnsembleCancelled)
	if ev.Source != "/etc/ensemble/abc" {
		t.Errorf("source = %q", ev.Source)
	}
	if ev.State() != "" {
		t.Errorf("ensemble event state = %q, want empty", ev.State())
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		source   string
		wantEns  string
		wantIens int
		wantErr  bool
	}{
		{"/etc/ensemble/e1/real/7", "e1", 7, false},
		{"/etc/ensemble/e1", "e1", -1, false},
		{"/etc/ensemble/e1/real/x", "", -1, true},
		{"/etc/ensemble/e1/real/-3", "", -1, true},
		{"/somewhere/else", "", -1, true},
		{"/etc/ensemble/", "", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			ens, iens, err := ParseSource(tt.source)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ens != tt.wantEns || iens != tt.wantIens {
				t.Errorf("got (%q, %d), want (%q, %d)", ens, iens, tt.wantEns, tt.wantIens)
			}
		})
	}
}

func TestStateOrdering(t *testing.T) {
	if !StateSubmitting.Precedes(StateRunning) {
		t.Error("SUBMITTING should precede RUNNING")
	}
	if StateCompleted.Precedes(StateRunning) {
		t.Error("COMPLETED should not precede RUNNING")
	}
	for _, s := range []State{StateCompleted, StateFailed, StateAborted} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StateAborting.Terminal() {
		t.Error("ABORTING should not be terminal")
	}
}

func TestEventToSSE(t *testing.T) {
	e := &Event{ID: "1-0", EnsembleID: "ens", Type: "realsched.realization.running"}
	out := string(e.ToSSE())
	if !strings.HasPrefix(out, "id: 1-0\nevent: realsched.realization.running\ndata: {") {
		t.Errorf("unexpected SSE framing: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Errorf("SSE frame must end with blank line: %q", out)
	}
}

func TestManifestRunArgs(t *testing.T) {
	m := &Manifest{
		Name:              "poly",
		Executable:        "/bin/true",
		Args:              []string{"-x"},
		MaxRuntimeSeconds: 5,
		Realizations: []RunArg{
			{Iens: 0, RunPath: "/tmp/r0"},
			{Iens: 1, RunPath: "/tmp/r1", Executable: "/bin/false", Args: []string{}},
		},
	}
	args := m.RunArgs()
	if args[0].Executable != "/bin/true" || args[0].Args[0] != "-x" || args[0].JobName != "poly" {
		t.Errorf("defaults not applied: %+v", args[0])
	}
	if args[1].Executable != "/bin/false" || len(args[1].Args) != 0 {
		t.Errorf("overrides lost: %+v", args[1])
	}
	if args[0].MaxRuntime.Seconds() != 5 {
		t.Errorf("max runtime = %v", args[0].MaxRuntime)
	}
}
