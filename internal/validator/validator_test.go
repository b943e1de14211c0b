package validator

import (
	"errors"
	"strings"
	"testing"
)

const validYAML = `
name: poly
experiment_id: exp-1
executable: ./forward.sh
args: ["--fast"]
max_running: 2
max_runtime_seconds: 60
realizations:
  - iens: 0
    run_path: /scratch/poly/real-0
  - iens: 1
    run_path: /scratch/poly/real-1
    executable: ./other.sh
    args: []
`

func TestLoad_YAML(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m, res := v.Load([]byte(validYAML))
	if !res.Valid {
		t.Fatalf("Load() invalid: %+v", res.Errors)
	}
	if m.Name != "poly" || m.MaxRunning != 2 || len(m.Realizations) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
	args := m.RunArgs()
	if args[0].Executable != "./forward.sh" || len(args[0].Args) != 1 {
		t.Errorf("realization 0 = %+v, want manifest defaults", args[0])
	}
	if args[1].Executable != "./other.sh" || len(args[1].Args) != 0 {
		t.Errorf("realization 1 = %+v, want its own executable and no args", args[1])
	}
	if args[0].MaxRuntime.Seconds() != 60 {
		t.Errorf("MaxRuntime = %v, want 60s", args[0].MaxRuntime)
	}
}

func TestLoad_JSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	m, res := v.Load([]byte(`{"name":"j","executable":"/bin/true","realizations":[{"iens":4,"run_path":"/tmp/r4"}]}`))
	if !res.Valid {
		t.Fatalf("Load() invalid: %+v", res.Errors)
	}
	if m.Realizations[0].Iens != 4 {
		t.Errorf("iens = %d, want 4", m.Realizations[0].Iens)
	}
}

func TestLoad_Invalid(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name     string
		doc      string
		wantPath string
	}{
		{
			name:     "missing realizations",
			doc:      `{"name":"x","executable":"a"}`,
			wantPath: "$",
		},
		{
			name:     "negative iens",
			doc:      `{"name":"x","executable":"a","realizations":[{"iens":-1,"run_path":"/r"}]}`,
			wantPath: "/realizations/0/iens",
		},
		{
			name:     "unknown field",
			doc:      `{"name":"x","executable":"a","bogus":1,"realizations":[{"iens":0,"run_path":"/r"}]}`,
			wantPath: "$",
		},
		{
			name:     "duplicate iens",
			doc:      `{"name":"x","executable":"a","realizations":[{"iens":0,"run_path":"/r"},{"iens":0,"run_path":"/s"}]}`,
			wantPath: "/realizations/1/iens",
		},
		{
			name:     "no executable",
			doc:      `{"name":"x","realizations":[{"iens":0,"run_path":"/r"}]}`,
			wantPath: "/realizations/0/executable",
		},
		{
			name:     "bad yaml",
			doc:      "name: [unclosed",
			wantPath: "$",
		},
		{
			name:     "bad json",
			doc:      `{"name":`,
			wantPath: "$",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, res := v.Load([]byte(tt.doc))
			if res.Valid || m != nil {
				t.Fatalf("Load() valid, want failure")
			}
			found := false
			for _, e := range res.Errors {
				if e.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %+v, want one at %s", res.Errors, tt.wantPath)
			}
			if err := res.Err(); !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("Err() = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestValidationResult_Err(t *testing.T) {
	if err := (&ValidationResult{Valid: true}).Err(); err != nil {
		t.Errorf("Err() on valid result = %v", err)
	}
	res := &ValidationResult{}
	for i := 0; i < 8; i++ {
		res.Errors = append(res.Errors, ValidationError{Path: "/p", Message: "m"})
	}
	if msg := res.Err().Error(); !strings.Contains(msg, "and 3 more") {
		t.Errorf("Err() = %q, want truncation", msg)
	}
}
