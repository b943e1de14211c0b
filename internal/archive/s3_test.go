package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flexinfer/realsched/internal/logging"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]string
	failKey string
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.failKey {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestArchive(t *testing.T) {
	runPath := t.TempDir()
	writeFiles(t, runPath, map[string]string{
		"OK":              "",
		"forward.stdout":  "out",
		"forward.stderr":  "err",
		"results/sim.csv": "1,2",
		"big.bin":         "ignored",
	})
	if err := os.Mkdir(filepath.Join(runPath, "logs.stdout"), 0o755); err != nil {
		t.Fatal(err)
	}

	up := &fakeUploader{}
	a, err := New(up, &Config{
		Bucket:     "b",
		PathPrefix: "/runs/",
		Patterns:   []string{"*.stdout", "*.std*", "results/*.csv", "OK"},
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Archive(context.Background(), "ens", 3, runPath); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	want := []string{
		"runs/ens/3/OK",
		"runs/ens/3/forward.stderr",
		"runs/ens/3/forward.stdout",
		"runs/ens/3/results/sim.csv",
	}
	got := up.keys()
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, got[i], want[i])
		}
	}
	if up.objects["runs/ens/3/results/sim.csv"] != "1,2" {
		t.Errorf("content = %q", up.objects["runs/ens/3/results/sim.csv"])
	}
}

func TestArchive_PartialFailure(t *testing.T) {
	runPath := t.TempDir()
	writeFiles(t, runPath, map[string]string{"a.log": "a", "b.log": "b"})

	up := &fakeUploader{failKey: "ens/0/a.log"}
	a, err := New(up, &Config{Bucket: "b", Patterns: []string{"*.log"}, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	err = a.Archive(context.Background(), "ens", 0, runPath)
	if err == nil {
		t.Fatal("Archive() error = nil, want upload failure")
	}
	if got := up.keys(); len(got) != 1 || got[0] != "ens/0/b.log" {
		t.Errorf("keys = %v, want the other file uploaded", got)
	}
}

func TestArchive_MissingRunPath(t *testing.T) {
	up := &fakeUploader{}
	a, err := New(up, &Config{Bucket: "b", Patterns: []string{"*"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Archive(context.Background(), "ens", 0, filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("Archive() error = %v, want nil for nothing to upload", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil", cfg: nil},
		{name: "no bucket", cfg: &Config{}},
		{name: "bad pattern", cfg: &Config{Bucket: "b", Patterns: []string{"[unclosed"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&fakeUploader{}, tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}
