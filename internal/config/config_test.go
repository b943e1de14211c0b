package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Backend != "local" {
		t.Errorf("Backend = %q, want local", cfg.Backend)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s, want 2s", cfg.PollInterval)
	}
	if cfg.MaxPollFailures != 10 || cfg.MaxUnknownPolls != 20 {
		t.Errorf("poll limits = %d/%d", cfg.MaxPollFailures, cfg.MaxUnknownPolls)
	}
	if cfg.MaxSubmit != 1 {
		t.Errorf("MaxSubmit = %d, want 1", cfg.MaxSubmit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REALSCHED_BACKEND", "lsf")
	t.Setenv("REALSCHED_MAX_RUNNING", "8")
	t.Setenv("REALSCHED_MAX_RUNTIME", "90m")
	t.Setenv("REALSCHED_STOP_LONG_RUNNING", "true")
	t.Setenv("LSF_EXCLUDE_HOSTS", "hostA, hostB,,")
	t.Setenv("OTEL_SAMPLE_RATE", "0.25")

	cfg := Load()

	if cfg.Backend != "lsf" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.MaxRunning != 8 {
		t.Errorf("MaxRunning = %d", cfg.MaxRunning)
	}
	if cfg.MaxRuntime != 90*time.Minute {
		t.Errorf("MaxRuntime = %s", cfg.MaxRuntime)
	}
	if !cfg.StopLongRunning {
		t.Error("StopLongRunning not set")
	}
	if want := []string{"hostA", "hostB"}; !reflect.DeepEqual(cfg.LSFExcludeHosts, want) {
		t.Errorf("LSFExcludeHosts = %v, want %v", cfg.LSFExcludeHosts, want)
	}
	if cfg.OTelSampleRate != 0.25 {
		t.Errorf("OTelSampleRate = %v", cfg.OTelSampleRate)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("REALSCHED_MAX_SUBMIT", "many")
	t.Setenv("REALSCHED_POLL_INTERVAL", "soon")

	cfg := Load()
	if cfg.MaxSubmit != 1 {
		t.Errorf("MaxSubmit = %d, want default 1", cfg.MaxSubmit)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s, want default", cfg.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"bad backend", func(c *Config) { c.Backend = "slurm" }, true},
		{"bad store", func(c *Config) { c.RunStoreType = "postgres" }, true},
		{"zero submit", func(c *Config) { c.MaxSubmit = 0 }, true},
		{"negative running", func(c *Config) { c.MaxRunning = -1 }, true},
		{"oidc without issuer", func(c *Config) { c.OIDCEnabled = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
