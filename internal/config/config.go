// Package config provides configuration loading for realsched.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the scheduler, drivers and service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	SSEHeartbeat  time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Scheduler configuration
	MaxRunning              int // 0 = unlimited
	MaxSubmit               int
	RetryBackoff            time.Duration
	MaxRuntime              time.Duration // 0 = no limit
	StopLongRunning         bool
	MinRealizations         int
	StopLongRunningInterval time.Duration

	// Driver configuration
	Backend         string // "local", "lsf", "openpbs" or "k8s"
	PollInterval    time.Duration
	MaxPollFailures int
	MaxUnknownPolls int
	TerminateGrace  time.Duration
	SubmitRetries   int
	JobPrefix       string

	// LSF
	LSFQueue        string
	LSFProject      string
	LSFResReq       string
	LSFExcludeHosts []string
	LSFBinPath      string

	// OpenPBS
	PBSQueue          string
	PBSNumNodes       int
	PBSNumCPUsPerNode int
	PBSMemoryPerJob   string
	PBSClusterLabel   string
	PBSKeepQsubOutput bool
	PBSBinPath        string

	// K8s configuration
	K8sNamespace      string
	K8sInCluster      bool
	K8sKubeconfig     string
	K8sImage          string
	K8sPVC            string
	K8sServiceAccount string

	// Dispatch / monitor connection
	DispatchURL           string
	DispatchCertPath      string
	DispatchToken         string
	DispatchSigningKey    string
	DispatchTokenTTL      time.Duration
	PublisherMaxReconnect int

	// Archive (S3/MinIO)
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathPrefix      string
	S3UsePathStyle    bool
	ArchivePatterns   []string

	// Tracing
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRate  float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		SSEHeartbeat:  getDuration("SSE_HEARTBEAT", 15*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("REALSCHED_RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Scheduler
		MaxRunning:              getInt("REALSCHED_MAX_RUNNING", 0),
		MaxSubmit:               getInt("REALSCHED_MAX_SUBMIT", 1),
		RetryBackoff:            getDuration("REALSCHED_RETRY_BACKOFF", 2*time.Second),
		MaxRuntime:              getDuration("REALSCHED_MAX_RUNTIME", 0),
		StopLongRunning:         getBool("REALSCHED_STOP_LONG_RUNNING", false),
		MinRealizations:         getInt("REALSCHED_MIN_REALIZATIONS", 0),
		StopLongRunningInterval: getDuration("REALSCHED_STOP_LONG_RUNNING_INTERVAL", 10*time.Second),

		// Driver
		Backend:         getEnv("REALSCHED_BACKEND", "local"),
		PollInterval:    getDuration("REALSCHED_POLL_INTERVAL", 2*time.Second),
		MaxPollFailures: getInt("REALSCHED_MAX_POLL_FAILURES", 10),
		MaxUnknownPolls: getInt("REALSCHED_MAX_UNKNOWN_POLLS", 20),
		TerminateGrace:  getDuration("REALSCHED_TERMINATE_GRACE", 10*time.Second),
		SubmitRetries:   getInt("REALSCHED_SUBMIT_RETRIES", 10),
		JobPrefix:       getEnv("REALSCHED_JOB_PREFIX", ""),

		// LSF
		LSFQueue:        getEnv("LSF_QUEUE", ""),
		LSFProject:      getEnv("LSF_PROJECT_CODE", ""),
		LSFResReq:       getEnv("LSF_RESOURCE", ""),
		LSFExcludeHosts: getStringSlice("LSF_EXCLUDE_HOSTS", nil),
		LSFBinPath:      getEnv("LSF_BIN_PATH", ""),

		// OpenPBS
		PBSQueue:          getEnv("PBS_QUEUE", ""),
		PBSNumNodes:       getInt("PBS_NUM_NODES", 0),
		PBSNumCPUsPerNode: getInt("PBS_NUM_CPUS_PER_NODE", 0),
		PBSMemoryPerJob:   getEnv("PBS_MEMORY_PER_JOB", ""),
		PBSClusterLabel:   getEnv("PBS_CLUSTER_LABEL", ""),
		PBSKeepQsubOutput: getBool("PBS_KEEP_QSUB_OUTPUT", false),
		PBSBinPath:        getEnv("PBS_BIN_PATH", ""),

		// K8s
		K8sNamespace:      getEnv("K8S_NAMESPACE", "realsched"),
		K8sInCluster:      getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig:     getEnv("KUBECONFIG", ""),
		K8sImage:          getEnv("K8S_IMAGE", "busybox:1.36"),
		K8sPVC:            getEnv("K8S_RUNPATH_PVC", ""),
		K8sServiceAccount: getEnv("K8S_SERVICE_ACCOUNT", ""),

		// Dispatch
		DispatchURL:           getEnv("DISPATCH_URL", ""),
		DispatchCertPath:      getEnv("DISPATCH_CERT_PATH", ""),
		DispatchToken:         getEnv("DISPATCH_TOKEN", ""),
		DispatchSigningKey:    getEnv("DISPATCH_SIGNING_KEY", ""),
		DispatchTokenTTL:      getDuration("DISPATCH_TOKEN_TTL", 72*time.Hour),
		PublisherMaxReconnect: getInt("PUBLISHER_MAX_RECONNECT", 5),

		// Archive
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PathPrefix:      getEnv("S3_PATH_PREFIX", "realsched"),
		S3UsePathStyle:    getBool("S3_USE_PATH_STYLE", true),
		ArchivePatterns:   getStringSlice("ARCHIVE_PATTERNS", []string{"*.STATUS", "OK", "ERROR", "jobs.json"}),

		// Tracing
		OTelEnabled:     getBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "realsched"),
		OTelSampleRate:  getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate rejects combinations no component can run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "local", "lsf", "openpbs", "k8s":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.RunStoreType {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown run store %q", c.RunStoreType)
	}
	if c.MaxSubmit < 1 {
		return fmt.Errorf("max submit must be at least 1, got %d", c.MaxSubmit)
	}
	if c.MaxRunning < 0 {
		return fmt.Errorf("max running must not be negative, got %d", c.MaxRunning)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.OIDCEnabled && c.OIDCIssuer == "" {
		return fmt.Errorf("OIDC_ENABLED requires OIDC_ISSUER")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
