// Package config loads process settings from the environment and manages the
// orchestrator's YAML file of queues, tool registries and workflow services.
package config

import (
	"path/filepath"
	"time"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendSQLite  = "sqlite"
	BackendSynapse = "synapse"
	BackendMemory  = "memory"
)

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	ConfigPath string // orchestrator YAML (queues, toolregistries, workflowservices)
	WorkDir    string // where synthesized workflow documents are written

	StoreBackend string
	StoreDSN     string // sqlite database path
	SynapseURL   string
	SynapseToken string

	DefaultWESID         string
	PollSchedule         string
	SchedulerConcurrency int
	InitialPollDelay     time.Duration // 0 disables the post-dispatch status poll

	AnnotateRetryWait     time.Duration
	AnnotateRetryAttempts int

	WESRequestsPerSecond float64

	PrepullImages bool
	NotifyURL     string
	NotifySecret  string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	workDir := GetEnv("WORK_DIR", filepath.Join(".", "work"))
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		ConfigPath: GetEnv("WFINTEROP_CONFIG", "wfinterop.yaml"),
		WorkDir:    workDir,

		StoreBackend: GetEnv("STORE_BACKEND", BackendSQLite),
		StoreDSN:     GetEnv("STORE_DSN", filepath.Join(workDir, "submissions.db")),
		SynapseURL:   GetEnv("SYNAPSE_URL", "https://repo-prod.prod.sagebase.org/repo/v1"),
		SynapseToken: GetSecretFile(GetEnv("SYNAPSE_TOKEN_FILE", "")),

		DefaultWESID:         GetEnv("DEFAULT_WES_ID", "local"),
		PollSchedule:         GetEnv("POLL_SCHEDULE", "@every 30s"),
		SchedulerConcurrency: GetIntEnv("SCHEDULER_CONCURRENCY", 4),
		InitialPollDelay:     GetDurationEnv("INITIAL_POLL_DELAY", 0),

		AnnotateRetryWait:     GetDurationEnv("ANNOTATE_RETRY_WAIT", 3*time.Second),
		AnnotateRetryAttempts: GetIntEnv("ANNOTATE_RETRY_ATTEMPTS", 10),

		WESRequestsPerSecond: float64(GetIntEnv("WES_REQUESTS_PER_SECOND", 10)),

		PrepullImages: GetBoolEnv("PREPULL_IMAGES", false),
		NotifyURL:     GetEnv("NOTIFY_URL", ""),
		NotifySecret:  GetSecretFile(GetEnv("NOTIFY_SECRET_FILE", "")),
	}
}
