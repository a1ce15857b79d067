package cluster

import (
	"hpcorchestrator/internal/config"
	"time"
)

// Credentials identifies one restricted login on the ingress host. Each key
// is bound remotely to its own forced command.
type Credentials struct {
	User    string
	KeyFile string
}

// Config holds connection settings for the cluster ingress host.
type Config struct {
	Addr           string // host:port of the ingress node
	KnownHostsFile string

	Submit Credentials // store, trigger and remove scripts (default user: slurm_submit)
	Status Credentials // status query (default user: slurm_status)
	Fetch  Credentials // read-only SFTP on scratch (default user: slurm_fetch)

	RemoteScriptDir string // default: /home/slurm_submit/jobs
	ScratchRoot     string // default: /scratch/accessible-pdf
	LocalTempDir    string // default: os.TempDir()

	DialTimeout     time.Duration // default: 10s
	TransferTimeout time.Duration // default: 30s
	TriggerTimeout  time.Duration // default: 60s
	StatusTimeout   time.Duration // default: 15s
	FetchTimeout    time.Duration // default: 2m

	MaxArtifactBytes int64 // per file (default: 256 MiB)

	BreakerThreshold int           // default: 5
	BreakerCooldown  time.Duration // default: 30s
}

// LoadConfigFromEnv loads cluster configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Addr:           config.GetEnv("CLUSTER_ADDR", ""),
		KnownHostsFile: config.GetEnv("CLUSTER_KNOWN_HOSTS", ""),
		Submit: Credentials{
			User:    config.GetEnv("CLUSTER_SUBMIT_USER", "slurm_submit"),
			KeyFile: config.GetEnv("CLUSTER_SUBMIT_KEY_FILE", ""),
		},
		Status: Credentials{
			User:    config.GetEnv("CLUSTER_STATUS_USER", "slurm_status"),
			KeyFile: config.GetEnv("CLUSTER_STATUS_KEY_FILE", ""),
		},
		Fetch: Credentials{
			User:    config.GetEnv("CLUSTER_FETCH_USER", "slurm_fetch"),
			KeyFile: config.GetEnv("CLUSTER_FETCH_KEY_FILE", ""),
		},
		RemoteScriptDir:  config.GetEnv("CLUSTER_REMOTE_SCRIPT_DIR", "/home/slurm_submit/jobs"),
		ScratchRoot:      config.GetEnv("CLUSTER_SCRATCH_ROOT", "/scratch/accessible-pdf"),
		LocalTempDir:     config.GetEnv("CLUSTER_LOCAL_TEMP_DIR", ""),
		DialTimeout:      config.GetDurationEnv("CLUSTER_DIAL_TIMEOUT", 10*time.Second),
		TransferTimeout:  config.GetDurationEnv("CLUSTER_TRANSFER_TIMEOUT", 30*time.Second),
		TriggerTimeout:   config.GetDurationEnv("CLUSTER_TRIGGER_TIMEOUT", 60*time.Second),
		StatusTimeout:    config.GetDurationEnv("CLUSTER_STATUS_TIMEOUT", 15*time.Second),
		FetchTimeout:     config.GetDurationEnv("CLUSTER_FETCH_TIMEOUT", 2*time.Minute),
		MaxArtifactBytes: config.GetInt64Env("CLUSTER_MAX_ARTIFACT_BYTES", 256<<20),
		BreakerThreshold: config.GetIntEnv("CLUSTER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("CLUSTER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Submit.User == "" {
		c.Submit.User = "slurm_submit"
	}
	if c.Status.User == "" {
		c.Status.User = "slurm_status"
	}
	if c.Fetch.User == "" {
		c.Fetch.User = "slurm_fetch"
	}
	if c.RemoteScriptDir == "" {
		c.RemoteScriptDir = "/home/slurm_submit/jobs"
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = "/scratch/accessible-pdf"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 30 * time.Second
	}
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = 60 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = 256 << 20
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
