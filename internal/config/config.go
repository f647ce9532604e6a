package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for any pipeworks process: the
// bucket, the hub, or a worker. Each process reads only the sections it
// needs; unused sections are harmless.
type Config struct {
	Bucket  BucketConfig  `toml:"bucket"`
	Hub     HubConfig     `toml:"hub"`
	Worker  WorkerConfig  `toml:"worker"`
	Cleaner CleanerConfig `toml:"cleaner"`
	OTEL    OTELConfig    `toml:"otel"`
}

// BucketConfig configures the content-store server.
type BucketConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	DataDir       string `toml:"data_dir"`
	MaxMemoryMB   int    `toml:"max_memory_mb"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// HubConfig configures the scheduler server and its backing store.
type HubConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	StoreBackend       string `toml:"store_backend"` // "memory", "sqlite", "postgres"
	SQLitePath         string `toml:"sqlite_path"`
	PostgresDSN        string `toml:"postgres_dsn"`
	BucketAddr         string `toml:"bucket_addr"`
	DefaultPendingSecs int    `toml:"default_pending_secs"`
	ReaperIntervalSecs int    `toml:"reaper_interval_secs"`
}

// WorkerConfig configures one worker process's scheduling loop.
type WorkerConfig struct {
	HubAddr            string           `toml:"hub_addr"`
	BucketAddr         string           `toml:"bucket_addr"`
	Scopes             []string         `toml:"scopes"`
	Reverse            bool             `toml:"reverse"`
	BatchSize          int              `toml:"batch_size"`
	Concurrency        int              `toml:"concurrency"`
	JobTimeoutSecs     int              `toml:"job_timeout_secs"`
	LeaseDurationSecs  int              `toml:"lease_duration_secs"`
	PendingDelaySecs   int              `toml:"pending_delay_secs"`
	PollIntervalSecs   int              `toml:"poll_interval_secs"`
	RestartIntervalMin int              `toml:"restart_interval_min"`
	QueuePath          string           `toml:"queue_path"`
	Subprocess         SubprocessConfig `toml:"subprocess"`
}

// SubprocessConfig configures subprocess-mode step execution.
type SubprocessConfig struct {
	Bin            string `toml:"bin"`
	EnvPassthrough bool   `toml:"env_passthrough"`
}

// CleanerConfig configures the scratch-directory sweeper.
type CleanerConfig struct {
	Dirs        []string `toml:"dirs"`
	Prefix      string   `toml:"prefix"`
	MaxAgeHours int      `toml:"max_age_hours"`
	IntervalMin int      `toml:"interval_min"`
}

// OTELConfig configures the observability bootstrap. Exporter endpoints
// themselves come from the standard OTEL_EXPORTER_OTLP_* environment
// variables; ServiceName just labels this process's resource.
type OTELConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with every field set to a usable default.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Bucket: BucketConfig{
			Host:        "0.0.0.0",
			Port:        7777,
			DataDir:     ".bucket",
			MaxMemoryMB: 50,
		},
		Hub: HubConfig{
			Host:               "0.0.0.0",
			Port:               7778,
			StoreBackend:       "sqlite",
			SQLitePath:         filepath.Join(home, "pipeworks-hub.db"),
			DefaultPendingSecs: 30,
			ReaperIntervalSecs: 60,
		},
		Worker: WorkerConfig{
			HubAddr:            "127.0.0.1:7778",
			BucketAddr:         "127.0.0.1:7777",
			Scopes:             []string{"default"},
			BatchSize:          15,
			Concurrency:        15,
			JobTimeoutSecs:     7200,
			LeaseDurationSecs:  7200,
			PendingDelaySecs:   30,
			PollIntervalSecs:   5,
			RestartIntervalMin: 120,
			QueuePath:          filepath.Join(".bue", "worker_queue.queue"),
		},
		Cleaner: CleanerConfig{
			Prefix:      "temp_",
			MaxAgeHours: 3,
			IntervalMin: 10,
		},
		OTEL: OTELConfig{
			ServiceName: "pipeworks",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). path
// defaults to "pipeworks.toml" in the working directory; a missing file is
// not an error, since defaults plus env vars are a complete configuration.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "pipeworks.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("PIPEWORKS_BUCKET_ADDR"); v != "" {
		cfg.Worker.BucketAddr = v
		cfg.Hub.BucketAddr = v
	}
	if v := os.Getenv("PIPEWORKS_HUB_ADDR"); v != "" {
		cfg.Worker.HubAddr = v
	}
	if v := os.Getenv("PIPEWORKS_HUB_STORE_BACKEND"); v != "" {
		cfg.Hub.StoreBackend = v
	}
	if v := os.Getenv("PIPEWORKS_POSTGRES_DSN"); v != "" {
		cfg.Hub.PostgresDSN = v
	}
	if v := os.Getenv("PIPEWORKS_SQLITE_PATH"); v != "" {
		cfg.Hub.SQLitePath = v
	}
	if v := os.Getenv("PIPEWORKS_REDIS_ADDR"); v != "" {
		cfg.Bucket.RedisAddr = v
	}
	if v := os.Getenv("PIPEWORKS_REDIS_PASSWORD"); v != "" {
		cfg.Bucket.RedisPassword = v
	}
	if v := os.Getenv("PIPEWORKS_WORKER_SCOPES"); v != "" {
		cfg.Worker.Scopes = strings.Split(v, ",")
	}
	if os.Getenv("PIPEWORKS_OTEL_ENABLED") == "true" || os.Getenv("PIPEWORKS_OTEL_ENABLED") == "1" {
		cfg.OTEL.Enabled = true
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.OTEL.ServiceName = v
	}

	return cfg
}
