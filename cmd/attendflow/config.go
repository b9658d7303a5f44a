package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Duration is a time.Duration that reads "30s" style strings from JSON and env.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all attendflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path" envconfig:"DB_PATH"`
	LogLevel    string `json:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat   string `json:"log_format" envconfig:"LOG_FORMAT"`
	MetricsAddr string `json:"metrics_addr" envconfig:"METRICS_ADDR"`

	RunnerInterval  Duration `json:"runner_interval" envconfig:"RUNNER_INTERVAL"`
	RunnerLockTTL   Duration `json:"runner_lock_ttl" envconfig:"RUNNER_LOCK_TTL"`
	RunnerBatchSize int      `json:"runner_batch_size" envconfig:"RUNNER_BATCH_SIZE"`
	RunnerWorkers   int      `json:"runner_workers" envconfig:"RUNNER_WORKERS"`

	SchedulerInterval Duration `json:"scheduler_interval" envconfig:"SCHEDULER_INTERVAL"`

	DispatchInterval  Duration `json:"dispatch_interval" envconfig:"DISPATCH_INTERVAL"`
	DispatchBatchSize int      `json:"dispatch_batch_size" envconfig:"DISPATCH_BATCH_SIZE"`
	DispatchRate      float64  `json:"dispatch_rate" envconfig:"DISPATCH_RATE"`

	OutboxMaxAttempts int      `json:"outbox_max_attempts" envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxBaseDelay   Duration `json:"outbox_base_delay" envconfig:"OUTBOX_BASE_DELAY"`
	OutboxMaxDelay    Duration `json:"outbox_max_delay" envconfig:"OUTBOX_MAX_DELAY"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(dataDir(), "attendflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		RunnerInterval:    Duration(time.Minute),
		RunnerLockTTL:     Duration(2 * time.Minute),
		RunnerBatchSize:   200,
		RunnerWorkers:     4,
		SchedulerInterval: Duration(30 * time.Second),
		DispatchInterval:  Duration(15 * time.Second),
		DispatchBatchSize: 50,
		DispatchRate:      10,
		OutboxMaxAttempts: 5,
		OutboxBaseDelay:   Duration(30 * time.Second),
		OutboxMaxDelay:    Duration(time.Hour),
	}
}

// dataDir is $ATTENDFLOW_HOME, or ~/.attendflow.
func dataDir() string {
	if h := strings.TrimSpace(os.Getenv("ATTENDFLOW_HOME")); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".attendflow"
	}
	return filepath.Join(home, ".attendflow")
}

func settingsPath() string {
	return filepath.Join(dataDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path and ATTENDFLOW_* env vars.
// A missing settings file is not an error; an unreadable or invalid one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := envconfig.Process("ATTENDFLOW", &cfg); err != nil {
		return cfg, fmt.Errorf("env config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is empty")
	}
	if c.RunnerInterval <= 0 || c.SchedulerInterval <= 0 || c.DispatchInterval <= 0 {
		problems = append(problems, "loop intervals must be positive")
	}
	if c.RunnerLockTTL.Std() <= c.RunnerInterval.Std()/2 {
		problems = append(problems, "runner_lock_ttl must exceed half the runner interval")
	}
	if c.OutboxMaxAttempts < 1 {
		problems = append(problems, "outbox_max_attempts must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// dsn returns the libSQL file URI for the configured database path.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
