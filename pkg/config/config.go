package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Engine    EngineConfig    `toml:"engine"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Deploy    DeployConfig    `toml:"deploy"`
	Logging   LoggingConfig   `toml:"logging"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

type EngineConfig struct {
	Concurrency     int    `toml:"concurrency"`
	StageTimeout    string `toml:"stage_timeout"`
	RetryAttempts   int    `toml:"retry_attempts"`
	RetryDelay      string `toml:"retry_delay"`
	EventBufferSize int    `toml:"event_buffer_size"`

	StageTimeoutD time.Duration `toml:"-"`
	RetryDelayD   time.Duration `toml:"-"`
}

// ArtifactsConfig selects and configures the artifact store backend.
// Backend is one of "fs", "memory", "minio", "http".
type ArtifactsConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`

	MinioEndpoint  string `toml:"minio_endpoint"`
	MinioAccessKey string `toml:"minio_access_key"`
	MinioSecretKey string `toml:"minio_secret_key"`
	MinioBucket    string `toml:"minio_bucket"`
	MinioRegion    string `toml:"minio_region"`
	MinioUseSSL    bool   `toml:"minio_use_ssl"`

	RepoURL      string `toml:"repo_url"`
	RepoUsername string `toml:"repo_username"`
	RepoPassword string `toml:"repo_password"`
}

type DeployConfig struct {
	HealthPath      string         `toml:"health_path"`
	HealthInterval  string         `toml:"health_interval"`
	HealthMaxChecks int            `toml:"health_max_checks"`
	LockWait        string         `toml:"lock_wait"` // "block" or "fail"
	StopTimeoutSec  int            `toml:"stop_timeout_sec"`
	Targets         []DeployTarget `toml:"targets"`

	HealthIntervalD time.Duration `toml:"-"`
}

type DeployTarget struct {
	Name          string `toml:"name"`
	BluePort      int    `toml:"blue_port"`
	GreenPort     int    `toml:"green_port"`
	ContainerPort int    `toml:"container_port"`
	HealthPath    string `toml:"health_path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conveyor")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
		},
		Engine: EngineConfig{
			Concurrency:     4,
			StageTimeout:    "10m",
			RetryAttempts:   3,
			RetryDelay:      "2s",
			EventBufferSize: 256,
		},
		Artifacts: ArtifactsConfig{
			Backend:     "fs",
			Dir:         filepath.Join(dataDir, "artifacts"),
			MinioBucket: "conveyor-artifacts",
		},
		Deploy: DeployConfig{
			HealthPath:      "/healthz",
			HealthInterval:  "2s",
			HealthMaxChecks: 10,
			LockWait:        "block",
			StopTimeoutSec:  30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File:   filepath.Join(dataDir, "logs", "conveyor.log"),
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Engine.StageTimeoutD, err = time.ParseDuration(c.Engine.StageTimeout); err != nil {
		return fmt.Errorf("parse engine.stage_timeout: %w", err)
	}

	if c.Engine.RetryDelayD, err = time.ParseDuration(c.Engine.RetryDelay); err != nil {
		return fmt.Errorf("parse engine.retry_delay: %w", err)
	}

	if c.Deploy.HealthIntervalD, err = time.ParseDuration(c.Deploy.HealthInterval); err != nil {
		return fmt.Errorf("parse deploy.health_interval: %w", err)
	}

	c.General.DataDir, err = expandPath(c.General.DataDir)
	if err != nil {
		return fmt.Errorf("expand general.data_dir: %w", err)
	}

	c.Artifacts.Dir, err = expandPath(c.Artifacts.Dir)
	if err != nil {
		return fmt.Errorf("expand artifacts.dir: %w", err)
	}

	c.Logging.File, err = expandPath(c.Logging.File)
	if err != nil {
		return fmt.Errorf("expand logging.file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency)
	}

	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("engine.retry_attempts must be at least 1, got %d", c.Engine.RetryAttempts)
	}

	validBackends := map[string]bool{"fs": true, "memory": true, "minio": true, "http": true}
	if !validBackends[c.Artifacts.Backend] {
		return fmt.Errorf("invalid artifacts backend: %s (valid: fs, memory, minio, http)", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "minio" && c.Artifacts.MinioEndpoint == "" {
		return fmt.Errorf("artifacts.minio_endpoint is required for the minio backend")
	}
	if c.Artifacts.Backend == "http" && c.Artifacts.RepoURL == "" {
		return fmt.Errorf("artifacts.repo_url is required for the http backend")
	}

	if c.Deploy.LockWait != "block" && c.Deploy.LockWait != "fail" {
		return fmt.Errorf("invalid deploy.lock_wait: %s (valid: block, fail)", c.Deploy.LockWait)
	}
	if c.Deploy.HealthMaxChecks < 1 {
		return fmt.Errorf("deploy.health_max_checks must be at least 1, got %d", c.Deploy.HealthMaxChecks)
	}

	for _, t := range c.Deploy.Targets {
		if t.Name == "" {
			return fmt.Errorf("deploy target with empty name")
		}
		if t.BluePort == 0 || t.GreenPort == 0 || t.BluePort == t.GreenPort {
			return fmt.Errorf("deploy target %s needs two distinct ports", t.Name)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONVEYOR_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("CONVEYOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("CONVEYOR_STAGE_TIMEOUT"); v != "" {
		cfg.Engine.StageTimeout = v
	}
	if v := os.Getenv("CONVEYOR_ARTIFACTS_BACKEND"); v != "" {
		cfg.Artifacts.Backend = v
	}
	if v := os.Getenv("CONVEYOR_ARTIFACTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("CONVEYOR_MINIO_ENDPOINT"); v != "" {
		cfg.Artifacts.MinioEndpoint = v
	}
	if v := os.Getenv("CONVEYOR_MINIO_ACCESS_KEY"); v != "" {
		cfg.Artifacts.MinioAccessKey = v
	}
	if v := os.Getenv("CONVEYOR_MINIO_SECRET_KEY"); v != "" {
		cfg.Artifacts.MinioSecretKey = v
	}
	if v := os.Getenv("CONVEYOR_MINIO_BUCKET"); v != "" {
		cfg.Artifacts.MinioBucket = v
	}
	if v := os.Getenv("CONVEYOR_REPO_URL"); v != "" {
		cfg.Artifacts.RepoURL = v
	}
	if v := os.Getenv("CONVEYOR_REPO_USERNAME"); v != "" {
		cfg.Artifacts.RepoUsername = v
	}
	if v := os.Getenv("CONVEYOR_REPO_PASSWORD"); v != "" {
		cfg.Artifacts.RepoPassword = v
	}
	if v := os.Getenv("CONVEYOR_DEPLOY_LOCK_WAIT"); v != "" {
		cfg.Deploy.LockWait = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONVEYOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

// Load resolves the effective configuration: file (or defaults), then
// environment overrides, then post-processing and validation.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
