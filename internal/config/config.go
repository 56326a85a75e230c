// Package config loads the coordinator's configuration surface (spec §6
// "Configuration surface (enumerated)"). Sources, in priority order:
// environment variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PromoteThresholdConfig mirrors spec §4.C's multi-feature promotion gate.
type PromoteThresholdConfig struct {
	FrequencyMin float64 `yaml:"frequency_min"`
	AnomalyMax   float64 `yaml:"anomaly_max"`
	EntropyMax   float64 `yaml:"entropy_max"`
}

// AgentConfig mirrors spec §4.D's enumerated hyperparameters.
type AgentConfig struct {
	Alpha                float64 `yaml:"alpha"`
	Gamma                float64 `yaml:"gamma"`
	EpsilonStart         float64 `yaml:"epsilon_start"`
	EpsilonEnd           float64 `yaml:"epsilon_end"`
	EpsilonDecayEpisodes int     `yaml:"epsilon_decay_episodes"`
	FeatureBuckets       int     `yaml:"feature_buckets"`
}

// PathConfig mirrors spec §3's path validation limits.
type PathConfig struct {
	MaxSegmentBytes int `yaml:"max_segment_bytes"`
	MaxDepth        int `yaml:"max_depth"`
}

// Config holds the coordinator's full configuration surface.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`

	GracePeriodMS    int64 `yaml:"grace_period_ms"`
	MinObservations  int   `yaml:"min_observations"`
	MaxRecords       int   `yaml:"max_records"`

	PromoteThreshold PromoteThresholdConfig `yaml:"promote_threshold"`
	Agent            AgentConfig            `yaml:"agent"`
	Path             PathConfig             `yaml:"path"`

	AuditCap int `yaml:"audit_cap"`
}

// Default returns configuration with spec §6's enumerated defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		DataDir:         "/var/lib/epigen",
		LogLevel:        "info",
		GracePeriodMS:   60000,
		MinObservations: 10,
		MaxRecords:      100000,
		PromoteThreshold: PromoteThresholdConfig{
			FrequencyMin: 0.02,
			AnomalyMax:   0.3,
			EntropyMax:   0.7,
		},
		Agent: AgentConfig{
			Alpha:                0.1,
			Gamma:                0.9,
			EpsilonStart:         0.3,
			EpsilonEnd:           0.01,
			EpsilonDecayEpisodes: 1000,
			FeatureBuckets:       4,
		},
		Path: PathConfig{
			MaxSegmentBytes: 256,
			MaxDepth:        32,
		},
		AuditCap: 100000,
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variable overrides. An empty path skips the file read and returns
// defaults overlaid with the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("EPIGEN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("EPIGEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EPIGEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EPIGEN_GRACE_PERIOD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.GracePeriodMS = n
		}
	}
	if v := os.Getenv("EPIGEN_MIN_OBSERVATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinObservations = n
		}
	}
	if v := os.Getenv("EPIGEN_MAX_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRecords = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes the configuration to path as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
