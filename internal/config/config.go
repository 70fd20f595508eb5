// Package config loads the coordinator's YAML configuration, with .env
// secret overrides, the way ChoSanghyuk-blackholedex/configs loads its
// strategy configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tier names recognized by the rate limiter (spec.md §6 configuration table).
const (
	TierFree    = "free"
	TierBasic   = "basic"
	TierPremium = "premium"
)

type (
	// Config is the entire coordinator configuration, as read from
	// config.yml, with secrets (ProviderAPIKey, SignerKey) overlaid from
	// the process environment / a .env file.
	Config struct {
		Provider  ProviderConfig  `yaml:"provider"`
		Store     StoreConfig     `yaml:"store"`
		Keeper    KeeperConfig    `yaml:"keeper"`
		Limiter   LimiterConfig   `yaml:"limiter"`
		Optimizer OptimizerConfig `yaml:"optimizer"`
		Ingest    IngestConfig    `yaml:"ingest"`
		LogLevel  string          `yaml:"log_level"`

		// ProviderAPIKey and SignerKey are never read from YAML; they are
		// populated exclusively from the environment (KEEPER_PROVIDER_API_KEY,
		// KEEPER_SIGNER_KEY).
		ProviderAPIKey string `yaml:"-"`
		SignerKey      string `yaml:"-"`
	}

	ProviderConfig struct {
		BaseURL   string `yaml:"base_url"`
		StreamURL string `yaml:"stream_url"`
	}

	StoreConfig struct {
		// Backend selects the Store implementation; "memory" is the only
		// one built in (see internal/store).
		Backend string `yaml:"backend"`
	}

	KeeperConfig struct {
		Host                   string        `yaml:"host"`
		Capabilities           []string      `yaml:"capabilities"`
		HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTTL           time.Duration `yaml:"heartbeat_ttl"`
		LeaderReverifyInterval time.Duration `yaml:"leader_reverify_interval"`
		LeaseTTL               time.Duration `yaml:"lease_ttl"`
		ReshardInterval        time.Duration `yaml:"reshard_interval"`
		RetryDrainInterval     time.Duration `yaml:"retry_drain_interval"`
		HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
		MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
		RecoveryTimeout        time.Duration `yaml:"recovery_timeout"`
	}

	LimiterConfig struct {
		Tier          string `yaml:"tier"`
		EmergencyMode bool   `yaml:"emergency_mode"`
		MaxRetries    int    `yaml:"max_retries"`
	}

	OptimizerConfig struct {
		BatchMaxSize          int           `yaml:"batch_max_size"`
		BatchMaxWait          time.Duration `yaml:"batch_max_wait"`
		CompressionThreshold  int           `yaml:"compression_threshold"`
		ParallelRequests      int           `yaml:"parallel_requests"`
		CacheTTL              time.Duration `yaml:"cache_ttl"`
	}

	IngestConfig struct {
		FullSyncInterval       time.Duration `yaml:"full_sync_interval"`
		FullSyncBatch          int           `yaml:"full_sync_batch"`
		FullSyncPageDelay      time.Duration `yaml:"full_sync_page_delay"`
		HotRefreshInterval     time.Duration `yaml:"hot_refresh_interval"`
		HotRefreshWindow       time.Duration `yaml:"hot_refresh_window"`
		HotRefreshTopN         int           `yaml:"hot_refresh_top_n"`
		ResolutionInterval     time.Duration `yaml:"resolution_interval"`
		PushChangeThreshold    float64       `yaml:"push_change_threshold"`
	}
)

// Default returns the configuration with every default named in spec.md §6.
func Default() Config {
	return Config{
		Keeper: KeeperConfig{
			HeartbeatInterval:      5 * time.Second,
			HeartbeatTTL:           30 * time.Second,
			LeaderReverifyInterval: 10 * time.Second,
			LeaseTTL:               30 * time.Second,
			ReshardInterval:        30 * time.Second,
			RetryDrainInterval:     5 * time.Second,
			HealthCheckInterval:    10 * time.Second,
			MaxConsecutiveFailures: 5,
			RecoveryTimeout:        60 * time.Second,
		},
		Limiter: LimiterConfig{
			Tier:       TierFree,
			MaxRetries: 3,
		},
		Optimizer: OptimizerConfig{
			BatchMaxSize:         100,
			BatchMaxWait:         100 * time.Millisecond,
			CompressionThreshold: 1024,
			ParallelRequests:     5,
			CacheTTL:             60 * time.Second,
		},
		Ingest: IngestConfig{
			FullSyncInterval:    2 * time.Second,
			FullSyncBatch:       1000,
			FullSyncPageDelay:   200 * time.Millisecond,
			HotRefreshInterval:  5 * time.Second,
			HotRefreshWindow:    5 * time.Second,
			HotRefreshTopN:      100,
			ResolutionInterval:  2 * time.Second,
			PushChangeThreshold: 0.01,
		},
		LogLevel: "info",
		Store:    StoreConfig{Backend: "memory"},
	}
}

// Load reads path (YAML) over the defaults, then overlays envPath (a .env
// file; missing is not an error) and the process environment for secrets.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load env %s: %w", envPath, err)
		}
	}

	cfg.ProviderAPIKey = os.Getenv("KEEPER_PROVIDER_API_KEY")
	cfg.SignerKey = os.Getenv("KEEPER_SIGNER_KEY")
	if v := os.Getenv("KEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
