// Package config loads daemon configuration from a YAML file with
// ANTEGEN_-prefixed environment overrides. Environment always wins over the
// file; defaults fill the rest.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"

	"github.com/wuwei-labs/antegen/pkg/queue"
)

// Config is the resolved daemon configuration.
type Config struct {
	// IdentityPath is the executor keypair file (solana-keygen JSON).
	IdentityPath string `mapstructure:"identity_path"`

	RPCURL string `mapstructure:"rpc_url"`
	WSURL  string `mapstructure:"ws_url"`

	// DataDir is the queue storage root.
	DataDir string `mapstructure:"data_dir"`

	// ThreadCount is the executor worker pool size.
	ThreadCount int `mapstructure:"thread_count"`

	// TransactionTimeoutSeconds caps one submission attempt wall-clock.
	TransactionTimeoutSeconds int `mapstructure:"transaction_timeout_threshold"`

	// ForgoExecutorCommission sets the exec-marker forgo bit.
	ForgoExecutorCommission bool `mapstructure:"forgo_executor_commission"`

	// Replay bus settings.
	EnableReplay      bool   `mapstructure:"enable_replay"`
	NATSURL           string `mapstructure:"nats_url"`
	ReplayDelayMs     int64  `mapstructure:"replay_delay_ms"`
	ReplayMaxAttempts uint32 `mapstructure:"replay_max_attempts"`
	ReplayMaxAgeMs    int64  `mapstructure:"replay_max_age_ms"`

	// SubmissionMode is one of rpc, direct, direct_with_fallback.
	SubmissionMode string `mapstructure:"submission_mode"`

	// FanoutSlots is the direct-submission leader fanout.
	FanoutSlots uint64 `mapstructure:"fanout_slots"`

	// PollIntervalMs paces the RPC event source.
	PollIntervalMs int64 `mapstructure:"poll_interval_ms"`

	// OpsListen is the ops HTTP listener address; empty disables it.
	OpsListen string `mapstructure:"ops_listen"`

	// DeadLetterRetentionHours is the dead-letter eviction age; 0 never
	// evicts. The run command does not evict dead-letter entries on its
	// own; they are removed only by `queue deadletter purge`, which takes
	// its age from its own --older-than-hours flag.
	DeadLetterRetentionHours int `mapstructure:"dead_letter_retention_hours"`

	Retry queue.RetryConfig `mapstructure:"retry"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_url", "http://127.0.0.1:8899")
	v.SetDefault("ws_url", "ws://127.0.0.1:8900")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("thread_count", 10)
	v.SetDefault("transaction_timeout_threshold", 60)
	v.SetDefault("forgo_executor_commission", false)
	v.SetDefault("enable_replay", false)
	v.SetDefault("nats_url", "")
	v.SetDefault("replay_delay_ms", 30_000)
	v.SetDefault("replay_max_attempts", 3)
	v.SetDefault("replay_max_age_ms", 3_600_000)
	v.SetDefault("submission_mode", "direct_with_fallback")
	v.SetDefault("fanout_slots", 12)
	v.SetDefault("poll_interval_ms", 2_000)
	v.SetDefault("ops_listen", "")
	v.SetDefault("dead_letter_retention_hours", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	def := queue.DefaultRetryConfig()
	v.SetDefault("retry.max_retries", def.MaxRetries)
	v.SetDefault("retry.initial_delay_ms", def.InitialDelayMs)
	v.SetDefault("retry.max_delay_ms", def.MaxDelayMs)
	v.SetDefault("retry.backoff_multiplier", def.BackoffMultiplier)
	v.SetDefault("retry.jitter_factor", def.JitterFactor)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".antegen"
	}
	return filepath.Join(home, ".antegen")
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANTEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.ThreadCount < 1 {
		return fmt.Errorf("thread_count must be >= 1, got %d", c.ThreadCount)
	}
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if c.EnableReplay && c.NATSURL == "" {
		return errors.New("enable_replay requires nats_url")
	}
	if j := c.Retry.JitterFactor; j < 0 || j > 1 {
		return fmt.Errorf("retry.jitter_factor must be in [0,1], got %v", j)
	}
	switch c.SubmissionMode {
	case "rpc", "direct", "direct_with_fallback":
	default:
		return fmt.Errorf("unknown submission_mode %q", c.SubmissionMode)
	}
	return nil
}

// TransactionTimeout returns the per-submission deadline.
func (c *Config) TransactionTimeout() time.Duration {
	return time.Duration(c.TransactionTimeoutSeconds) * time.Second
}

// PollInterval returns the RPC source poll period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ReplayDelay returns the replay hold time.
func (c *Config) ReplayDelay() time.Duration {
	return time.Duration(c.ReplayDelayMs) * time.Millisecond
}

// ReplayMaxAge returns the replay expiry age.
func (c *Config) ReplayMaxAge() time.Duration {
	return time.Duration(c.ReplayMaxAgeMs) * time.Millisecond
}

// DeadLetterRetention returns the dead-letter eviction age; zero disables
// eviction.
func (c *Config) DeadLetterRetention() time.Duration {
	return time.Duration(c.DeadLetterRetentionHours) * time.Hour
}

// LoadIdentity reads the executor keypair from IdentityPath.
func (c *Config) LoadIdentity() (solana.PrivateKey, error) {
	if c.IdentityPath == "" {
		return nil, errors.New("identity_path is required")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(c.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", c.IdentityPath, err)
	}
	return key, nil
}
