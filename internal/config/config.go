// Package config loads the delivery pipeline's configuration from YAML,
// expanding ${VAR} / ${VAR:-default} environment references the way
// kolajAi/internal/config/loader.go does, and exposes every key
// enumerated in the specification (§6 Configuration).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// BatchPolicy is the batch size / flush timeout / concurrency triple for
// one (channel, priority) pair.
type BatchPolicy struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// ChannelQueueConfig holds the per-priority batch policy for one channel.
type ChannelQueueConfig struct {
	Normal BatchPolicy `yaml:"normal"`
	Low    BatchPolicy `yaml:"low"`
	// Urgent/High never batch; MaxConcurrency still bounds their worker pool.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// QueueConfig is queue.* from §6.
type QueueConfig struct {
	Email ChannelQueueConfig `yaml:"email"`
	SMS   ChannelQueueConfig `yaml:"sms"`
	Push  ChannelQueueConfig `yaml:"push"`
	InApp ChannelQueueConfig `yaml:"in_app"`
}

// RetryConfig is retry.* from §6.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	BaseMS   int           `yaml:"base_ms"`
	CapMS    int           `yaml:"cap_ms"`
}

func (r RetryConfig) Base() time.Duration { return time.Duration(r.BaseMS) * time.Millisecond }
func (r RetryConfig) Cap() time.Duration  { return time.Duration(r.CapMS) * time.Millisecond }

// RateConfig is rate.{channel}.per_min from §6.
type RateConfig struct {
	Email int `yaml:"email_per_min"`
	SMS   int `yaml:"sms_per_min"`
	Push  int `yaml:"push_per_min"`
	InApp int `yaml:"in_app_per_user_per_min"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // "mysql" | "sqlite3"
	DSN      string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig configures the rate limiter / job queue backing store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig configures the secret store.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
}

// RealtimeConfig is session.* / inbox.* from §6.
type RealtimeConfig struct {
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	InboxRetentionDays int           `yaml:"inbox_retention_days"`
	ReconnectBacklog   int           `yaml:"reconnect_backlog"`
	JWTSecret          string        `yaml:"jwt_secret"`
}

// AdapterConfig is adapter.timeout_ms / drain.timeout_ms from §6.
type AdapterConfig struct {
	TimeoutMS     int `yaml:"timeout_ms"`
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
}

func (a AdapterConfig) Timeout() time.Duration { return time.Duration(a.TimeoutMS) * time.Millisecond }
func (a AdapterConfig) DrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutMS) * time.Millisecond
}

// VisibilityTimeout is adapter_timeout * 3 per §5.
func (a AdapterConfig) VisibilityTimeout() time.Duration { return a.Timeout() * 3 }

// SMTPProviderConfig is the outbound mail relay the email adapter dials.
type SMTPProviderConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	FromAddr string `yaml:"from_addr"`
	FromName string `yaml:"from_name"`
}

// HTTPProviderConfig is a generic HTTP gateway credential pair, shared
// by the SMS and push adapters (push ignores From).
type HTTPProviderConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

// ProvidersConfig is providers.*: the concrete transport
// credentials each channel adapter dials out through.
type ProvidersConfig struct {
	SMTP SMTPProviderConfig `yaml:"smtp"`
	SMS  HTTPProviderConfig `yaml:"sms"`
	Push HTTPProviderConfig `yaml:"push"`
}

// SweepConfig is sweep.*: the housekeeping pass intervals and
// the device token dormancy threshold.
type SweepConfig struct {
	DeviceTokenPurgeInterval time.Duration `yaml:"device_token_purge_interval"`
	DeviceTokenDormantAfter  time.Duration `yaml:"device_token_dormant_after"`
	InboxExpiryInterval      time.Duration `yaml:"inbox_expiry_interval"`
	JobExpiryInterval        time.Duration `yaml:"job_expiry_interval"`
}

// Config is the full application configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	Storage     StorageConfig   `yaml:"storage"`
	Redis       RedisConfig     `yaml:"redis"`
	Vault       VaultConfig     `yaml:"vault"`
	Queue       QueueConfig     `yaml:"queue"`
	Retry       RetryConfig     `yaml:"retry"`
	Rate        RateConfig      `yaml:"rate"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	Adapter     AdapterConfig   `yaml:"adapter"`
	Providers   ProvidersConfig `yaml:"providers"`
	Sweep       SweepConfig     `yaml:"sweep"`
	HTTPAddr    string          `yaml:"http_addr"`
}

// Load reads a YAML config file, expanding environment references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := match[2 : len(match)-1]
		parts := strings.SplitN(expr, ":-", 2)
		name := parts[0]
		def := ""
		if len(parts) > 1 {
			def = parts[1]
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

// Default returns the configuration the service boots with absent a
// config file, matching every default called out in the specification's
// batching/rate-limit/retry tables (§4.2, §5, §7).
func Default() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Driver:     "sqlite3",
			SQLitePath: "data/notifyhub.db",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Vault: VaultConfig{Enabled: false},
		Queue: QueueConfig{
			Email: ChannelQueueConfig{
				Normal:         BatchPolicy{BatchSize: 50, FlushTimeout: 30 * time.Second, MaxConcurrency: 20},
				Low:            BatchPolicy{BatchSize: 100, FlushTimeout: 60 * time.Second, MaxConcurrency: 20},
				MaxConcurrency: 20,
			},
			SMS: ChannelQueueConfig{
				Normal:         BatchPolicy{BatchSize: 20, FlushTimeout: 15 * time.Second, MaxConcurrency: 5},
				Low:            BatchPolicy{BatchSize: 50, FlushTimeout: 30 * time.Second, MaxConcurrency: 5},
				MaxConcurrency: 5,
			},
			Push: ChannelQueueConfig{
				Normal:         BatchPolicy{BatchSize: 100, FlushTimeout: 10 * time.Second, MaxConcurrency: 15},
				Low:            BatchPolicy{BatchSize: 200, FlushTimeout: 30 * time.Second, MaxConcurrency: 15},
				MaxConcurrency: 15,
			},
			InApp: ChannelQueueConfig{
				Normal:         BatchPolicy{BatchSize: 1, FlushTimeout: 0, MaxConcurrency: 50},
				Low:            BatchPolicy{BatchSize: 1, FlushTimeout: 0, MaxConcurrency: 50},
				MaxConcurrency: 50,
			},
		},
		Retry: RetryConfig{Attempts: 3, BaseMS: 1000, CapMS: 300000},
		Rate:  RateConfig{Email: 300, SMS: 100, Push: 1000, InApp: 500},
		Realtime: RealtimeConfig{
			SessionIdleTimeout: 5 * time.Minute,
			InboxRetentionDays: 30,
			ReconnectBacklog:   50,
			JWTSecret:          "dev-secret-change-me",
		},
		Adapter: AdapterConfig{TimeoutMS: 10000, DrainTimeoutMS: 30000},
		Providers: ProvidersConfig{
			SMTP: SMTPProviderConfig{Host: "localhost", Port: 1025, FromAddr: "notify@example.com", FromName: "Notifyhub"},
			SMS:  HTTPProviderConfig{APIURL: "https://sms.example.com/v1/send", From: "Notifyhub"},
			Push: HTTPProviderConfig{APIURL: "https://push.example.com/v1/send"},
		},
		Sweep: SweepConfig{
			DeviceTokenPurgeInterval: time.Hour,
			DeviceTokenDormantAfter:  30 * 24 * time.Hour,
			InboxExpiryInterval:      time.Hour,
			JobExpiryInterval:        5 * time.Minute,
		},
		HTTPAddr: ":8090",
	}
}
