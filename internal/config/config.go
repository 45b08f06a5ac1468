package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port"`
		CronSecret string `yaml:"cron_secret"`
		AdminKey   string `yaml:"admin_key"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Google struct {
		ClientID        string `yaml:"client_id"`
		ClientSecret    string `yaml:"client_secret"`
		RedirectURL     string `yaml:"redirect_url"`
		WebhookURL      string `yaml:"webhook_url"`
		RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
	} `yaml:"google"`

	OAuth struct {
		SuccessRedirect string `yaml:"success_redirect"`
		ErrorRedirect   string `yaml:"error_redirect"`
		StateTTLMinutes int    `yaml:"state_ttl_minutes"`
	} `yaml:"oauth"`

	Sync struct {
		CacheTTLSeconds      int `yaml:"cache_ttl_seconds"`
		ChannelRenewalHours  int `yaml:"channel_renewal_hours"`
		OutboxIntervalSecs   int `yaml:"outbox_interval_seconds"`
		OutboxMaxAttempts    int `yaml:"outbox_max_attempts"`
		DedupeBatchSize      int `yaml:"dedupe_batch_size"`
		GatewayTimeoutSecs   int `yaml:"gateway_timeout_seconds"`
		DefaultToleranceMins int `yaml:"default_tolerance_minutes"`
	} `yaml:"sync"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/vitalsync.db"
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) GatewayTimeout() time.Duration {
	if c.Sync.GatewayTimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Sync.GatewayTimeoutSecs) * time.Second
}

func (c *Config) StateTTL() time.Duration {
	if c.OAuth.StateTTLMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.OAuth.StateTTLMinutes) * time.Minute
}

func (c *Config) ChannelRenewalWindow() time.Duration {
	if c.Sync.ChannelRenewalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Sync.ChannelRenewalHours) * time.Hour
}

func (c *Config) OutboxInterval() time.Duration {
	if c.Sync.OutboxIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.OutboxIntervalSecs) * time.Second
}

func (c *Config) DedupeBatchSize() int {
	if c.Sync.DedupeBatchSize <= 0 {
		return 100
	}
	return c.Sync.DedupeBatchSize
}

func (c *Config) DefaultTolerance() int {
	if c.Sync.DefaultToleranceMins <= 0 {
		return 15
	}
	return c.Sync.DefaultToleranceMins
}
