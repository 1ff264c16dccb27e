package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models waypoint.yml.
type Config struct {
	Engine struct {
		ID                  string `yaml:"id"`
		TickIntervalMinutes int    `yaml:"tick_interval_minutes"`
		CoolDownDays        int    `yaml:"cool_down_days"`
	} `yaml:"engine"`
	Channels struct {
		Default        string                        `yaml:"default"`
		Fallback       string                        `yaml:"fallback"`
		Known          []string                      `yaml:"known"`
		UrgencyWeights map[string]map[string]float64 `yaml:"urgency_weights"`
	} `yaml:"channels"`
	Scoring struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
		BackoffBaseMS  int    `yaml:"backoff_base_ms"`
	} `yaml:"scoring"`
	Dispatch struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"dispatch"`
	Features struct {
		URL                    string `yaml:"url"`
		EngagementLookbackDays int    `yaml:"engagement_lookback_days"`
		ChannelLookbackDays    int    `yaml:"channel_lookback_days"`
	} `yaml:"features"`
	Variants struct {
		MinSampleSize int `yaml:"min_sample_size"`
	} `yaml:"variants"`
	Alerts struct {
		DropoffMultiplier float64 `yaml:"dropoff_multiplier"`
	} `yaml:"alerts"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an outbound event sink.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads config from the workspace, seeding defaults if missing.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("default"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "waypoint.yml")
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections
// fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("default")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if c.Engine.CoolDownDays < 0 {
		return fmt.Errorf("config.engine.cool_down_days must be >= 0")
	}
	if c.Channels.Default == "" {
		return fmt.Errorf("config.channels.default is required")
	}
	if len(c.Channels.Known) == 0 {
		return fmt.Errorf("config.channels.known must list at least one channel")
	}
	if !c.KnownChannel(c.Channels.Default) {
		return fmt.Errorf("default channel %s not in known channels", c.Channels.Default)
	}
	if c.Channels.Fallback != "" && !c.KnownChannel(c.Channels.Fallback) {
		return fmt.Errorf("fallback channel %s not in known channels", c.Channels.Fallback)
	}
	for urgency, weights := range c.Channels.UrgencyWeights {
		if urgency != "normal" && urgency != "high" {
			return fmt.Errorf("urgency_weights key %s must be normal or high", urgency)
		}
		for ch, w := range weights {
			if !c.KnownChannel(ch) {
				return fmt.Errorf("urgency_weights references unknown channel %s", ch)
			}
			if w <= 0 {
				return fmt.Errorf("urgency weight for %s must be > 0", ch)
			}
		}
	}
	if c.Scoring.MaxRetries < 0 {
		return fmt.Errorf("config.scoring.max_retries must be >= 0")
	}
	if c.Variants.MinSampleSize < 0 {
		return fmt.Errorf("config.variants.min_sample_size must be >= 0")
	}
	if c.Alerts.DropoffMultiplier <= 0 {
		return fmt.Errorf("config.alerts.dropoff_multiplier must be > 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// KnownChannel reports whether ch is in the configured channel set.
func (c *Config) KnownChannel(ch string) bool {
	for _, known := range c.Channels.Known {
		if known == ch {
			return true
		}
	}
	return false
}

// UrgencyWeight returns the multiplier for a channel at the given urgency.
// Unlisted channels weigh 1.0.
func (c *Config) UrgencyWeight(urgency, channel string) float64 {
	if urgency == "" {
		urgency = "normal"
	}
	weights, ok := c.Channels.UrgencyWeights[urgency]
	if !ok {
		return 1.0
	}
	w, ok := weights[channel]
	if !ok {
		return 1.0
	}
	return w
}

// FallbackChannel returns the dispatch failover channel.
func (c *Config) FallbackChannel() string {
	if c.Channels.Fallback != "" {
		return c.Channels.Fallback
	}
	return c.Channels.Default
}

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, engineID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

const defaultTemplate = `engine:
  id: %s
  tick_interval_minutes: 60
  cool_down_days: 30

channels:
  default: email
  fallback: email
  known: [email, sms, push, in_app]
  urgency_weights:
    normal:
      email: 1.0
      sms: 1.0
      push: 1.0
      in_app: 1.0
    high:
      push: 1.5
      sms: 1.25
      in_app: 1.1
      email: 1.0

scoring:
  url: ""
  timeout_seconds: 5
  max_retries: 3
  backoff_base_ms: 1000

dispatch:
  url: ""
  timeout_seconds: 5

features:
  url: ""
  engagement_lookback_days: 3
  channel_lookback_days: 90

variants:
  min_sample_size: 500

alerts:
  dropoff_multiplier: 1.5
`
