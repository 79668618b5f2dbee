package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models a community's raidline.yml.
type Config struct {
	Community struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"community"`
	Roles struct {
		// Organizer lists the roles that grant the organizer capability.
		Organizer []string `yaml:"organizer"`
	} `yaml:"roles"`
	Activities struct {
		HardModeKey string              `yaml:"hard_mode_key"`
		Catalog     map[string]Activity `yaml:"catalog"`
	} `yaml:"activities"`
	Runs struct {
		DefaultAutoEndMinutes   int `yaml:"default_auto_end_minutes"`
		CheckpointWindowSeconds int `yaml:"checkpoint_window_seconds"`
	} `yaml:"runs"`
	Quota struct {
		PeriodDays int `yaml:"period_days"`
	} `yaml:"quota"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Activity struct {
	Label string `yaml:"label"`
}

// WebhookConfig describes an audit sink that receives appended events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	MaxCheckpointWindowSeconds = 3600
	MaxAutoEndMinutes          = 24 * 60
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Community.ID) == "" {
		return fmt.Errorf("config.community.id is required")
	}
	for _, role := range c.Roles.Organizer {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.roles.organizer contains empty role id")
		}
	}
	if c.Activities.HardModeKey != "" && len(c.Activities.Catalog) > 0 {
		if _, ok := c.Activities.Catalog[c.Activities.HardModeKey]; !ok {
			return fmt.Errorf("hard mode activity %s not in catalog", c.Activities.HardModeKey)
		}
	}
	for key := range c.Activities.Catalog {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config.activities.catalog has empty key")
		}
	}
	if c.Runs.DefaultAutoEndMinutes < 0 || c.Runs.DefaultAutoEndMinutes > MaxAutoEndMinutes {
		return fmt.Errorf("config.runs.default_auto_end_minutes must be within 0..%d", MaxAutoEndMinutes)
	}
	if c.Runs.CheckpointWindowSeconds < 0 || c.Runs.CheckpointWindowSeconds > MaxCheckpointWindowSeconds {
		return fmt.Errorf("config.runs.checkpoint_window_seconds must be within 0..%d", MaxCheckpointWindowSeconds)
	}
	if c.Quota.PeriodDays < 0 {
		return fmt.Errorf("config.quota.period_days must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// IsOrganizer reports whether any of roles grants the organizer capability.
func (c *Config) IsOrganizer(roles []string) bool {
	for _, have := range roles {
		for _, want := range c.Roles.Organizer {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsHardMode reports whether the activity requires a screenshot to go live.
func (c *Config) IsHardMode(activityKey string) bool {
	return c.Activities.HardModeKey != "" && c.Activities.HardModeKey == activityKey
}

// ActivityLabel returns the catalog label, falling back to the key.
func (c *Config) ActivityLabel(activityKey string) string {
	if a, ok := c.Activities.Catalog[activityKey]; ok && a.Label != "" {
		return a.Label
	}
	return activityKey
}

// GenerateDefault returns default config YAML.
func GenerateDefault(communityID string) string {
	return fmt.Sprintf(defaultTemplate, communityID)
}

// Default returns the default Config struct for a community.
func Default(communityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(communityID))).Decode(&cfg)
	cfg.Community.ID = communityID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config for storage.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `community:
  id: %s

roles:
  organizer: [organizer]

activities:
  hard_mode_key: ""
  catalog: {}

runs:
  default_auto_end_minutes: 120
  checkpoint_window_seconds: 30

quota:
  period_days: 7

webhooks: []
`
