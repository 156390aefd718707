package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"podline/internal/domain"
)

// Config models podline.yml.
type Config struct {
	Defaults struct {
		BudgetMinutes     float64               `yaml:"budget_minutes" json:"budget_minutes"`
		WarningThreshold  float64               `yaml:"warning_threshold" json:"warning_threshold"`
		CriticalThreshold float64               `yaml:"critical_threshold" json:"critical_threshold"`
		QualityTarget     domain.QualityTarget  `yaml:"quality_target" json:"quality_target"`
		AuthorityLevel    domain.AuthorityLevel `yaml:"authority_level" json:"authority_level"`
	} `yaml:"defaults" json:"defaults"`
	Persistence struct {
		Debounce     time.Duration `yaml:"debounce" json:"debounce"`
		MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
		WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	} `yaml:"persistence" json:"persistence"`
	Pods struct {
		SettleDelay time.Duration           `yaml:"settle_delay" json:"settle_delay"`
		Families    map[string]FamilyConfig `yaml:"families" json:"families"`
	} `yaml:"pods" json:"pods"`
	Recovery struct {
		ResumeDelay time.Duration `yaml:"resume_delay" json:"resume_delay"`
	} `yaml:"recovery" json:"recovery"`
	Summarizer struct {
		URL     string        `yaml:"url" json:"url"`
		Timeout time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"summarizer" json:"summarizer"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

// FamilyConfig holds the default ceilings and tool whitelist for a role family.
type FamilyConfig struct {
	Tools       []string `yaml:"tools" json:"tools"`
	MaxTokens   int64    `yaml:"max_tokens" json:"max_tokens"`
	MaxAPICalls int      `yaml:"max_api_calls" json:"max_api_calls"`
	MemoryMB    int      `yaml:"memory_mb" json:"memory_mb"`
	CPUCores    float64  `yaml:"cpu_cores" json:"cpu_cores"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Role families group pod roles that share resource ceilings and tools.
const (
	FamilyOrchestration = "orchestration"
	FamilyCreative      = "creative"
	FamilyEngineering   = "engineering"
	FamilyAnalysis      = "analysis"
)

// FamilyOf maps a pod role to its family.
func FamilyOf(role domain.PodRole) string {
	switch role {
	case domain.RoleOrchestrator:
		return FamilyOrchestration
	case domain.RoleDesign, domain.RoleCopy, domain.RoleMotion:
		return FamilyCreative
	case domain.RoleFrontend, domain.RoleBackend, domain.RoleDeployment:
		return FamilyEngineering
	default:
		return FamilyAnalysis
	}
}

// Family returns the family config for a role, falling back to an empty one.
func (c *Config) Family(role domain.PodRole) FamilyConfig {
	if c == nil || c.Pods.Families == nil {
		return FamilyConfig{}
	}
	return c.Pods.Families[FamilyOf(role)]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.BudgetMinutes <= 0 {
		return fmt.Errorf("config.defaults.budget_minutes must be > 0")
	}
	w, cr := c.Defaults.WarningThreshold, c.Defaults.CriticalThreshold
	if w <= 0 || w > 1 || cr <= 0 || cr > 1 {
		return fmt.Errorf("config.defaults thresholds must be in (0,1]")
	}
	if w > cr {
		return fmt.Errorf("config.defaults.warning_threshold must not exceed critical_threshold")
	}
	if c.Persistence.Debounce < 0 {
		return fmt.Errorf("config.persistence.debounce must not be negative")
	}
	if c.Persistence.MaxAttempts < 1 {
		return fmt.Errorf("config.persistence.max_attempts must be >= 1")
	}
	if c.Pods.SettleDelay < 0 {
		return fmt.Errorf("config.pods.settle_delay must not be negative")
	}
	for _, fam := range []string{FamilyOrchestration, FamilyCreative, FamilyEngineering, FamilyAnalysis} {
		f, ok := c.Pods.Families[fam]
		if !ok {
			return fmt.Errorf("config.pods.families.%s is required", fam)
		}
		if len(f.Tools) == 0 {
			return fmt.Errorf("pod family %s has an empty tool whitelist", fam)
		}
		for _, tool := range f.Tools {
			if tool == "" {
				return fmt.Errorf("pod family %s has empty tool name", fam)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "podline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `defaults:
  budget_minutes: 60
  warning_threshold: 0.80
  critical_threshold: 0.95
  quality_target: standard
  authority_level: supervised

persistence:
  debounce: 1s
  max_attempts: 3
  retry_backoff: 250ms
  write_timeout: 5s

pods:
  settle_delay: 500ms
  families:
    orchestration:
      tools: [plan.read, plan.update, pod.message, checkpoint.request]
      max_tokens: 200000
      max_api_calls: 400
      memory_mb: 1024
      cpu_cores: 1
    creative:
      tools: [file.read, file.write, image.generate, web.search]
      max_tokens: 120000
      max_api_calls: 200
      memory_mb: 1024
      cpu_cores: 1
    engineering:
      tools: [file.read, file.write, shell.exec, package.install, test.run]
      max_tokens: 150000
      max_api_calls: 300
      memory_mb: 2048
      cpu_cores: 2
    analysis:
      tools: [file.read, web.search, web.fetch, data.query, test.run]
      max_tokens: 100000
      max_api_calls: 250
      memory_mb: 1024
      cpu_cores: 1

recovery:
  resume_delay: 2s

summarizer:
  url: ""
  timeout: 30s

webhooks: []
`
