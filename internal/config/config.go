package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models loanos.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Covenants struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"covenants"`
	KPIs struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
			Unit        string `yaml:"unit"`
		} `yaml:"catalog"`
	} `yaml:"kpis"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with loanos org init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	for kind := range c.Covenants.Catalog {
		if kind == "" {
			return fmt.Errorf("config.covenants.catalog contains empty kind")
		}
	}
	for kind := range c.KPIs.Catalog {
		if kind == "" {
			return fmt.Errorf("config.kpis.catalog contains empty kind")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhook %d has empty event filter entry", i)
			}
		}
	}
	return nil
}

// CovenantKindKnown reports whether kind is in the catalog. An empty catalog
// accepts any kind.
func (c *Config) CovenantKindKnown(kind string) bool {
	if len(c.Covenants.Catalog) == 0 {
		return true
	}
	_, ok := c.Covenants.Catalog[kind]
	return ok
}

// KPIKindKnown reports whether kind is in the catalog. An empty catalog
// accepts any kind.
func (c *Config) KPIKindKnown(kind string) bool {
	if len(c.KPIs.Catalog) == 0 {
		return true
	}
	_, ok := c.KPIs.Catalog[kind]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loanos.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
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

const defaultTemplate = `org:
  id: %s
  name: Default Organization

covenants:
  catalog:
    leverage.ratio:
      description: "Net debt / EBITDA must stay under threshold"
    interest.cover:
      description: "EBITDA / interest expense must stay over threshold"
    ltv.max:
      description: "Loan-to-value must stay under threshold"
    liquidity.min:
      description: "Minimum cash and equivalents"

kpis:
  catalog:
    esg.co2_intensity:
      description: "CO2 emissions per revenue unit"
      unit: "tCO2e/mEUR"
    esg.renewable_share:
      description: "Share of energy from renewables"
      unit: "%%"
    esg.safety_incidents:
      description: "Recordable safety incidents"
      unit: "count"
`
