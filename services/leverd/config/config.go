package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Telemetry controls the optional OTLP trace exporter.
type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Reserve declares a lending pool to create at boot when missing.
type Reserve struct {
	ID           string `yaml:"id"`
	LendableMint string `yaml:"lendableMint"`
}

// Market declares a levered market and its venue listing.
type Market struct {
	ID       string `yaml:"id"`
	Reserve  string `yaml:"reserve"`
	BaseMint string `yaml:"baseMint"`
	BaseLot  uint64 `yaml:"baseLot"`
	QuoteLot uint64 `yaml:"quoteLot"`
	Price    uint64 `yaml:"price"`
	FillBps  uint32 `yaml:"fillBps"`
}

// Config is the daemon configuration loaded from YAML.
type Config struct {
	Listen         string    `yaml:"listen"`
	DBPath         string    `yaml:"dbPath"`
	GovernanceFile string    `yaml:"governanceFile"`
	Env            string    `yaml:"env"`
	LogLevel       string    `yaml:"logLevel"`
	Telemetry      Telemetry `yaml:"telemetry"`
	Reserves       []Reserve `yaml:"reserves"`
	Markets        []Market  `yaml:"markets"`
}

// Load reads, defaults and validates the daemon configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8680"
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = "leverd.db"
	}
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "dev"
	}
	for i := range c.Markets {
		if c.Markets[i].BaseLot == 0 {
			c.Markets[i].BaseLot = 1
		}
		if c.Markets[i].QuoteLot == 0 {
			c.Markets[i].QuoteLot = 1
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.GovernanceFile) == "" {
		return fmt.Errorf("governanceFile is required")
	}
	reserves := make(map[string]struct{}, len(c.Reserves))
	for _, r := range c.Reserves {
		if r.ID == "" || r.LendableMint == "" {
			return fmt.Errorf("reserve entries need id and lendableMint")
		}
		if _, dup := reserves[r.ID]; dup {
			return fmt.Errorf("duplicate reserve %q", r.ID)
		}
		reserves[r.ID] = struct{}{}
	}
	markets := make(map[string]struct{}, len(c.Markets))
	for _, m := range c.Markets {
		if m.ID == "" || m.BaseMint == "" {
			return fmt.Errorf("market entries need id and baseMint")
		}
		if _, ok := reserves[m.Reserve]; !ok {
			return fmt.Errorf("market %q references unknown reserve %q", m.ID, m.Reserve)
		}
		if _, dup := markets[m.ID]; dup {
			return fmt.Errorf("duplicate market %q", m.ID)
		}
		if m.Price == 0 {
			return fmt.Errorf("market %q needs a positive price", m.ID)
		}
		markets[m.ID] = struct{}{}
	}
	return nil
}
