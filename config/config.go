package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/cpsim/auth"
	"github.com/kilianp07/cpsim/infra/metrics"
	"github.com/kilianp07/cpsim/infra/monitoring"
	"github.com/kilianp07/cpsim/infra/mqtt"
)

type Config struct {
	Engine     EngineConfig      `json:"engine"`
	Simulation SimulationConfig  `json:"simulation"`
	Store      StoreConfig       `json:"store"`
	Recorder   RecorderConfig    `json:"recorder"`
	MQTT       mqtt.Config       `json:"mqtt"`
	Metrics    metrics.Config    `json:"metrics"`
	HTTP       HTTPConfig        `json:"http"`
	Logging    LoggingConfig     `json:"logging"`
	Auth       auth.Conf         `json:"auth"`
	Sentry     monitoring.Config `json:"sentry"`
}

// Load reads the configuration file at path, applies K_ environment
// overrides (K_ENGINE__HEARTBEAT_INTERVAL_SECONDS=10), fills defaults and
// validates every section. An empty path loads the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Engine.SetDefaults()
	c.Simulation.SetDefaults()
	c.Store.SetDefaults()
	c.Recorder.SetDefaults()
	c.MQTT.SetDefaults()
	c.Metrics.SetDefaults()
	c.HTTP.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"engine", c.Engine.Validate},
		{"simulation", c.Simulation.Validate},
		{"store", c.Store.Validate},
		{"recorder", c.Recorder.Validate},
		{"mqtt", c.MQTT.Validate},
		{"metrics", c.Metrics.Validate},
		{"http", c.HTTP.Validate},
		{"logging", c.Logging.Validate},
		{"auth", c.Auth.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}
