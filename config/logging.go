package config

import (
	"fmt"
	"strings"

	"github.com/kilianp07/cpsim/infra/logger"
)

// LoggingConfig defines process log settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level"`
	// Format is "json" or "console".
	Format string `json:"format"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// Validate checks mandatory fields.
func (c LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %s", c.Level)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("unknown format %s", c.Format)
	}
	return nil
}

// Apply installs the settings for every logger created afterwards. APP_ENV
// and LOG_LEVEL still override them.
func (c LoggingConfig) Apply() {
	logger.Setup(logger.Settings{Level: strings.ToLower(c.Level), Console: c.Format == "console"})
}
