package config

import (
	"fmt"

	"github.com/kilianp07/cpsim/infra/redisstore"
)

// StoreConfig selects the session repository.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string            `json:"backend"`
	Redis   redisstore.Config `json:"redis"`
}

// SetDefaults fills unset fields.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate checks the backend.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
		return nil
	}
	return fmt.Errorf("unknown backend %s", c.Backend)
}

// RecorderConfig controls the protocol event recorder.
type RecorderConfig struct {
	// Enabled starts recording at boot. Recording can be toggled at runtime.
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SetDefaults fills unset fields.
func (c *RecorderConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "cpsim-events.cbor"
	}
}

// Validate checks mandatory fields.
func (c RecorderConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// HTTPConfig configures the REST surface.
type HTTPConfig struct {
	Addr string `json:"addr"`
	// Token, when set, is required as a bearer token on every API route.
	Token string `json:"token"`
}

// SetDefaults fills unset fields.
func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// Validate checks mandatory fields.
func (c HTTPConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}
