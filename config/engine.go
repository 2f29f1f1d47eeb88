package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/cpsim/core/engine"
	"github.com/kilianp07/cpsim/core/model"
)

// EngineConfig holds the global protocol defaults. Sessions override the
// intervals and the connection timeout with their own non-zero values.
type EngineConfig struct {
	HeartbeatIntervalSeconds    int    `json:"heartbeat_interval_seconds"`
	MeterValuesIntervalSeconds  int    `json:"meter_values_interval_seconds"`
	ClockAlignedIntervalSeconds int    `json:"clock_aligned_interval_seconds"`
	ConnectionTimeoutSeconds    int    `json:"connection_timeout_seconds"`
	RequestTimeoutSeconds       int    `json:"request_timeout_seconds"`
	ProtocolVersion             string `json:"protocol_version"`
	Vendor                      string `json:"vendor"`
	Model                       string `json:"model"`
	MaxHistory                  int    `json:"max_history"`
}

// SetDefaults fills unset fields.
func (c *EngineConfig) SetDefaults() {
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 60
	}
	if c.MeterValuesIntervalSeconds <= 0 {
		c.MeterValuesIntervalSeconds = 60
	}
	if c.ClockAlignedIntervalSeconds <= 0 {
		c.ClockAlignedIntervalSeconds = 900
	}
	if c.ConnectionTimeoutSeconds <= 0 {
		c.ConnectionTimeoutSeconds = 10
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "1.6"
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 500
	}
}

// Validate checks the protocol version. Only the major version matters.
func (c EngineConfig) Validate() error {
	major, _, _ := strings.Cut(strings.TrimSpace(c.ProtocolVersion), ".")
	if major != "1" && major != "2" {
		return fmt.Errorf("unsupported protocol version %q", c.ProtocolVersion)
	}
	if c.MaxHistory < 0 {
		return fmt.Errorf("max_history must not be negative")
	}
	return nil
}

// EngineConfig merges the engine and simulation sections into the runtime
// configuration of the session engine.
func (c Config) EngineConfig() engine.Config {
	e, s := c.Engine, c.Simulation
	return engine.Config{
		HeartbeatInterval:    seconds(e.HeartbeatIntervalSeconds),
		MeterValuesInterval:  seconds(e.MeterValuesIntervalSeconds),
		ClockAlignedInterval: seconds(e.ClockAlignedIntervalSeconds),
		ConnectionTimeout:    seconds(e.ConnectionTimeoutSeconds),
		RequestTimeout:       seconds(e.RequestTimeoutSeconds),
		ProtocolVersion:      e.ProtocolVersion,
		Vendor:               e.Vendor,
		Model:                e.Model,
		MaxHistory:           e.MaxHistory,
		ChargerType:          model.ChargerType(s.ChargerType),
		BatteryCapacityKWh:   s.BatteryCapacityKWh,
		SoC:                  s.SoC,
		TargetSoC:            s.TargetSoC,
		IDTag:                s.IDTag,
		IdleFee: model.IdleFeeConfig{
			Enabled:          s.IdleFee.Enabled,
			ChargingDuration: time.Duration(s.IdleFee.ChargingMinutes) * time.Minute,
			IdleDuration:     time.Duration(s.IdleFee.IdleMinutes) * time.Minute,
			Manual:           s.IdleFee.Manual,
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
