package engine

import (
	"time"

	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/model"
)

// Config holds the global defaults of the engine. Sessions override the
// intervals and the connection timeout with their own non-zero values.
type Config struct {
	HeartbeatInterval    time.Duration
	MeterValuesInterval  time.Duration
	ClockAlignedInterval time.Duration
	ConnectionTimeout    time.Duration
	RequestTimeout       time.Duration
	StoreTimeout         time.Duration
	ProtocolVersion      string
	Vendor               string
	Model                string
	// MaxHistory bounds the log and message history kept per session; the
	// oldest entries are dropped first. Zero keeps everything.
	MaxHistory int

	ChargerType        model.ChargerType
	BatteryCapacityKWh float64
	SoC                float64
	TargetSoC          float64
	IDTag              string
	IdleFee            model.IdleFeeConfig
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.MeterValuesInterval <= 0 {
		c.MeterValuesInterval = 60 * time.Second
	}
	if c.ClockAlignedInterval <= 0 {
		c.ClockAlignedInterval = 15 * time.Minute
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = correlator.DefaultTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "1.6"
	}
	if c.Vendor == "" {
		c.Vendor = "cpsim"
	}
	if c.Model == "" {
		c.Model = "virtual-cp"
	}
	if c.ChargerType == "" {
		c.ChargerType = model.ChargerAC3P
	}
	if c.BatteryCapacityKWh <= 0 {
		c.BatteryCapacityKWh = 60
	}
	if c.TargetSoC <= 0 {
		c.TargetSoC = 80
	}
	if c.IDTag == "" {
		c.IDTag = "CPSIM0001"
	}
}

func (c Config) applyDefaults(s *model.Session) {
	if s.ProtocolVersion == "" {
		s.ProtocolVersion = c.ProtocolVersion
	}
	if s.ChargerType == "" {
		s.ChargerType = c.ChargerType
	}
	if s.BatteryCapacityKWh <= 0 {
		s.BatteryCapacityKWh = c.BatteryCapacityKWh
	}
	if s.SoC == 0 {
		s.SoC = c.SoC
	}
	if s.TargetSoC == 0 {
		s.TargetSoC = c.TargetSoC
	}
	if s.ConnectorID <= 0 {
		s.ConnectorID = 1
	}
	if s.IDTag == "" {
		s.IDTag = c.IDTag
	}
	if !s.IdleFee.Enabled && c.IdleFee.Enabled {
		s.IdleFee = c.IdleFee
	}
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func (c Config) heartbeatInterval(s *model.Session) time.Duration {
	return seconds(s.HeartbeatIntervalSec, c.HeartbeatInterval)
}

func (c Config) meterValuesInterval(s *model.Session) time.Duration {
	return seconds(s.MeterValuesIntervalSec, c.MeterValuesInterval)
}

func (c Config) clockAlignedInterval(s *model.Session) time.Duration {
	return seconds(s.ClockAlignedIntervalSec, c.ClockAlignedInterval)
}

func (c Config) connectionTimeout(s *model.Session) time.Duration {
	return seconds(s.ConnectionTimeoutSec, c.ConnectionTimeout)
}
