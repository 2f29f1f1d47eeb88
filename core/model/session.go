package model

import (
	"fmt"
	"time"
)

// ChargerType identifies the physical charger family of a simulated charge point.
type ChargerType string

const (
	ChargerAC1P ChargerType = "AC_1P"
	ChargerAC3P ChargerType = "AC_3P"
	ChargerDC   ChargerType = "DC"
)

// IsDC reports whether the charger delivers direct current.
func (c ChargerType) IsDC() bool { return c == ChargerDC }

// IdleFeeConfig configures the post-charge parking simulation. Once
// ChargingDuration has elapsed since the transaction started the session stays
// plugged with zero power for IdleDuration, then stops. Manual keeps the
// session idle until it is stopped externally.
type IdleFeeConfig struct {
	Enabled          bool          `json:"enabled"`
	ChargingDuration time.Duration `json:"charging_duration"`
	IdleDuration     time.Duration `json:"idle_duration"`
	Manual           bool          `json:"manual"`
}

// Session is the state of one simulated charge point connection.
type Session struct {
	ID            string `json:"id"`
	ChargePointID string `json:"charge_point_id"`
	URL           string `json:"url"`

	ProtocolVersion string `json:"protocol_version"`
	Subprotocol     string `json:"subprotocol,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`

	ChargerType        ChargerType `json:"charger_type"`
	Phases             int         `json:"phases"`
	VoltageV           float64     `json:"voltage_v"`
	MaxPowerKW         float64     `json:"max_power_kw"`
	MaxCurrentA        float64     `json:"max_current_a"`
	BatteryCapacityKWh float64     `json:"battery_capacity_kwh"`
	ConnectorID        int         `json:"connector_id"`
	IDTag              string      `json:"id_tag"`

	State      ChargePointState `json:"state"`
	Connected  bool             `json:"connected"`
	Authorized bool             `json:"authorized"`
	Charging   bool             `json:"charging"`
	Plugged    bool             `json:"plugged"`
	Parked     bool             `json:"parked"`

	SoC           float64   `json:"soc"`
	TargetSoC     float64   `json:"target_soc"`
	PowerKW       float64   `json:"power_kw"`
	CurrentA      float64   `json:"current_a"`
	EnergyKWh     float64   `json:"energy_kwh"`
	MeterWh       float64   `json:"meter_wh"`
	TransactionID *int      `json:"transaction_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`

	// Smart-charging limit currently applied by the simulator.
	LimitKW      float64 `json:"limit_kw,omitempty"`
	LimitA       float64 `json:"limit_a,omitempty"`
	LimitPurpose string  `json:"limit_purpose,omitempty"`
	LimitedBy    string  `json:"limited_by,omitempty"`

	IdleFee   IdleFeeConfig `json:"idle_fee"`
	Idle      bool          `json:"idle"`
	IdleSince time.Time     `json:"idle_since,omitempty"`

	HeartbeatIntervalSec    int  `json:"heartbeat_interval_sec,omitempty"`
	MeterValuesIntervalSec  int  `json:"meter_values_interval_sec,omitempty"`
	ClockAlignedIntervalSec int  `json:"clock_aligned_interval_sec,omitempty"`
	ConnectionTimeoutSec    int  `json:"connection_timeout_sec,omitempty"`
	HeartbeatActive         bool `json:"heartbeat_active"`
	MeterValuesActive       bool `json:"meter_values_active"`
	ClockAlignedActive      bool `json:"clock_aligned_active"`

	Log      []LogEntry        `json:"log,omitempty"`
	Messages []ProtocolMessage `json:"messages,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the session configuration is usable.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.ChargePointID == "" {
		return fmt.Errorf("charge point id is required")
	}
	if s.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch s.ChargerType {
	case ChargerAC1P, ChargerAC3P, ChargerDC:
	default:
		return fmt.Errorf("unknown charger type %q", s.ChargerType)
	}
	if s.BatteryCapacityKWh <= 0 {
		return fmt.Errorf("battery capacity must be positive")
	}
	if s.SoC < 0 || s.SoC > 100 {
		return fmt.Errorf("soc must be within [0,100]")
	}
	if s.TargetSoC < 0 || s.TargetSoC > 100 {
		return fmt.Errorf("target soc must be within [0,100]")
	}
	return nil
}

// HasTransaction reports whether a transaction id is assigned.
func (s *Session) HasTransaction() bool { return s.TransactionID != nil }

// AppendLog adds an entry to the session log.
func (s *Session) AppendLog(level LogLevel, msg string) LogEntry {
	e := LogEntry{Time: time.Now(), Level: level, Message: msg}
	s.Log = append(s.Log, e)
	return e
}

// AppendMessage adds a protocol message to the history.
func (s *Session) AppendMessage(m ProtocolMessage) {
	s.Messages = append(s.Messages, m)
}

// Clone returns a deep copy that can be handed out without sharing slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.TransactionID != nil {
		id := *s.TransactionID
		c.TransactionID = &id
	}
	c.Log = append([]LogEntry(nil), s.Log...)
	c.Messages = append([]ProtocolMessage(nil), s.Messages...)
	return &c
}

// LogLevel classifies session log entries.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of the session-visible log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}
