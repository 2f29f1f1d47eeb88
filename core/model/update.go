package model

import "time"

// UpdateKind classifies broadcast updates.
type UpdateKind string

const (
	UpdateSession UpdateKind = "session"
	UpdateLog     UpdateKind = "log"
	UpdateChart   UpdateKind = "chart"
)

// ChargingSample is the outcome of one simulation tick.
type ChargingSample struct {
	Time      time.Time `json:"time"`
	PowerKW   float64   `json:"power_kw"`
	CurrentA  float64   `json:"current_a"`
	SoC       float64   `json:"soc"`
	EnergyKWh float64   `json:"energy_kwh"`
	LimitedBy string    `json:"limited_by"`
	Idle      bool      `json:"idle"`
}

// SessionUpdate is pushed to broadcasters. Exactly one of Session, Log and
// Sample is set depending on Kind.
type SessionUpdate struct {
	SessionID string          `json:"session_id"`
	Kind      UpdateKind      `json:"kind"`
	Time      time.Time       `json:"time"`
	Session   *Session        `json:"session,omitempty"`
	Log       *LogEntry       `json:"log,omitempty"`
	Sample    *ChargingSample `json:"sample,omitempty"`
}
