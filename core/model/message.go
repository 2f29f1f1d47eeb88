package model

import (
	"encoding/json"
	"time"
)

// Direction of a protocol message relative to the charge point.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// MessageKind is the OCPP-J message type.
type MessageKind string

const (
	KindCall       MessageKind = "CALL"
	KindCallResult MessageKind = "CALLRESULT"
	KindCallError  MessageKind = "CALLERROR"
)

// ProtocolMessage is an immutable record of one exchanged message.
type ProtocolMessage struct {
	Direction        Direction       `json:"direction"`
	Kind             MessageKind     `json:"kind"`
	ID               string          `json:"id"`
	Action           string          `json:"action,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Latency          time.Duration   `json:"latency,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
}

// TelemetryKind identifies one of the periodic jobs of a session.
type TelemetryKind string

const (
	TelemetryHeartbeat    TelemetryKind = "heartbeat"
	TelemetryMeterValues  TelemetryKind = "meter_values"
	TelemetryClockAligned TelemetryKind = "clock_aligned"
)

// TelemetryKinds lists every job kind.
var TelemetryKinds = []TelemetryKind{TelemetryHeartbeat, TelemetryMeterValues, TelemetryClockAligned}

// SetTelemetryActive updates the flag of the given job kind.
func (s *Session) SetTelemetryActive(kind TelemetryKind, active bool) {
	switch kind {
	case TelemetryHeartbeat:
		s.HeartbeatActive = active
	case TelemetryMeterValues:
		s.MeterValuesActive = active
	case TelemetryClockAligned:
		s.ClockAlignedActive = active
	}
}
