package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
)

// ErrInvalidTransition is returned by callers that surface a rejected guarded
// transition as an error.
var ErrInvalidTransition = errors.New("invalid state transition")

// Machine applies lifecycle transitions to sessions. It holds no per-session
// state; callers serialize access to a given session.
type Machine struct {
	log logger.Logger
	now func() time.Time
}

// New creates a Machine. A nil clock defaults to time.Now.
func New(log logger.Logger, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{log: log, now: now}
}

// Transition moves s to target if the guard table permits it. On rejection the
// session is left untouched and false is returned.
func (m *Machine) Transition(s *model.Session, target model.ChargePointState) bool {
	from := currentState(s)
	if !Permitted(from, target) {
		m.log.Debugf("session %s: rejected transition %s -> %s", s.ID, from, target)
		return false
	}
	m.apply(s, from, target, fmt.Sprintf("%s -> %s", from, target))
	return true
}

// ForceTransition moves s to target without consulting the guard table.
func (m *Machine) ForceTransition(s *model.Session, target model.ChargePointState, reason string) {
	from := currentState(s)
	m.log.Infof("session %s: forced transition %s -> %s: %s", s.ID, from, target, reason)
	m.apply(s, from, target, fmt.Sprintf("%s -> %s (forced: %s)", from, target, reason))
}

func currentState(s *model.Session) model.ChargePointState {
	if s.State == "" {
		return model.StateDisconnected
	}
	return s.State
}

func (m *Machine) apply(s *model.Session, from, to model.ChargePointState, entry string) {
	now := m.now()
	s.State = to
	switch to {
	case model.StateConnected, model.StateBootAccepted, model.StateAvailable, model.StateReserved:
		s.Connected = true
	case model.StatePlugged:
		s.Connected = true
		s.Plugged = true
		s.Parked = false
	case model.StateParked:
		s.Connected = true
		s.Parked = true
	case model.StateAuthorized:
		s.Connected = true
		s.Authorized = true
	case model.StateStarting, model.StateCharging:
		s.Connected = true
		s.Charging = true
		if s.StartedAt.IsZero() {
			s.StartedAt = now
		}
	case model.StateSuspendedEV, model.StateSuspendedEVSE:
		s.Charging = false
	case model.StateStopping, model.StateFinishing, model.StateFinished:
		s.StoppedAt = now
		s.Charging = false
	case model.StateDisconnected, model.StateIdle:
		s.Connected = false
		s.Charging = false
		s.Authorized = false
	}
	if to == model.StateAvailable {
		s.Plugged = false
		s.Parked = false
		s.Authorized = false
	}
	s.Log = append(s.Log, model.LogEntry{Time: now, Level: model.LevelInfo, Message: entry})
	s.UpdatedAt = now
	m.log.Debugf("session %s: %s", s.ID, entry)
}
