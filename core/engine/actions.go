package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/cpsim/core/async"
	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/core/smartcharging"
	"github.com/kilianp07/cpsim/core/statemachine"
)

// request describes one outbound call.
type request struct {
	action string
	ctx    payload.Context
	// check validates the session before anything is sent.
	check func(s *model.Session) error
	// force moves the session to a transitional state once the payload is
	// built.
	force  model.ChargePointState
	reason string
	// prepare runs after force, under the session lock.
	prepare func(sl *slot)
}

// send builds the payload from a session snapshot, applies the transitional
// state and hands the call to the correlator. The correlator is never called
// with the slot lock held.
func (e *Engine) send(sessionID string, r request) *async.Future[json.RawMessage] {
	sl, err := e.slot(sessionID)
	if err != nil {
		return failed[json.RawMessage](err)
	}
	body, err := func() (any, error) {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		s := sl.session
		if r.force != "" && !e.transport.IsConnected(sessionID) {
			return nil, fmt.Errorf("%w: %s", correlator.ErrNotConnected, sessionID)
		}
		if r.check != nil {
			if err := r.check(s); err != nil {
				return nil, err
			}
		}
		pc := r.ctx
		pc.Session = s.Clone()
		pc.Time = e.now().UTC()
		body, err := e.payloads.Build(r.action, pc)
		if err != nil {
			e.logf(sl, model.LevelWarn, "%s not sent: %v", r.action, err)
			return nil, err
		}
		if r.force != "" && s.State != r.force {
			e.machine.ForceTransition(s, r.force, r.reason)
		}
		if r.prepare != nil {
			r.prepare(sl)
		}
		if r.force != "" || r.prepare != nil {
			e.commitLocked(sl)
		}
		return body, nil
	}()
	if err != nil {
		return failed[json.RawMessage](err)
	}
	return e.corr.SendCall(sessionID, r.action, body)
}

// complete runs fn under the session lock once raw resolves and derives the
// caller's future from its result. Failures are logged to the session.
func complete[T any](e *Engine, sessionID, action string, raw *async.Future[json.RawMessage],
	fn func(sl *slot, conf T, err error) error) *async.Future[T] {
	return async.Map(raw, func(body json.RawMessage, callErr error) (conf T, err error) {
		defer e.recoverSession(sessionID, action+" continuation", &err)
		err = callErr
		if err == nil {
			conf, err = decode[T](body)
		}
		sl, serr := e.slot(sessionID)
		if serr != nil {
			return conf, errors.Join(err, serr)
		}
		sl.mu.Lock()
		defer sl.mu.Unlock()
		if err != nil {
			e.logf(sl, model.LevelWarn, "%s failed: %v", action, err)
		}
		if ferr := fn(sl, conf, err); ferr != nil && err == nil {
			err = ferr
		}
		e.commitLocked(sl)
		return conf, err
	})
}

// SendBootNotification announces the charge point. Accepted stores the
// heartbeat interval, moves the session to BOOT_ACCEPTED and starts the
// heartbeat job; Rejected faults the session.
func (e *Engine) SendBootNotification(sessionID string) *async.Future[payload.BootNotificationConfirmation] {
	raw := e.send(sessionID, request{action: payload.ActionBootNotification})
	return complete(e, sessionID, payload.ActionBootNotification, raw,
		func(sl *slot, conf payload.BootNotificationConfirmation, err error) error {
			if err != nil {
				return nil
			}
			s := sl.session
			switch conf.Status {
			case payload.StatusAccepted:
				if conf.Interval > 0 {
					s.HeartbeatIntervalSec = conf.Interval
				}
				if s.State != model.StateBootAccepted && !e.machine.Transition(s, model.StateBootAccepted) {
					e.logf(sl, model.LevelWarn, "boot accepted in state %s", s.State)
				}
				e.startHeartbeatLocked(sl, e.cfg.heartbeatInterval(s))
			case payload.StatusRejected:
				e.machine.Transition(s, model.StateFaulted)
				e.logf(sl, model.LevelWarn, "boot rejected, retry in %ds", conf.Interval)
			default:
				e.logf(sl, model.LevelInfo, "boot %s", conf.Status)
			}
			return nil
		})
}

// authorizeFrom lists the states an authorize request may leave. A session
// in a transaction or with a request in flight is never re-authorized.
var authorizeFrom = map[model.ChargePointState]bool{
	model.StateBootAccepted: true,
	model.StateAvailable:    true,
	model.StateReserved:     true,
	model.StateParked:       true,
	model.StatePlugged:      true,
	model.StateAuthorized:   true,
	model.StateFinished:     true,
}

// SendAuthorize authorizes idTag, or the session's id tag when empty. The
// session is AUTHORIZING while the request is in flight and AUTHORIZED when
// accepted. Otherwise a session that had a vehicle plugged returns to
// PLUGGED and any other one to the state it left.
func (e *Engine) SendAuthorize(sessionID, idTag string) *async.Future[payload.AuthorizeConfirmation] {
	var from model.ChargePointState
	raw := e.send(sessionID, request{
		action: payload.ActionAuthorize,
		ctx:    payload.Context{IDTag: idTag},
		check: func(s *model.Session) error {
			if s.TransactionID != nil || !authorizeFrom[s.State] {
				return fmt.Errorf("%w: authorize in state %s", statemachine.ErrInvalidTransition, s.State)
			}
			from = s.State
			return nil
		},
		force:  model.StateAuthorizing,
		reason: "authorize requested",
		prepare: func(sl *slot) {
			if idTag != "" {
				sl.session.IDTag = idTag
			}
		},
	})
	return complete(e, sessionID, payload.ActionAuthorize, raw,
		func(sl *slot, conf payload.AuthorizeConfirmation, err error) error {
			s := sl.session
			if from == "" || s.State != model.StateAuthorizing {
				return nil
			}
			if err == nil && conf.IDTagInfo.Status == payload.StatusAccepted {
				e.machine.Transition(s, model.StateAuthorized)
				return nil
			}
			if err == nil {
				e.logf(sl, model.LevelWarn, "id tag %s %s", s.IDTag, conf.IDTagInfo.Status)
			}
			switch from {
			case model.StatePlugged, model.StateAuthorized:
				e.machine.Transition(s, model.StatePlugged)
			default:
				e.machine.ForceTransition(s, from, "authorize not accepted")
			}
			return nil
		})
}

// SendStartTransaction starts a transaction on an authorized session.
// Accepted stores the transaction id, moves the session to CHARGING and
// starts the meter values job; anything else returns it to AUTHORIZED.
func (e *Engine) SendStartTransaction(sessionID string) *async.Future[payload.StartTransactionConfirmation] {
	raw := e.send(sessionID, request{
		action: payload.ActionStartTransaction,
		check: func(s *model.Session) error {
			if s.TransactionID != nil {
				return fmt.Errorf("%w: transaction %d already active", statemachine.ErrInvalidTransition, *s.TransactionID)
			}
			if s.State != model.StateAuthorized {
				return fmt.Errorf("%w: start transaction in state %s", statemachine.ErrInvalidTransition, s.State)
			}
			return nil
		},
		force:  model.StateStarting,
		reason: "start transaction requested",
	})
	return complete(e, sessionID, payload.ActionStartTransaction, raw,
		func(sl *slot, conf payload.StartTransactionConfirmation, err error) error {
			s := sl.session
			if s.State != model.StateStarting {
				return nil
			}
			if err != nil || conf.IDTagInfo.Status != payload.StatusAccepted {
				e.machine.Transition(s, model.StateAuthorized)
				if err == nil {
					e.logf(sl, model.LevelWarn, "start transaction %s", conf.IDTagInfo.Status)
				}
				return nil
			}
			tx := conf.TransactionID
			s.TransactionID = &tx
			s.StartedAt = e.now()
			s.StoppedAt = time.Time{}
			s.EnergyKWh = 0
			s.Idle, s.IdleSince = false, time.Time{}
			e.machine.Transition(s, model.StateCharging)
			e.logf(sl, model.LevelInfo, "transaction %d started", tx)
			return e.startMeterValuesLocked(sl, e.cfg.meterValuesInterval(s))
		})
}

// SendStopTransaction stops the active transaction with reason. The session
// is STOPPING while the request is in flight and FINISHING afterwards. A
// failed request still ends the transaction locally.
func (e *Engine) SendStopTransaction(sessionID, reason string) *async.Future[payload.StopTransactionConfirmation] {
	raw := e.send(sessionID, request{
		action: payload.ActionStopTransaction,
		ctx:    payload.Context{Reason: reason},
		check: func(s *model.Session) error {
			if s.TransactionID == nil {
				return ErrNoTransaction
			}
			return nil
		},
		force:  model.StateStopping,
		reason: "stop transaction requested",
		prepare: func(sl *slot) {
			if e.sched.Stop(sl.session.ID, model.TelemetryMeterValues) {
				sl.session.SetTelemetryActive(model.TelemetryMeterValues, false)
			}
			sl.session.PowerKW, sl.session.CurrentA = 0, 0
		},
	})
	return complete(e, sessionID, payload.ActionStopTransaction, raw,
		func(sl *slot, _ payload.StopTransactionConfirmation, err error) error {
			s := sl.session
			if s.State != model.StateStopping {
				return nil
			}
			if s.TransactionID != nil {
				e.logf(sl, model.LevelInfo, "transaction %d stopped (%.2f kWh)", *s.TransactionID, s.EnergyKWh)
			}
			s.TransactionID = nil
			s.Idle = false
			e.limits.Clear(s.ID, smartcharging.ClearFilter{Purpose: smartcharging.PurposeTx})
			e.machine.Transition(s, model.StateFinishing)
			return nil
		})
}

// SendStatusNotification reports the connector status. An empty status is
// derived from the session state.
func (e *Engine) SendStatusNotification(sessionID, status, errorCode string) *async.Future[payload.StatusConfirmation] {
	raw := e.send(sessionID, request{
		action: payload.ActionStatusNotification,
		ctx:    payload.Context{Status: status, ErrorCode: errorCode},
	})
	return complete(e, sessionID, payload.ActionStatusNotification, raw,
		func(*slot, payload.StatusConfirmation, error) error { return nil })
}

// SendMeterValues reports the current meter reading with the given sampling
// context.
func (e *Engine) SendMeterValues(sessionID, samplingContext string) *async.Future[payload.StatusConfirmation] {
	if samplingContext == "" {
		samplingContext = payload.ContextPeriodic
	}
	raw := e.send(sessionID, request{
		action: payload.ActionMeterValues,
		ctx:    payload.Context{SamplingContext: samplingContext},
	})
	return complete(e, sessionID, payload.ActionMeterValues, raw,
		func(*slot, payload.StatusConfirmation, error) error { return nil })
}

// SendHeartbeat sends an empty-bodied heartbeat.
func (e *Engine) SendHeartbeat(sessionID string) *async.Future[payload.HeartbeatConfirmation] {
	raw := e.send(sessionID, request{action: payload.ActionHeartbeat})
	return complete(e, sessionID, payload.ActionHeartbeat, raw,
		func(*slot, payload.HeartbeatConfirmation, error) error { return nil })
}

// Plug connects a vehicle and reports the connector as Preparing.
func (e *Engine) Plug(sessionID string) error {
	return e.vehicle(sessionID, model.StatePlugged, "Preparing")
}

// Park places a vehicle in front of the charger without plugging it.
func (e *Engine) Park(sessionID string) error {
	return e.vehicle(sessionID, model.StateParked, "")
}

// Unplug removes the vehicle and reports the connector as Available.
func (e *Engine) Unplug(sessionID string) error {
	return e.vehicle(sessionID, model.StateAvailable, "Available")
}

func (e *Engine) vehicle(sessionID string, target model.ChargePointState, status string) error {
	sl, err := e.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	from := sl.session.State
	ok := e.machine.Transition(sl.session, target)
	if ok {
		e.commitLocked(sl)
	}
	sl.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s -> %s", statemachine.ErrInvalidTransition, from, target)
	}
	if status != "" && e.transport.IsConnected(sessionID) {
		e.SendStatusNotification(sessionID, status, "")
	}
	return nil
}
