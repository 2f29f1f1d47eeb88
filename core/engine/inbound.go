package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/ocpp"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/core/smartcharging"
)

// Trigger message status for requests the charge point does not support.
const statusNotImplemented = "NotImplemented"

type callError struct {
	code string
	desc string
}

func (c *callError) Error() string { return c.code + ": " + c.desc }

// HandleFrame routes one inbound frame. Results and errors resolve pending
// requests; calls from the central system are answered on the spot and any
// follow-up runs in the background.
func (e *Engine) HandleFrame(sessionID string, data []byte) {
	f, err := ocpp.Decode(data)
	if err != nil {
		e.log.With("session_id", sessionID).Warnf("dropping frame: %v", err)
		return
	}
	switch f.Type {
	case ocpp.MessageTypeCallResult:
		e.corr.HandleResult(sessionID, f.ID, f.Payload)
	case ocpp.MessageTypeCallError:
		e.corr.HandleError(sessionID, f.ID, f.ErrorCode, f.ErrorDescription, f.ErrorDetails)
	case ocpp.MessageTypeCall:
		e.handleCall(sessionID, f)
	}
}

func (e *Engine) handleCall(sessionID string, f ocpp.Frame) {
	e.onMessage(sessionID, model.ProtocolMessage{
		Direction: model.DirectionIn,
		Kind:      model.KindCall,
		ID:        f.ID,
		Action:    f.Action,
		Payload:   f.Payload,
		Timestamp: e.now(),
	})
	if e.metrics != nil {
		e.metrics.ObserveInbound(f.Action)
	}

	resp, follow, err := e.answer(sessionID, f)
	out := model.ProtocolMessage{Direction: model.DirectionOut, ID: f.ID, Action: f.Action}
	var frame []byte
	if err != nil {
		ce, ok := err.(*callError)
		if !ok {
			ce = &callError{code: ocpp.ErrorInternal, desc: err.Error()}
		}
		frame, err = ocpp.EncodeCallError(f.ID, ce.code, ce.desc, nil)
		out.Kind, out.ErrorCode, out.ErrorDescription = model.KindCallError, ce.code, ce.desc
		follow = nil
	} else {
		frame, err = ocpp.EncodeCallResult(f.ID, resp)
		out.Kind = model.KindCallResult
		if err == nil {
			if decoded, derr := ocpp.Decode(frame); derr == nil {
				out.Payload = decoded.Payload
			}
		}
	}
	if err != nil {
		e.log.Errorf("session %s: encode answer to %s: %v", sessionID, f.Action, err)
		return
	}
	if err := e.transport.Send(sessionID, frame); err != nil {
		e.log.Warnf("session %s: answer to %s not sent: %v", sessionID, f.Action, err)
		return
	}
	out.Timestamp = e.now()
	e.onMessage(sessionID, out)
	if follow != nil {
		e.background(sessionID, f.Action, follow)
	}
}

func decodeRequest[T any](f ocpp.Frame) (T, error) {
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, &callError{code: ocpp.ErrorFormationViolation, desc: err.Error()}
	}
	return v, nil
}

func accepted() payload.StatusConfirmation { return payload.StatusConfirmation{Status: payload.StatusAccepted} }

func rejected() payload.StatusConfirmation { return payload.StatusConfirmation{Status: payload.StatusRejected} }

// answer builds the confirmation of an inbound call and the follow-up to run
// once it is sent.
func (e *Engine) answer(sessionID string, f ocpp.Frame) (any, func(), error) {
	sl, err := e.slot(sessionID)
	if err != nil {
		return nil, nil, &callError{code: ocpp.ErrorInternal, desc: err.Error()}
	}
	switch f.Action {
	case payload.ActionRemoteStopTransaction:
		req, err := decodeRequest[payload.RemoteStopTransactionRequest](f)
		if err != nil {
			return nil, nil, err
		}
		sl.mu.Lock()
		tx := sl.session.TransactionID
		ok := tx != nil && *tx == req.TransactionID && !sl.stopRequested
		if ok {
			sl.stopRequested = true
			e.logf(sl, model.LevelInfo, "remote stop of transaction %d", req.TransactionID)
		}
		sl.mu.Unlock()
		if !ok {
			return rejected(), nil, nil
		}
		return accepted(), func() { e.runStopSequence(sessionID, "Remote") }, nil

	case payload.ActionRemoteStartTransaction:
		req, err := decodeRequest[payload.RemoteStartTransactionRequest](f)
		if err != nil {
			return nil, nil, err
		}
		sl.mu.Lock()
		busy := sl.session.TransactionID != nil
		sl.mu.Unlock()
		if busy || req.IDTag == "" {
			return rejected(), nil, nil
		}
		return accepted(), func() { e.remoteStart(sessionID, req.IDTag) }, nil

	case payload.ActionSetChargingProfile:
		req, err := decodeRequest[payload.SetChargingProfileRequest](f)
		if err != nil {
			return nil, nil, err
		}
		return e.setChargingProfile(sl, req), nil, nil

	case payload.ActionClearChargingProfile:
		req, err := decodeRequest[payload.ClearChargingProfileRequest](f)
		if err != nil {
			return nil, nil, err
		}
		n := e.limits.Clear(sessionID, smartcharging.ClearFilter{
			ProfileID:  req.ID,
			Purpose:    req.ChargingProfilePurpose,
			StackLevel: req.StackLevel,
		})
		if n == 0 {
			return payload.StatusConfirmation{Status: payload.StatusUnknown}, nil, nil
		}
		sl.mu.Lock()
		e.logf(sl, model.LevelInfo, "%d charging profile(s) cleared", n)
		sl.mu.Unlock()
		return accepted(), nil, nil

	case payload.ActionTriggerMessage:
		req, err := decodeRequest[payload.TriggerMessageRequest](f)
		if err != nil {
			return nil, nil, err
		}
		var follow func()
		switch req.RequestedMessage {
		case payload.ActionBootNotification:
			follow = func() { e.SendBootNotification(sessionID) }
		case payload.ActionHeartbeat:
			follow = func() { e.SendHeartbeat(sessionID) }
		case payload.ActionStatusNotification:
			follow = func() { e.SendStatusNotification(sessionID, "", "") }
		case payload.ActionMeterValues:
			follow = func() { e.SendMeterValues(sessionID, payload.ContextTrigger) }
		default:
			return payload.StatusConfirmation{Status: statusNotImplemented}, nil, nil
		}
		return accepted(), follow, nil
	}
	return nil, nil, &callError{code: ocpp.ErrorNotImplemented, desc: fmt.Sprintf("action %s is not supported", f.Action)}
}

func (e *Engine) setChargingProfile(sl *slot, req payload.SetChargingProfileRequest) payload.StatusConfirmation {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s := sl.session
	p := req.CsChargingProfiles
	if p.ChargingProfilePurpose == smartcharging.PurposeTx && s.TransactionID == nil {
		e.logf(sl, model.LevelWarn, "TxProfile %d rejected: no transaction", p.ChargingProfileID)
		return rejected()
	}
	kw, err := profileLimitKW(s, p.ChargingSchedule)
	if err == nil {
		err = e.limits.SetLimit(s.ID, smartcharging.Limit{
			ProfileID:  p.ChargingProfileID,
			Purpose:    p.ChargingProfilePurpose,
			StackLevel: p.StackLevel,
			KW:         kw,
			SetAt:      e.now(),
		})
	}
	if err != nil {
		e.logf(sl, model.LevelWarn, "charging profile %d rejected: %v", p.ChargingProfileID, err)
		return rejected()
	}
	e.logf(sl, model.LevelInfo, "charging profile %d: %.2f kW (%s, level %d)",
		p.ChargingProfileID, kw, p.ChargingProfilePurpose, p.StackLevel)
	return accepted()
}

// profileLimitKW converts the period in force at the start of the schedule
// to kW, using the session's phases and voltage for ampere limits.
func profileLimitKW(s *model.Session, sched payload.ChargingSchedule) (float64, error) {
	if len(sched.ChargingSchedulePeriod) == 0 {
		return 0, fmt.Errorf("schedule has no periods")
	}
	p := sched.ChargingSchedulePeriod[0]
	for _, c := range sched.ChargingSchedulePeriod[1:] {
		if c.StartPeriod < p.StartPeriod {
			p = c
		}
	}
	if p.Limit < 0 {
		return 0, fmt.Errorf("negative limit %.1f", p.Limit)
	}
	switch strings.ToUpper(sched.ChargingRateUnit) {
	case "W":
		return p.Limit / 1000, nil
	case "A":
		phases, voltage := charging.Electrical(s)
		if p.NumberPhases != nil && *p.NumberPhases > 0 {
			phases = *p.NumberPhases
		}
		return charging.PowerFromCurrent(p.Limit, phases, voltage), nil
	}
	return 0, fmt.Errorf("unknown charging rate unit %q", sched.ChargingRateUnit)
}

// remoteStart plugs the vehicle if needed, then authorizes idTag and starts a
// transaction.
func (e *Engine) remoteStart(sessionID, idTag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*e.cfg.RequestTimeout)
	defer cancel()
	sl, err := e.slot(sessionID)
	if err != nil {
		return
	}
	sl.mu.Lock()
	switch sl.session.State {
	case model.StatePlugged, model.StateAuthorized:
	default:
		if e.machine.Transition(sl.session, model.StatePlugged) {
			e.commitLocked(sl)
		}
	}
	authorized := sl.session.State == model.StateAuthorized && sl.session.IDTag == idTag
	sl.mu.Unlock()

	if !authorized {
		conf, err := e.SendAuthorize(sessionID, idTag).Await(ctx)
		if err != nil || conf.IDTagInfo.Status != payload.StatusAccepted {
			return
		}
	}
	_, _ = e.SendStartTransaction(sessionID).Await(ctx)
}
