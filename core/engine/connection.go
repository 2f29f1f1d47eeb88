package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/ocpp"
	"github.com/kilianp07/cpsim/core/smartcharging"
)

// Connect opens the session's transport. It is a no-op success when the
// session is already connected. Failures are logged to the session, leave
// its state unchanged and return false.
func (e *Engine) Connect(ctx context.Context, sessionID string) bool {
	sl, err := e.slot(sessionID)
	if err != nil {
		e.log.Warnf("connect: %v", err)
		return false
	}
	if e.transport.IsConnected(sessionID) {
		return true
	}

	sl.mu.Lock()
	s := sl.session
	ep := ocpp.Endpoint{
		URL:         ocpp.EndpointURL(s.URL, s.ChargePointID),
		Subprotocol: ocpp.Subprotocol(s.ProtocolVersion),
		Token:       s.AuthToken,
		Timeout:     e.cfg.connectionTimeout(s),
	}
	sl.mu.Unlock()

	fromSource := ep.Token == "" && e.tokens != nil
	if fromSource {
		tok, err := e.tokens.GetToken(ctx)
		if err != nil {
			sl.mu.Lock()
			e.logf(sl, model.LevelWarn, "connection to %s failed: %v", ep.URL, err)
			sl.mu.Unlock()
			return false
		}
		ep.Token = tok
	}
	opened, err := e.transport.Connect(ctx, sessionID, ep)
	if err != nil && fromSource && errors.Is(err, ocpp.ErrUnauthorized) {
		if tok, rerr := e.tokens.ForceRefresh(ctx); rerr == nil {
			ep.Token = tok
			opened, err = e.transport.Connect(ctx, sessionID, ep)
		}
	}
	if err != nil {
		sl.mu.Lock()
		e.logf(sl, model.LevelWarn, "connection to %s failed: %v", ep.URL, err)
		sl.mu.Unlock()
		return false
	}
	if !opened {
		// a concurrent caller's dial; that caller records the connection
		return true
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	s = sl.session
	s.Subprotocol = ep.Subprotocol
	if s.State != model.StateConnected && !e.machine.Transition(s, model.StateConnected) {
		e.machine.ForceTransition(s, model.StateConnected, "transport opened")
	}
	e.logf(sl, model.LevelInfo, "connected to %s (%s)", ep.URL, ep.Subprotocol)
	e.commitLocked(sl)
	return true
}

// Disconnect stops the session's telemetry, fails its pending requests,
// closes the transport and moves it to DISCONNECTED. Calling it on a
// disconnected session changes nothing.
func (e *Engine) Disconnect(sessionID string) {
	sl, err := e.slot(sessionID)
	if err != nil {
		return
	}
	e.stopTelemetry(sl)
	e.corr.FailAll(sessionID, fmt.Errorf("%w: %s", correlator.ErrNotConnected, sessionID))
	closed := e.transport.Close(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !closed && sl.session.State == model.StateDisconnected {
		return
	}
	e.toDisconnected(sl, "disconnected")
}

// HandleClose is called by the transport when a connection is lost without
// Disconnect being called.
func (e *Engine) HandleClose(sessionID string, cause error) {
	sl, err := e.slot(sessionID)
	if err != nil {
		return
	}
	e.stopTelemetry(sl)
	e.corr.FailAll(sessionID, fmt.Errorf("%w: %v", correlator.ErrNotConnected, cause))

	sl.mu.Lock()
	defer sl.mu.Unlock()
	e.toDisconnected(sl, fmt.Sprintf("connection lost: %v", cause))
}

func (e *Engine) toDisconnected(sl *slot, why string) {
	s := sl.session
	if s.TransactionID != nil {
		e.logf(sl, model.LevelWarn, "transaction %d abandoned", *s.TransactionID)
		s.TransactionID = nil
		e.limits.Clear(s.ID, smartcharging.ClearFilter{Purpose: smartcharging.PurposeTx})
	}
	s.PowerKW, s.CurrentA = 0, 0
	s.Idle = false
	if s.State != model.StateDisconnected && !e.machine.Transition(s, model.StateDisconnected) {
		e.machine.ForceTransition(s, model.StateDisconnected, why)
	}
	e.logf(sl, model.LevelInfo, "%s", why)
	e.commitLocked(sl)
}

// stopTelemetry cancels every job of the session and clears the flags.
func (e *Engine) stopTelemetry(sl *slot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, k := range e.sched.StopAll(sl.session.ID) {
		sl.log.Debugf("stopped %s job", k)
	}
	for _, k := range model.TelemetryKinds {
		sl.session.SetTelemetryActive(k, false)
	}
}

// DisconnectAll disconnects every session.
func (e *Engine) DisconnectAll() {
	var wg sync.WaitGroup
	for _, id := range e.ids() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.Disconnect(id)
		}(id)
	}
	wg.Wait()
}

// IsConnected reports whether the session has an open transport.
func (e *Engine) IsConnected(sessionID string) bool {
	return e.transport.IsConnected(sessionID)
}

// ActiveConnectionCount returns the number of open transports.
func (e *Engine) ActiveConnectionCount() int { return e.transport.Count() }
