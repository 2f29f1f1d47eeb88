// Package correlator matches outgoing OCPP requests with their results,
// errors or timeouts. Every request is resolved exactly once, by whichever of
// the three outcomes happens first.
package correlator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/cpsim/core/async"
	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/ocpp"
)

// DefaultTimeout bounds every request round-trip.
const DefaultTimeout = 30 * time.Second

var (
	// ErrProtocolTimeout is returned when no result or error arrived in time.
	ErrProtocolTimeout = errors.New("protocol request timed out")
	// ErrNotConnected is returned when the session has no open transport.
	ErrNotConnected = errors.New("session not connected")
)

// Outcome labels used for metrics.
const (
	OutcomeResult  = "result"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeAborted = "aborted"
)

// Transport transmits framed messages for a session.
type Transport interface {
	IsConnected(sessionID string) bool
	Send(sessionID string, frame []byte) error
}

// HistoryFunc receives every message exchanged through the correlator.
type HistoryFunc func(sessionID string, msg model.ProtocolMessage)

// Metrics observes request outcomes.
type Metrics interface {
	ObserveCall(action, outcome string, latency time.Duration)
}

// PendingRequest is an outbound request awaiting resolution.
type PendingRequest struct {
	SessionID string
	ID        string
	Action    string
	Future    *async.Future[json.RawMessage]
	SentAt    time.Time
	Deadline  time.Time

	timer *time.Timer
}

type pendingSet struct {
	mu   sync.Mutex
	reqs map[string]*PendingRequest
}

// Options configures a Correlator.
type Options struct {
	Timeout time.Duration
	Logger  logger.Logger
	History HistoryFunc
	Metrics Metrics
	// NewID mints correlation ids. Defaults to random UUIDs.
	NewID func() string
}

// Correlator tracks pending requests per session.
type Correlator struct {
	transport Transport
	timeout   time.Duration
	log       logger.Logger
	history   HistoryFunc
	metrics   Metrics
	newID     func() string

	sessions sync.Map // session id -> *pendingSet
}

// New creates a Correlator writing through t.
func New(t Transport, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.History == nil {
		opts.History = func(string, model.ProtocolMessage) {}
	}
	return &Correlator{
		transport: t,
		timeout:   opts.Timeout,
		log:       opts.Logger,
		history:   opts.History,
		metrics:   opts.Metrics,
		newID:     opts.NewID,
	}
}

func (c *Correlator) set(sessionID string) *pendingSet {
	if v, ok := c.sessions.Load(sessionID); ok {
		return v.(*pendingSet)
	}
	v, _ := c.sessions.LoadOrStore(sessionID, &pendingSet{reqs: make(map[string]*PendingRequest)})
	return v.(*pendingSet)
}

// SendCall transmits action with payload and returns a future resolved by the
// matching result, error or timeout.
func (c *Correlator) SendCall(sessionID, action string, payload any) *async.Future[json.RawMessage] {
	if !c.transport.IsConnected(sessionID) {
		return async.Completed[json.RawMessage](nil, fmt.Errorf("%w: %s", ErrNotConnected, sessionID))
	}
	id := c.newID()
	frame, err := ocpp.EncodeCall(id, action, payload)
	if err != nil {
		return async.Completed[json.RawMessage](nil, fmt.Errorf("encode %s: %w", action, err))
	}

	now := time.Now()
	req := &PendingRequest{
		SessionID: sessionID,
		ID:        id,
		Action:    action,
		Future:    async.New[json.RawMessage](),
		SentAt:    now,
		Deadline:  now.Add(c.timeout),
	}
	ps := c.set(sessionID)
	ps.mu.Lock()
	ps.reqs[id] = req
	req.timer = time.AfterFunc(c.timeout, func() { c.expire(sessionID, id) })
	ps.mu.Unlock()

	var body json.RawMessage
	if parts, derr := ocpp.Decode(frame); derr == nil {
		body = parts.Payload
	}
	c.history(sessionID, model.ProtocolMessage{
		Direction: model.DirectionOut,
		Kind:      model.KindCall,
		ID:        id,
		Action:    action,
		Payload:   body,
		Timestamp: now,
	})

	if err := c.transport.Send(sessionID, frame); err != nil {
		if r := c.take(sessionID, id); r != nil {
			c.observe(r, OutcomeAborted)
			r.Future.Complete(nil, fmt.Errorf("send %s: %w", action, err))
		}
	}
	return req.Future
}

// take atomically removes the pending request and stops its timer.
func (c *Correlator) take(sessionID, id string) *PendingRequest {
	v, ok := c.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	ps := v.(*pendingSet)
	ps.mu.Lock()
	r, ok := ps.reqs[id]
	if ok {
		delete(ps.reqs, id)
	}
	ps.mu.Unlock()
	if !ok {
		return nil
	}
	r.timer.Stop()
	return r
}

func (c *Correlator) expire(sessionID, id string) {
	r := c.take(sessionID, id)
	if r == nil {
		return
	}
	c.log.Warnf("session %s: %s %s timed out after %s", sessionID, r.Action, id, c.timeout)
	c.observe(r, OutcomeTimeout)
	r.Future.Complete(nil, fmt.Errorf("%w: %s %s after %s", ErrProtocolTimeout, r.Action, id, c.timeout))
}

// HandleResult resolves the request id with payload. Unknown or late ids are
// ignored; the return value reports whether a request matched.
func (c *Correlator) HandleResult(sessionID, id string, payload json.RawMessage) bool {
	r := c.take(sessionID, id)
	if r == nil {
		c.log.Debugf("session %s: result for unknown request %s", sessionID, id)
		return false
	}
	latency := time.Since(r.SentAt)
	c.history(sessionID, model.ProtocolMessage{
		Direction: model.DirectionIn,
		Kind:      model.KindCallResult,
		ID:        id,
		Action:    r.Action,
		Payload:   payload,
		Timestamp: time.Now(),
		Latency:   latency,
	})
	c.observe(r, OutcomeResult)
	r.Future.Complete(payload, nil)
	return true
}

// HandleError resolves the request id with a ProtocolError.
func (c *Correlator) HandleError(sessionID, id, code, description string, details json.RawMessage) bool {
	r := c.take(sessionID, id)
	if r == nil {
		c.log.Debugf("session %s: error for unknown request %s", sessionID, id)
		return false
	}
	c.history(sessionID, model.ProtocolMessage{
		Direction:        model.DirectionIn,
		Kind:             model.KindCallError,
		ID:               id,
		Action:           r.Action,
		Payload:          details,
		Timestamp:        time.Now(),
		Latency:          time.Since(r.SentAt),
		ErrorCode:        code,
		ErrorDescription: description,
	})
	c.observe(r, OutcomeError)
	r.Future.Complete(nil, &ocpp.ProtocolError{Code: code, Description: description, Details: details})
	return true
}

// FailAll resolves every pending request of the session with err and returns
// how many were pending.
func (c *Correlator) FailAll(sessionID string, err error) int {
	v, ok := c.sessions.Load(sessionID)
	if !ok {
		return 0
	}
	ps := v.(*pendingSet)
	ps.mu.Lock()
	reqs := make([]*PendingRequest, 0, len(ps.reqs))
	for id, r := range ps.reqs {
		reqs = append(reqs, r)
		delete(ps.reqs, id)
	}
	ps.mu.Unlock()
	for _, r := range reqs {
		r.timer.Stop()
		c.observe(r, OutcomeAborted)
		r.Future.Complete(nil, err)
	}
	return len(reqs)
}

// Forget drops the bookkeeping of a session, failing whatever is pending.
func (c *Correlator) Forget(sessionID string) {
	c.FailAll(sessionID, fmt.Errorf("%w: %s", ErrNotConnected, sessionID))
	c.sessions.Delete(sessionID)
}

// Pending returns the number of unresolved requests of a session.
func (c *Correlator) Pending(sessionID string) int {
	v, ok := c.sessions.Load(sessionID)
	if !ok {
		return 0
	}
	ps := v.(*pendingSet)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.reqs)
}

// Timeout returns the configured request deadline.
func (c *Correlator) Timeout() time.Duration { return c.timeout }

func (c *Correlator) observe(r *PendingRequest, outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveCall(r.Action, outcome, time.Since(r.SentAt))
	}
}
