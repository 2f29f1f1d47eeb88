// Package engine orchestrates simulated charge point sessions. It owns the
// per-session slots, drives the state machine from protocol outcomes, runs
// the charging simulation on telemetry ticks and answers requests from the
// central system.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/cpsim/core/async"
	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/monitoring"
	"github.com/kilianp07/cpsim/core/ocpp"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/core/sessionstore"
	"github.com/kilianp07/cpsim/core/smartcharging"
	"github.com/kilianp07/cpsim/core/statemachine"
	"github.com/kilianp07/cpsim/core/telemetry"
)

var (
	// ErrUnknownSession is returned for ids the engine does not know.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoTransaction is returned when an operation needs an active transaction.
	ErrNoTransaction = errors.New("no active transaction")
)

// SimulationError wraps an unexpected fault inside a charging tick or a
// background sequence.
type SimulationError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SimulationError) Unwrap() error { return e.Err }

// Transport opens and closes the wire connection of a session.
type Transport interface {
	correlator.Transport
	Connect(ctx context.Context, sessionID string, ep ocpp.Endpoint) (bool, error)
	Close(sessionID string) bool
	Count() int
}

// Broadcaster receives session, log and chart updates. Publish must not block.
type Broadcaster interface {
	Publish(u model.SessionUpdate)
}

// Recorder taps the protocol stream. Failures never reach the protocol path.
type Recorder interface {
	IsRecording() bool
	RecordEvent(sessionID string, m model.ProtocolMessage) error
}

// TokenSource supplies the bearer token of sessions without a static one.
// ForceRefresh is used once when the central system refuses a cached token.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Metrics observes engine level activity.
type Metrics interface {
	ObserveTick(s model.ChargingSample)
	ObserveInbound(action string)
}

// Options carries the collaborators of an Engine. Nil fields get in-memory
// or no-op defaults.
type Options struct {
	Config      Config
	Logger      logger.Logger
	Repository  sessionstore.Repository
	Payloads    *payload.Registry
	Limits      *smartcharging.Store
	Simulator   *charging.Simulator
	Catalog     *charging.Catalog
	Broadcaster Broadcaster
	Recorder    Recorder
	Metrics     Metrics
	Tokens      TokenSource
	// Monitor receives every fault handled by the recovery routine.
	Monitor monitoring.Monitor

	CorrelatorMetrics correlator.Metrics
	TelemetryMetrics  telemetry.Metrics

	// Now is the engine clock. Defaults to time.Now.
	Now func() time.Time
}

type slot struct {
	mu      sync.Mutex
	session *model.Session
	log     logger.Logger
	// stopRequested is set while an automatic stop is under way.
	stopRequested bool
}

// Engine is the session runtime.
type Engine struct {
	cfg       Config
	log       logger.Logger
	now       func() time.Time
	machine   *statemachine.Machine
	transport Transport
	corr      *correlator.Correlator
	sched     *telemetry.Scheduler
	sim       *charging.Simulator
	payloads  *payload.Registry
	limits    *smartcharging.Store
	catalog   *charging.Catalog
	repo      sessionstore.Repository
	bcast     Broadcaster
	rec       Recorder
	metrics   Metrics
	tokens    TokenSource
	monitor   monitoring.Monitor

	mu    sync.RWMutex
	slots map[string]*slot

	bg sync.WaitGroup
}

// New creates an Engine writing through t. The caller routes inbound frames
// and closures of t to the engine's HandleFrame and HandleClose.
func New(t Transport, opts Options) *Engine {
	cfg := opts.Config
	cfg.SetDefaults()
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:       cfg,
		log:       log,
		now:       now,
		machine:   statemachine.New(log.With("component", "statemachine"), now),
		transport: t,
		sched:     telemetry.NewScheduler(log.With("component", "telemetry"), opts.TelemetryMetrics, now),
		payloads:  opts.Payloads,
		limits:    opts.Limits,
		catalog:   opts.Catalog,
		repo:      opts.Repository,
		bcast:     opts.Broadcaster,
		rec:       opts.Recorder,
		metrics:   opts.Metrics,
		tokens:    opts.Tokens,
		monitor:   opts.Monitor,
		sim:       opts.Simulator,
		slots:     make(map[string]*slot),
	}
	if e.payloads == nil {
		e.payloads = payload.Default(cfg.Vendor, cfg.Model)
	}
	if e.limits == nil {
		e.limits = smartcharging.NewStore()
	}
	if e.repo == nil {
		e.repo = sessionstore.NewMemoryStore()
	}
	if e.sim == nil {
		e.sim = charging.Default(e.limits)
	}
	if e.monitor == nil {
		e.monitor = monitoring.NopMonitor{}
	}
	e.corr = correlator.New(t, correlator.Options{
		Timeout: cfg.RequestTimeout,
		Logger:  log.With("component", "correlator"),
		History: e.onMessage,
		Metrics: opts.CorrelatorMetrics,
	})
	return e
}

// Limits returns the smart-charging store consulted by the simulator.
func (e *Engine) Limits() *smartcharging.Store { return e.limits }

// CreateSession registers a new session built from tmpl. Empty fields are
// filled from the named catalog profile, then from the configured defaults.
// A missing id is generated.
func (e *Engine) CreateSession(ctx context.Context, tmpl model.Session, profile string) (*model.Session, error) {
	s := tmpl.Clone()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if profile != "" {
		if e.catalog == nil {
			return nil, fmt.Errorf("profile %q requested but no catalog is loaded", profile)
		}
		p, ok := e.catalog.Profile(profile)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", profile)
		}
		p.Apply(s)
	}
	e.cfg.applyDefaults(s)
	s.State = model.StateDisconnected
	s.Connected, s.Charging, s.Authorized = false, false, false
	s.TransactionID = nil
	s.Log, s.Messages = nil, nil
	s.UpdatedAt = e.now()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, dup := e.slots[s.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", s.ID)
	}
	sl := &slot{session: s, log: e.log.With("session_id", s.ID)}
	e.slots[s.ID] = sl
	e.mu.Unlock()

	if err := e.repo.Save(ctx, s); err != nil {
		e.mu.Lock()
		delete(e.slots, s.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("save session: %w", err)
	}
	sl.mu.Lock()
	e.logf(sl, model.LevelInfo, "session created for %s (%s)", s.ChargePointID, s.ChargerType)
	snap := e.commitLocked(sl)
	sl.mu.Unlock()
	return snap, nil
}

// Restore registers sessions found in the repository, for example after a
// restart. They come back disconnected.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	list, err := e.repo.List(ctx, sessionstore.Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range list {
		e.mu.Lock()
		if _, ok := e.slots[s.ID]; ok {
			e.mu.Unlock()
			continue
		}
		sl := &slot{session: s, log: e.log.With("session_id", s.ID)}
		e.slots[s.ID] = sl
		e.mu.Unlock()
		sl.mu.Lock()
		if s.State != model.StateDisconnected {
			e.machine.ForceTransition(s, model.StateDisconnected, "restored")
		}
		s.TransactionID = nil
		for _, k := range model.TelemetryKinds {
			s.SetTelemetryActive(k, false)
		}
		e.commitLocked(sl)
		sl.mu.Unlock()
		n++
	}
	return n, nil
}

// Session returns a snapshot of the session.
func (e *Engine) Session(id string) (*model.Session, error) {
	sl, err := e.slot(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.session.Clone(), nil
}

// Sessions returns snapshots of every session matching f, sorted by id.
func (e *Engine) Sessions(f sessionstore.Filter) []*model.Session {
	e.mu.RLock()
	slots := make([]*slot, 0, len(e.slots))
	for _, sl := range e.slots {
		slots = append(slots, sl)
	}
	e.mu.RUnlock()
	out := make([]*model.Session, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		if f.Match(sl.session) {
			out = append(out, sl.session.Clone())
		}
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteSession disconnects the session and drops every trace of it.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.slot(id); err != nil {
		return err
	}
	e.Disconnect(id)
	e.mu.Lock()
	delete(e.slots, id)
	e.mu.Unlock()
	e.corr.Forget(id)
	e.limits.Forget(id)
	if err := e.repo.Delete(ctx, id); err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		return err
	}
	return nil
}

// Close disconnects every session and waits for background work to finish.
func (e *Engine) Close() {
	e.DisconnectAll()
	e.sched.Close()
	e.bg.Wait()
}

func (e *Engine) slot(id string) (*slot, error) {
	e.mu.RLock()
	sl, ok := e.slots[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sl, nil
}

func (e *Engine) ids() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	return ids
}

// logf writes to the session log and the process log. sl.mu must be held.
func (e *Engine) logf(sl *slot, level model.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := model.LogEntry{Time: e.now(), Level: level, Message: msg}
	sl.session.Log = append(sl.session.Log, entry)
	if n := e.cfg.MaxHistory; n > 0 && len(sl.session.Log) > n {
		sl.session.Log = sl.session.Log[len(sl.session.Log)-n:]
	}
	switch level {
	case model.LevelError:
		sl.log.Errorf("%s", msg)
	case model.LevelWarn:
		sl.log.Warnf("%s", msg)
	default:
		sl.log.Infof("%s", msg)
	}
	e.publish(model.SessionUpdate{SessionID: sl.session.ID, Kind: model.UpdateLog, Time: entry.Time, Log: &entry})
}

// commitLocked persists and broadcasts the session. sl.mu must be held.
func (e *Engine) commitLocked(sl *slot) *model.Session {
	s := sl.session
	if n := e.cfg.MaxHistory; n > 0 && len(s.Messages) > n {
		s.Messages = s.Messages[len(s.Messages)-n:]
	}
	snap := s.Clone()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.repo.Save(ctx, snap); err != nil {
		sl.log.Warnf("persist session: %v", err)
	}
	e.publish(model.SessionUpdate{SessionID: s.ID, Kind: model.UpdateSession, Time: e.now(), Session: snap})
	return snap
}

func (e *Engine) publish(u model.SessionUpdate) {
	if e.bcast == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("broadcaster panicked: %v", r)
		}
	}()
	e.bcast.Publish(u)
}

// onMessage mirrors one exchanged message to the session history and the
// recorder. It must not be called with the slot lock held.
func (e *Engine) onMessage(sessionID string, m model.ProtocolMessage) {
	sl, err := e.slot(sessionID)
	if err != nil {
		return
	}
	sl.mu.Lock()
	sl.session.AppendMessage(m)
	if n := e.cfg.MaxHistory; n > 0 && len(sl.session.Messages) > n {
		sl.session.Messages = sl.session.Messages[len(sl.session.Messages)-n:]
	}
	sl.mu.Unlock()
	sl.log.Debugw("ocpp message", map[string]any{
		"direction": m.Direction,
		"kind":      m.Kind,
		"id":        m.ID,
		"action":    m.Action,
		"latency":   m.Latency.String(),
	})
	e.record(sessionID, m)
}

func (e *Engine) record(sessionID string, m model.ProtocolMessage) {
	if e.rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("recorder panicked: %v", r)
		}
	}()
	if !e.rec.IsRecording() {
		return
	}
	if err := e.rec.RecordEvent(sessionID, m); err != nil {
		e.log.Debugf("record event: %v", err)
	}
}

// background runs fn off the caller's goroutine. A panic is turned into a
// SimulationError and the session is stabilised.
func (e *Engine) background(sessionID, op string, fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.recoverSession(sessionID, op, nil)
		fn()
	}()
}

// recoverSession must be deferred. It recovers a panic, stabilises the
// session and reports the fault through errp when non-nil.
func (e *Engine) recoverSession(sessionID, op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	serr := &SimulationError{SessionID: sessionID, Op: op, Err: fmt.Errorf("panic: %v", r)}
	e.stabilize(serr)
	if errp != nil {
		*errp = serr
	}
}

// stabilize is the single recovery routine: it logs err to the session and
// forces it to AVAILABLE, or DISCONNECTED when the transport is gone.
func (e *Engine) stabilize(err *SimulationError) {
	e.monitor.CaptureException(err, map[string]string{"session_id": err.SessionID, "op": err.Op})
	sl, lerr := e.slot(err.SessionID)
	if lerr != nil {
		e.log.Errorf("%v", err)
		return
	}
	e.sched.Stop(err.SessionID, model.TelemetryMeterValues)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	s := sl.session
	e.logf(sl, model.LevelError, "%s failed: %v", err.Op, err.Err)
	s.SetTelemetryActive(model.TelemetryMeterValues, false)
	s.TransactionID = nil
	s.PowerKW, s.CurrentA = 0, 0
	s.Idle = false
	target := model.StateAvailable
	if !e.transport.IsConnected(s.ID) {
		target = model.StateDisconnected
	}
	if s.State != target {
		e.machine.ForceTransition(s, target, "recovery after "+err.Op)
	}
	e.commitLocked(sl)
}

func failed[T any](err error) *async.Future[T] {
	var zero T
	return async.Completed(zero, err)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode confirmation: %w", err)
	}
	return v, nil
}
