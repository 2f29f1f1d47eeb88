package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/payload"
)

// live reports whether a firing may act: its job must still be running.
// Checking under the session lock orders the firing with Stop.
func (e *Engine) live(ctx context.Context, sl *slot) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return ctx.Err() == nil
}

func (e *Engine) startHeartbeatLocked(sl *slot, interval time.Duration) {
	id := sl.session.ID
	err := e.sched.Start(id, model.TelemetryHeartbeat, interval, func(ctx context.Context) {
		defer e.recoverSession(id, "heartbeat", nil)
		if e.live(ctx, sl) {
			e.SendHeartbeat(id)
		}
	})
	if err != nil {
		e.logf(sl, model.LevelWarn, "heartbeat not started: %v", err)
		return
	}
	sl.session.HeartbeatIntervalSec = int(interval / time.Second)
	sl.session.SetTelemetryActive(model.TelemetryHeartbeat, true)
}

func (e *Engine) startMeterValuesLocked(sl *slot, interval time.Duration) error {
	id := sl.session.ID
	err := e.sched.Start(id, model.TelemetryMeterValues, interval, func(ctx context.Context) {
		e.meterValuesTick(ctx, sl, interval)
	})
	if err != nil {
		return err
	}
	sl.session.SetTelemetryActive(model.TelemetryMeterValues, true)
	return nil
}

// StartMeterValues starts the periodic meter values job, replacing a running
// one. Each firing advances the charging simulation by interval. A
// non-positive interval uses the session's, then the global, default.
func (e *Engine) StartMeterValues(sessionID string, interval time.Duration) error {
	sl, err := e.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if interval <= 0 {
		interval = e.cfg.meterValuesInterval(sl.session)
	}
	if err := e.startMeterValuesLocked(sl, interval); err != nil {
		return err
	}
	e.commitLocked(sl)
	return nil
}

// StopMeterValues cancels the meter values job.
func (e *Engine) StopMeterValues(sessionID string) error {
	return e.stopJob(sessionID, model.TelemetryMeterValues)
}

// StartClockAlignedData samples the meter on wall-clock boundaries that are
// multiples of interval from the top of the hour.
func (e *Engine) StartClockAlignedData(sessionID string, interval time.Duration) error {
	sl, err := e.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if interval <= 0 {
		interval = e.cfg.clockAlignedInterval(sl.session)
	}
	err = e.sched.StartAligned(sessionID, model.TelemetryClockAligned, interval, func(ctx context.Context) {
		defer e.recoverSession(sessionID, "clock-aligned sample", nil)
		if e.live(ctx, sl) {
			e.SendMeterValues(sessionID, payload.ContextClock)
		}
	})
	if err != nil {
		return err
	}
	sl.session.ClockAlignedIntervalSec = int(interval / time.Second)
	sl.session.SetTelemetryActive(model.TelemetryClockAligned, true)
	e.commitLocked(sl)
	return nil
}

// StopClockAlignedData cancels the clock-aligned job.
func (e *Engine) StopClockAlignedData(sessionID string) error {
	return e.stopJob(sessionID, model.TelemetryClockAligned)
}

// StartHeartbeat (re)starts the heartbeat job. A non-positive interval uses
// the session's, then the global, default.
func (e *Engine) StartHeartbeat(sessionID string, interval time.Duration) error {
	sl, err := e.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.session.Connected {
		return fmt.Errorf("heartbeat: %w", correlator.ErrNotConnected)
	}
	if interval <= 0 {
		interval = e.cfg.heartbeatInterval(sl.session)
	}
	e.startHeartbeatLocked(sl, interval)
	e.commitLocked(sl)
	return nil
}

// StopHeartbeat cancels the heartbeat job.
func (e *Engine) StopHeartbeat(sessionID string) error {
	return e.stopJob(sessionID, model.TelemetryHeartbeat)
}

func (e *Engine) stopJob(sessionID string, kind model.TelemetryKind) error {
	sl, err := e.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	e.sched.Stop(sessionID, kind)
	sl.session.SetTelemetryActive(kind, false)
	e.commitLocked(sl)
	return nil
}

func (e *Engine) meterValuesTick(ctx context.Context, sl *slot, interval time.Duration) {
	id := sl.session.ID
	defer e.recoverSession(id, "charging tick", nil)
	res, ok := e.tick(ctx, sl, interval)
	if !ok {
		return
	}
	e.SendMeterValues(id, payload.ContextPeriodic)
	if res.Stop != charging.StopNone {
		e.background(id, "automatic stop", func() { e.runStopSequence(id, string(res.Stop)) })
	}
}

// Tick advances the charging simulation of a session by interval, as a meter
// values firing does, without sending anything.
func (e *Engine) Tick(sessionID string, interval time.Duration) (_ model.ChargingSample, err error) {
	sl, err := e.slot(sessionID)
	if err != nil {
		return model.ChargingSample{}, err
	}
	defer e.recoverSession(sessionID, "charging tick", &err)
	res, _ := e.tick(context.Background(), sl, interval)
	if res.Stop != charging.StopNone {
		e.background(sessionID, "automatic stop", func() { e.runStopSequence(sessionID, string(res.Stop)) })
	}
	return res.Sample, nil
}

// tick runs one simulation step when a transaction is active. It reports
// false when the job was stopped before the step could run.
func (e *Engine) tick(ctx context.Context, sl *slot, interval time.Duration) (charging.Result, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if ctx.Err() != nil {
		return charging.Result{}, false
	}
	s := sl.session
	if s.TransactionID == nil || !s.State.InTransaction() || s.State == model.StateStopping {
		return charging.Result{}, true
	}
	res := e.sim.Tick(s, interval)
	if res.Log != "" {
		e.logf(sl, model.LevelInfo, "%s", res.Log)
	}
	if res.Stop != charging.StopNone {
		if sl.stopRequested {
			res.Stop = charging.StopNone
		} else {
			sl.stopRequested = true
		}
	}
	e.commitLocked(sl)
	sample := res.Sample
	e.publish(model.SessionUpdate{SessionID: s.ID, Kind: model.UpdateChart, Time: sample.Time, Sample: &sample})
	if e.metrics != nil {
		e.metrics.ObserveTick(sample)
	}
	return res, true
}

// runStopSequence ends the transaction and walks the connector back to
// Available: StopTransaction, StatusNotification Finishing, FINISHING to
// AVAILABLE, StatusNotification Available. It blocks and must run in the
// background.
func (e *Engine) runStopSequence(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*e.cfg.RequestTimeout)
	defer cancel()
	sl, err := e.slot(sessionID)
	if err != nil {
		return
	}
	defer func() {
		sl.mu.Lock()
		sl.stopRequested = false
		sl.mu.Unlock()
	}()

	if _, err := e.SendStopTransaction(sessionID, reason).Await(ctx); err != nil {
		sl.mu.Lock()
		stopped := sl.session.State == model.StateFinishing
		sl.mu.Unlock()
		if !stopped {
			return
		}
	}
	_, _ = e.SendStatusNotification(sessionID, "Finishing", "").Await(ctx)

	sl.mu.Lock()
	moved := e.machine.Transition(sl.session, model.StateAvailable)
	if moved {
		e.commitLocked(sl)
	}
	sl.mu.Unlock()
	if moved {
		_, _ = e.SendStatusNotification(sessionID, "Available", "").Await(ctx)
	}
}
