// Package charging models the physical side of a charging session: the power
// a charger can deliver for a given state of charge, externally imposed
// limits, and the energy integrated on every telemetry tick.
package charging

import (
	"fmt"
	"time"

	"github.com/kilianp07/cpsim/core/model"
)

// Limited-by tags written to the session.
const (
	LimitedBySCP     = "scp"
	LimitedByVehicle = "vehicle/evse"
)

const idleLogEvery = 5 * time.Minute

// LimitSource returns the smart-charging limit currently active for a
// session.
type LimitSource interface {
	CurrentLimit(sessionID string) (kw float64, purpose string, ok bool)
}

// Config parametrises a Simulator.
type Config struct {
	RatedPowerKW map[model.ChargerType]float64
	DCCurve      []Point
	ACCurve      []Point
}

// DefaultRatedPowerKW is the nameplate power per charger type.
var DefaultRatedPowerKW = map[model.ChargerType]float64{
	model.ChargerAC1P: 7.4,
	model.ChargerAC3P: 22,
	model.ChargerDC:   150,
}

// StopReason explains why a tick asked for the transaction to end. Values are
// OCPP StopTransaction reasons.
type StopReason string

const (
	StopNone          StopReason = ""
	StopTargetReached StopReason = "Local"
	StopIdleElapsed   StopReason = "Other"
)

// Result is the outcome of one tick.
type Result struct {
	Sample model.ChargingSample
	// Stop is set when the transaction should be stopped.
	Stop StopReason
	// Log holds a line for the session log, empty when nothing is worth
	// reporting.
	Log string
}

// Simulator runs the per-tick charging model. It holds no per-session state;
// everything is read from and written back to the session.
type Simulator struct {
	rated  map[model.ChargerType]float64
	dc, ac *Curve
	limits LimitSource
	now    func() time.Time
}

// NewSimulator builds a simulator. A nil limits source means no limit is ever
// applied; a nil clock uses time.Now.
func NewSimulator(cfg Config, limits LimitSource, now func() time.Time) (*Simulator, error) {
	rated := make(map[model.ChargerType]float64, len(DefaultRatedPowerKW))
	for k, v := range DefaultRatedPowerKW {
		rated[k] = v
	}
	for k, v := range cfg.RatedPowerKW {
		if v <= 0 {
			return nil, fmt.Errorf("rated power for %s must be positive", k)
		}
		rated[k] = v
	}
	dcPts, acPts := DefaultDCCurve, DefaultACCurve
	if len(cfg.DCCurve) > 0 {
		dcPts = cfg.DCCurve
	}
	if len(cfg.ACCurve) > 0 {
		acPts = cfg.ACCurve
	}
	dc, err := NewCurve(dcPts)
	if err != nil {
		return nil, fmt.Errorf("dc curve: %w", err)
	}
	ac, err := NewCurve(acPts)
	if err != nil {
		return nil, fmt.Errorf("ac curve: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Simulator{rated: rated, dc: dc, ac: ac, limits: limits, now: now}, nil
}

// Default returns a simulator with the built-in curves and ratings.
func Default(limits LimitSource) *Simulator {
	return &Simulator{
		rated:  DefaultRatedPowerKW,
		dc:     mustCurve(DefaultDCCurve),
		ac:     mustCurve(DefaultACCurve),
		limits: limits,
		now:    time.Now,
	}
}

// MaxPowerKW is the effective maximum: the charger rating capped by the
// session's configured maximum.
func (s *Simulator) MaxPowerKW(sess *model.Session) float64 {
	p := s.rated[sess.ChargerType]
	if sess.MaxPowerKW > 0 && sess.MaxPowerKW < p {
		p = sess.MaxPowerKW
	}
	return p
}

// NominalPowerKW is the curve power at the session's current SoC.
func (s *Simulator) NominalPowerKW(sess *model.Session) float64 {
	c := s.ac
	if sess.ChargerType.IsDC() {
		c = s.dc
	}
	return s.MaxPowerKW(sess) * c.Fraction(sess.SoC)
}

// Tick advances sess by interval. The caller must hold the session exclusively.
func (s *Simulator) Tick(sess *model.Session, interval time.Duration) Result {
	now := s.now()
	phases, voltage := Electrical(sess)
	var res Result

	if sess.State == model.StateSuspendedEV || sess.State == model.StateSuspendedEVSE {
		sess.PowerKW, sess.CurrentA = 0, 0
		return s.finish(sess, now, res)
	}

	if sess.IdleFee.Enabled && !sess.Idle && !sess.StartedAt.IsZero() &&
		now.Sub(sess.StartedAt) >= sess.IdleFee.ChargingDuration {
		sess.Idle = true
		sess.IdleSince = now
		res.Log = fmt.Sprintf("idle-fee period started after %s of charging", sess.IdleFee.ChargingDuration)
	}
	if sess.Idle {
		sess.PowerKW, sess.CurrentA = 0, 0
		idleFor := now.Sub(sess.IdleSince)
		if res.Log == "" && idleFor/idleLogEvery != (idleFor-interval)/idleLogEvery {
			res.Log = fmt.Sprintf("idle for %s", idleFor.Truncate(time.Second))
		}
		if !sess.IdleFee.Manual && idleFor >= sess.IdleFee.IdleDuration {
			res.Stop = StopIdleElapsed
			res.Log = fmt.Sprintf("idle-fee period of %s elapsed", sess.IdleFee.IdleDuration)
		}
		return s.finish(sess, now, res)
	}

	power := s.NominalPowerKW(sess)
	sess.LimitedBy = LimitedByVehicle
	sess.LimitKW, sess.LimitA, sess.LimitPurpose = 0, 0, ""
	if s.limits != nil {
		if kw, purpose, ok := s.limits.CurrentLimit(sess.ID); ok {
			if kw < 0 {
				kw = 0
			}
			sess.LimitKW = kw
			sess.LimitA = PhaseCurrent(kw, phases, voltage)
			sess.LimitPurpose = purpose
			if kw < power {
				power = kw
				sess.LimitedBy = LimitedBySCP
			}
		}
	}

	delta := power * interval.Hours()
	reached := false
	if sess.BatteryCapacityKWh > 0 {
		soc := sess.SoC + delta/sess.BatteryCapacityKWh*100
		if soc >= sess.TargetSoC {
			reached = true
			delta = (sess.TargetSoC - sess.SoC) / 100 * sess.BatteryCapacityKWh
			if delta < 0 {
				delta = 0
			}
			soc = max(sess.SoC, sess.TargetSoC)
		}
		sess.SoC = soc
	}
	sess.EnergyKWh += delta
	sess.MeterWh += delta * 1000
	sess.PowerKW = power
	sess.CurrentA = PhaseCurrent(power, phases, voltage)

	if reached {
		sess.PowerKW, sess.CurrentA = 0, 0
		res.Stop = StopTargetReached
		res.Log = fmt.Sprintf("target soc %.0f%% reached", sess.TargetSoC)
	}
	return s.finish(sess, now, res)
}

func (s *Simulator) finish(sess *model.Session, now time.Time, res Result) Result {
	sess.UpdatedAt = now
	res.Sample = model.ChargingSample{
		Time:      now,
		PowerKW:   sess.PowerKW,
		CurrentA:  sess.CurrentA,
		SoC:       sess.SoC,
		EnergyKWh: sess.EnergyKWh,
		LimitedBy: sess.LimitedBy,
		Idle:      sess.Idle,
	}
	return res
}

// Electrical returns the phase count and voltage of a session, falling back
// to values typical for its charger type.
func Electrical(sess *model.Session) (int, float64) {
	phases, voltage := sess.Phases, sess.VoltageV
	if phases <= 0 {
		phases = 1
		if sess.ChargerType == model.ChargerAC3P {
			phases = 3
		}
	}
	if voltage <= 0 {
		voltage = 230
		if sess.ChargerType.IsDC() {
			voltage = 400
		}
	}
	return phases, voltage
}
