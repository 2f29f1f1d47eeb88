package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/cpsim/core/model"
)

// PromCollectors holds the simulator metrics. It satisfies the metrics hooks
// of the correlator, the connection manager, the telemetry scheduler and the
// engine.
type PromCollectors struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	timeouts *prometheus.CounterVec
	dials    *prometheus.CounterVec
	dialTime prometheus.Histogram
	active   prometheus.Gauge
	firings  *prometheus.CounterVec
	ticks    *prometheus.CounterVec
	inbound  *prometheus.CounterVec
}

// NewPromCollectors registers the collectors on the default registerer.
func NewPromCollectors() (*PromCollectors, error) {
	return NewPromCollectorsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromCollectorsWithRegistry registers the collectors on reg. A nil
// registerer defaults to the global one. Collectors already registered by a
// previous call are reused.
func NewPromCollectorsWithRegistry(reg prometheus.Registerer) (*PromCollectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PromCollectors{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_ocpp_requests_total",
			Help: "Outbound OCPP requests by action and outcome",
		}, []string{"action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpsim_ocpp_roundtrip_seconds",
			Help:    "Time between request and response",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_ocpp_timeouts_total",
			Help: "Requests that received no answer before the deadline",
		}, []string{"action"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_ws_dials_total",
			Help: "WebSocket connection attempts by result",
		}, []string{"result"}),
		dialTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cpsim_ws_dial_seconds",
			Help:    "WebSocket handshake duration",
			Buckets: prometheus.DefBuckets,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpsim_ws_active_connections",
			Help: "Open charge point connections",
		}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_telemetry_firings_total",
			Help: "Telemetry job firings by kind",
		}, []string{"kind", "late"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_charging_ticks_total",
			Help: "Charging simulation ticks by limiting factor",
		}, []string{"limited_by", "idle"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpsim_ocpp_inbound_calls_total",
			Help: "Calls received from the central system",
		}, []string{"action"}),
	}
	var err error
	if c.calls, err = register(reg, c.calls); err != nil {
		return nil, err
	}
	if c.latency, err = register(reg, c.latency); err != nil {
		return nil, err
	}
	if c.timeouts, err = register(reg, c.timeouts); err != nil {
		return nil, err
	}
	if c.dials, err = register(reg, c.dials); err != nil {
		return nil, err
	}
	if c.dialTime, err = register(reg, c.dialTime); err != nil {
		return nil, err
	}
	if c.active, err = register(reg, c.active); err != nil {
		return nil, err
	}
	if c.firings, err = register(reg, c.firings); err != nil {
		return nil, err
	}
	if c.ticks, err = register(reg, c.ticks); err != nil {
		return nil, err
	}
	if c.inbound, err = register(reg, c.inbound); err != nil {
		return nil, err
	}
	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveCall records the outcome of one outbound request.
func (c *PromCollectors) ObserveCall(action, outcome string, latency time.Duration) {
	c.calls.WithLabelValues(action, outcome).Inc()
	if outcome == "timeout" {
		c.timeouts.WithLabelValues(action).Inc()
		return
	}
	c.latency.WithLabelValues(action).Observe(latency.Seconds())
}

// ObserveDial records a connection attempt.
func (c *PromCollectors) ObserveDial(ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.dials.WithLabelValues(result).Inc()
	c.dialTime.Observe(d.Seconds())
}

// SetActiveConnections sets the open connection gauge.
func (c *PromCollectors) SetActiveConnections(n int) { c.active.Set(float64(n)) }

// ObserveFiring counts a telemetry firing.
func (c *PromCollectors) ObserveFiring(kind model.TelemetryKind, late bool) {
	c.firings.WithLabelValues(string(kind), strconv.FormatBool(late)).Inc()
}

// ObserveTick counts a charging simulation tick.
func (c *PromCollectors) ObserveTick(s model.ChargingSample) {
	limitedBy := s.LimitedBy
	if limitedBy == "" {
		limitedBy = "none"
	}
	c.ticks.WithLabelValues(limitedBy, strconv.FormatBool(s.Idle)).Inc()
}

// ObserveInbound counts a call received from the central system.
func (c *PromCollectors) ObserveInbound(action string) {
	c.inbound.WithLabelValues(action).Inc()
}
