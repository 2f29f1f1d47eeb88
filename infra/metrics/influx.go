package metrics

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/infra/logger"
)

const sampleMeasurement = "charging_sample"

// InfluxSink batches charging samples into InfluxDB. RecordSample never
// blocks on the network; write failures are logged from the client's error
// channel.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPI
	log    logger.Logger
	done   chan struct{}
}

// NewInfluxSink creates a sink for the endpoint in cfg. A URL ending in
// /api/v2/write is accepted and trimmed to the server base.
func NewInfluxSink(cfg Config) *InfluxSink {
	opts := influxdb2.DefaultOptions().
		SetHTTPClient(&http.Client{Timeout: 5 * time.Second}).
		SetBatchSize(uint(cfg.InfluxBatchSize)).
		SetFlushInterval(uint(cfg.InfluxFlushIntervalMs))
	client := influxdb2.NewClientWithOptions(strings.TrimSuffix(cfg.InfluxURL, "/api/v2/write"), cfg.InfluxToken, opts)
	s := &InfluxSink{
		client: client,
		writer: client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket),
		log:    logger.New("influx-sink"),
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s
}

// NewInfluxSinkWithFallback pings the server first and returns a NopSink
// when it is not healthy, so a missing InfluxDB never blocks the engine.
func NewInfluxSinkWithFallback(cfg Config) SampleSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err == nil && health.Status != "pass" {
		err = fmt.Errorf("status %s", health.Status)
	}
	if err != nil {
		sink.log.Errorf("influx health check failed, samples disabled: %v", err)
		sink.Close()
		return NopSink{}
	}
	return sink
}

func (s *InfluxSink) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case err := <-errs:
			s.log.Warnf("influx write: %v", err)
		case <-s.done:
			return
		}
	}
}

// RecordSample queues one charging tick.
func (s *InfluxSink) RecordSample(sessionID string, cs model.ChargingSample) error {
	s.writer.WritePoint(samplePoint(sessionID, cs))
	return nil
}

// Flush writes every queued sample.
func (s *InfluxSink) Flush() { s.writer.Flush() }

// Close flushes pending samples and releases the client.
func (s *InfluxSink) Close() {
	s.writer.Flush()
	close(s.done)
	s.client.Close()
}

func samplePoint(sessionID string, cs model.ChargingSample) *write.Point {
	p := write.NewPointWithMeasurement(sampleMeasurement).
		AddTag("session_id", sessionID)
	if cs.LimitedBy != "" {
		p = p.AddTag("limited_by", cs.LimitedBy)
	}
	return p.AddField("power_kw", round3(cs.PowerKW)).
		AddField("current_a", round3(cs.CurrentA)).
		AddField("soc", round3(cs.SoC)).
		AddField("energy_kwh", round3(cs.EnergyKWh)).
		AddField("idle", cs.Idle).
		SetTime(cs.Time)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
