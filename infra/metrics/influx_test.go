package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/cpsim/core/model"
)

func TestInfluxSink_RecordSample(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, strings.TrimSpace(string(b)))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := Config{InfluxURL: srv.URL + "/api/v2/write", InfluxToken: "token", InfluxOrg: "org", InfluxBucket: "bucket"}
	cfg.SetDefaults()
	sink := NewInfluxSink(cfg)
	defer sink.Close()

	now := time.Now()
	first := model.ChargingSample{Time: now, PowerKW: 11.0004, CurrentA: 15.9, SoC: 42.5, EnergyKWh: 1.25, LimitedBy: "scp"}
	second := model.ChargingSample{Time: now.Add(time.Second), PowerKW: 7.4, SoC: 43, EnergyKWh: 1.3}
	if err := sink.RecordSample("s1", first); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := sink.RecordSample("s2", second); err != nil {
		t.Fatalf("record: %v", err)
	}
	sink.Flush()

	p := write.NewPointWithMeasurement("charging_sample").
		AddTag("session_id", "s1").
		AddTag("limited_by", "scp").
		AddField("power_kw", 11.0).
		AddField("current_a", 15.9).
		AddField("soc", 42.5).
		AddField("energy_kwh", 1.25).
		AddField("idle", false).
		SetTime(now)
	exp := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))

	var lines []string
	deadline := time.Now().Add(2 * time.Second)
	for len(lines) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		lines = lines[:0]
		for _, body := range bodies {
			lines = append(lines, strings.Split(body, "\n")...)
		}
		mu.Unlock()
	}
	if len(lines) != 2 || lines[0] != exp {
		t.Fatalf("lines: %#v", lines)
	}
	if !strings.Contains(lines[1], "session_id=s2") || strings.Contains(lines[1], "limited_by") {
		t.Errorf("second line: %s", lines[1])
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewSampleSink(Config{
		InfluxEnabled: true,
		InfluxURL:     srv.URL + "/api/v2/write",
		InfluxToken:   "tok",
		InfluxOrg:     "org",
		InfluxBucket:  "bucket",
	})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}

func TestNewSampleSinkDisabled(t *testing.T) {
	if _, ok := NewSampleSink(Config{}).(NopSink); !ok {
		t.Fatalf("expected NopSink when influx is disabled")
	}
}

func TestConfigValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	if c.PrometheusPath != "/metrics" {
		t.Fatalf("default path: %q", c.PrometheusPath)
	}
	if c.InfluxBatchSize != 500 || c.InfluxFlushIntervalMs != 1000 {
		t.Fatalf("default batching: %d/%d", c.InfluxBatchSize, c.InfluxFlushIntervalMs)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("disabled influx must validate: %v", err)
	}
	c.InfluxEnabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing influx settings")
	}
}

type recordSink struct {
	count int
	err   error
}

func (r *recordSink) RecordSample(string, model.ChargingSample) error {
	r.count++
	return r.err
}

func TestMultiSink(t *testing.T) {
	s1 := &recordSink{err: errors.New("boom")}
	s2 := &recordSink{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordSample("s1", model.ChargingSample{}); err == nil {
		t.Fatalf("expected first error")
	}
	if s1.count != 1 || s2.count != 1 {
		t.Fatalf("samples not forwarded")
	}
}
