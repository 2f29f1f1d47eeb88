package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/model"
)

//nolint:gocyclo
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `engine:
  heartbeat_interval_seconds: 30
  request_timeout_seconds: 5
  protocol_version: "1.6"
simulation:
  charger_type: "DC"
  battery_capacity_kwh: 75
  soc: 20
  rated_power_kw:
    DC: 50
  idle_fee:
    enabled: true
    charging_minutes: 30
    idle_minutes: 10
store:
  backend: "redis"
  redis:
    addr: "redis:6379"
    ttl: "1h"
recorder:
  enabled: true
  path: "/tmp/events.cbor"
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
  topic_prefix: "sim"
metrics:
  prometheus_enabled: true
http:
  addr: ":9000"
  token: "secret"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"engine.heartbeat", cfg.Engine.HeartbeatIntervalSeconds, 30},
		{"engine.meter_values default", cfg.Engine.MeterValuesIntervalSeconds, 60},
		{"simulation.charger_type", cfg.Simulation.ChargerType, "DC"},
		{"simulation.target_soc default", cfg.Simulation.TargetSoC, 80.0},
		{"store.backend", cfg.Store.Backend, "redis"},
		{"store.redis.addr", cfg.Store.Redis.Addr, "redis:6379"},
		{"store.redis.ttl", cfg.Store.Redis.TTL, time.Hour},
		{"recorder.path", cfg.Recorder.Path, "/tmp/events.cbor"},
		{"mqtt.broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"mqtt.topic_prefix", cfg.MQTT.TopicPrefix, "sim"},
		{"metrics.prometheus_path", cfg.Metrics.PrometheusPath, "/metrics"},
		{"http.addr", cfg.HTTP.Addr, ":9000"},
		{"http.token", cfg.HTTP.Token, "secret"},
		{"logging.level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s mismatch: %v", c.name, c.got)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("K_ENGINE__HEARTBEAT_INTERVAL_SECONDS", "10")
	t.Setenv("K_HTTP__TOKEN", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Engine.HeartbeatIntervalSeconds)
	assert.Equal(t, "from-env", cfg.HTTP.Token)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"format", ""},
		{"store backend", "store:\n  backend: sqlite\n"},
		{"charger type", "simulation:\n  charger_type: AC_2P\n"},
		{"protocol", "engine:\n  protocol_version: \"3.0\"\n"},
		{"mqtt broker", "mqtt:\n  enabled: true\n"},
		{"influx", "metrics:\n  influx_enabled: true\n"},
		{"idle fee", "simulation:\n  idle_fee:\n    enabled: true\n"},
		{"log level", "logging:\n  level: loud\n"},
		{"auth client", "auth:\n  token_url: http://idp/token\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := "config.yaml"
			if tt.body == "" {
				name = "config.toml"
			}
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEngineConfigConversion(t *testing.T) {
	cfg := Config{}
	cfg.Engine.HeartbeatIntervalSeconds = 45
	cfg.Simulation.IdleFee = IdleFeeConfig{Enabled: true, ChargingMinutes: 90, IdleMinutes: 15}
	cfg.SetDefaults()

	ec := cfg.EngineConfig()
	assert.Equal(t, 45*time.Second, ec.HeartbeatInterval)
	assert.Equal(t, 15*time.Minute, ec.ClockAlignedInterval)
	assert.Equal(t, 30*time.Second, ec.RequestTimeout)
	assert.Equal(t, model.ChargerAC3P, ec.ChargerType)
	assert.Equal(t, 90*time.Minute, ec.IdleFee.ChargingDuration)
	assert.Equal(t, 15*time.Minute, ec.IdleFee.IdleDuration)
	assert.Equal(t, 500, ec.MaxHistory)
}

func TestSimulatorConfigMergesCatalog(t *testing.T) {
	cat := &charging.Catalog{RatedPowerKW: map[model.ChargerType]float64{
		model.ChargerDC:   100,
		model.ChargerAC1P: 3.7,
	}}
	sc := SimulationConfig{RatedPowerKW: map[string]float64{"DC": 50}}

	got := sc.Simulator(cat)
	assert.Equal(t, 50.0, got.RatedPowerKW[model.ChargerDC])
	assert.Equal(t, 3.7, got.RatedPowerKW[model.ChargerAC1P])
	assert.Empty(t, SimulationConfig{}.Simulator(nil).RatedPowerKW)
}
