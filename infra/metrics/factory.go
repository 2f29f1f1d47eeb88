package metrics

import "fmt"

// Config selects the metrics backends.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPath    string `json:"prometheus_path"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
	// InfluxBatchSize and InfluxFlushIntervalMs tune the batching writer.
	InfluxBatchSize       int `json:"influx_batch_size"`
	InfluxFlushIntervalMs int `json:"influx_flush_interval_ms"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.PrometheusPath == "" {
		c.PrometheusPath = "/metrics"
	}
	if c.InfluxBatchSize <= 0 {
		c.InfluxBatchSize = 500
	}
	if c.InfluxFlushIntervalMs <= 0 {
		c.InfluxFlushIntervalMs = 1000
	}
}

// Validate checks the influx settings when enabled.
func (c Config) Validate() error {
	if !c.InfluxEnabled {
		return nil
	}
	if c.InfluxURL == "" || c.InfluxOrg == "" || c.InfluxBucket == "" {
		return fmt.Errorf("influx url, org and bucket are required")
	}
	return nil
}

// NewSampleSink builds the sample sink described by cfg. A failing InfluxDB
// health check degrades to NopSink.
func NewSampleSink(cfg Config) SampleSink {
	if !cfg.InfluxEnabled {
		return NopSink{}
	}
	cfg.SetDefaults()
	return NewInfluxSinkWithFallback(cfg)
}
