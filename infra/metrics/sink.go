package metrics

import "github.com/kilianp07/cpsim/core/model"

// SampleSink persists charging samples.
type SampleSink interface {
	RecordSample(sessionID string, s model.ChargingSample) error
}

// NopSink discards samples.
type NopSink struct{}

// RecordSample implements SampleSink.
func (NopSink) RecordSample(string, model.ChargingSample) error { return nil }

// MultiSink fans samples out to several sinks.
type MultiSink struct {
	Sinks []SampleSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...SampleSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSample forwards the sample to every sink, returning the first error
// encountered. Later sinks still receive the sample.
func (m *MultiSink) RecordSample(sessionID string, s model.ChargingSample) error {
	var first error
	for _, sink := range m.Sinks {
		if err := sink.RecordSample(sessionID, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
