// Package monitoring reports unexpected faults to an external error tracker.
package monitoring

import "time"

// Monitor receives faults recovered by the engine.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Flush(time.Duration)                       {}
