package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/core/model"
)

func TestAlignedDelay(t *testing.T) {
	at := func(min, sec int) time.Time { return time.Date(2024, 3, 10, 14, min, sec, 0, time.UTC) }
	tests := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Duration
	}{
		{"minute seven", at(7, 0), 900 * time.Second, 480 * time.Second},
		{"on boundary", at(15, 0), 900 * time.Second, 900 * time.Second},
		{"top of hour", at(0, 0), 900 * time.Second, 900 * time.Second},
		{"last second", at(59, 59), 900 * time.Second, time.Second},
		{"uneven interval", at(10, 0), 7 * time.Minute, 4 * time.Minute},
		{"sub-minute", at(0, 25), 30 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AlignedDelay(tt.now, tt.interval)
			assert.Equal(t, tt.want, got)
			assert.Greater(t, got, time.Duration(0))
		})
	}
}

func TestStartFiresPeriodically(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	var n atomic.Int32
	require.NoError(t, s.Start("s1", model.TelemetryHeartbeat, 10*time.Millisecond, func(context.Context) { n.Add(1) }))
	assert.True(t, s.Active("s1", model.TelemetryHeartbeat))
	assert.Equal(t, 10*time.Millisecond, s.Interval("s1", model.TelemetryHeartbeat))
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStartReplacesExistingJob(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	var first, second atomic.Int32
	require.NoError(t, s.Start("s1", model.TelemetryMeterValues, 5*time.Millisecond, func(context.Context) { first.Add(1) }))
	assert.Eventually(t, func() bool { return first.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, s.Start("s1", model.TelemetryMeterValues, 5*time.Millisecond, func(context.Context) { second.Add(1) }))
	assert.Equal(t, 1, s.Count())
	time.Sleep(10 * time.Millisecond)
	frozen := first.Load()
	assert.Eventually(t, func() bool { return second.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, frozen, first.Load())
}

func TestStopPreventsFurtherFiring(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	var n atomic.Int32
	require.NoError(t, s.Start("s1", model.TelemetryHeartbeat, 5*time.Millisecond, func(context.Context) { n.Add(1) }))
	assert.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, time.Millisecond)

	assert.True(t, s.Stop("s1", model.TelemetryHeartbeat))
	assert.False(t, s.Stop("s1", model.TelemetryHeartbeat))
	assert.False(t, s.Active("s1", model.TelemetryHeartbeat))
	time.Sleep(5 * time.Millisecond)
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestInFlightFiringFinishesAfterStop(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled, finished atomic.Bool
	require.NoError(t, s.Start("s1", model.TelemetryMeterValues, 5*time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		<-release
		cancelled.Store(ctx.Err() != nil)
		finished.Store(true)
	}))
	<-started
	s.Stop("s1", model.TelemetryMeterValues)
	close(release)
	s.Close()
	assert.Eventually(t, finished.Load, time.Second, time.Millisecond)
	assert.True(t, cancelled.Load(), "the firing observes the cancellation")
}

func TestFiringsNeverOverlap(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	var inFlight, maxInFlight, n atomic.Int32
	require.NoError(t, s.Start("s1", model.TelemetryMeterValues, time.Millisecond, func(context.Context) {
		cur := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		n.Add(1)
	}))
	assert.Eventually(t, func() bool { return n.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSessionsAreIndependent(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	noop := func(context.Context) {}
	for _, id := range []string{"a", "b"} {
		for _, k := range model.TelemetryKinds {
			require.NoError(t, s.Start(id, k, time.Hour, noop))
		}
	}
	assert.Equal(t, 6, s.Count())
	assert.ElementsMatch(t, model.TelemetryKinds, s.StopAll("a"))
	assert.Equal(t, 3, s.Count())
	assert.True(t, s.Active("b", model.TelemetryClockAligned))
}

func TestStartAlignedUsesClock(t *testing.T) {
	now := time.Date(2024, 3, 10, 14, 7, 0, 0, time.UTC)
	s := NewScheduler(nil, nil, func() time.Time { return now })
	defer s.Close()
	require.NoError(t, s.StartAligned("s1", model.TelemetryClockAligned, 900*time.Second, func(context.Context) {}))
	assert.True(t, s.Active("s1", model.TelemetryClockAligned))
	assert.Error(t, s.StartAligned("s1", model.TelemetryClockAligned, 0, func(context.Context) {}))
	assert.Error(t, s.Start("s1", model.TelemetryHeartbeat, -time.Second, func(context.Context) {}))
}

func TestPanickingFiringKeepsJobAlive(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.Close()
	var n atomic.Int32
	require.NoError(t, s.Start("s1", model.TelemetryHeartbeat, 2*time.Millisecond, func(context.Context) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	}))
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
}
