// Package telemetry schedules the periodic jobs of a session: heartbeats,
// meter values and clock-aligned samples. At most one job of a kind runs per
// session, and a job never overlaps itself.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
)

// FireFunc is invoked on every firing. ctx is cancelled when the job is
// stopped; a firing that finds ctx done must not act.
type FireFunc func(ctx context.Context)

// Metrics observes firings.
type Metrics interface {
	ObserveFiring(kind model.TelemetryKind, late bool)
}

type key struct {
	session string
	kind    model.TelemetryKind
}

type job struct {
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// Scheduler runs jobs on goroutines; it holds no OS thread per session.
type Scheduler struct {
	log     logger.Logger
	metrics Metrics
	now     func() time.Time

	mu   sync.Mutex
	jobs map[key]*job
}

// NewScheduler creates a Scheduler. now is used for clock alignment and
// defaults to time.Now.
func NewScheduler(log logger.Logger, metrics Metrics, now func() time.Time) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{log: log, metrics: metrics, now: now, jobs: make(map[key]*job)}
}

// Start runs fire every interval, first after one interval. A running job of
// the same kind for the session is cancelled first.
func (s *Scheduler) Start(sessionID string, kind model.TelemetryKind, interval time.Duration, fire FireFunc) error {
	return s.start(sessionID, kind, interval, interval, fire)
}

// StartAligned runs fire on every wall-clock boundary that is a multiple of
// interval from the top of the hour.
func (s *Scheduler) StartAligned(sessionID string, kind model.TelemetryKind, interval time.Duration, fire FireFunc) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	return s.start(sessionID, kind, AlignedDelay(s.now(), interval), interval, fire)
}

func (s *Scheduler) start(sessionID string, kind model.TelemetryKind, first, interval time.Duration, fire FireFunc) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	k := key{sessionID, kind}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{}), interval: interval}

	s.mu.Lock()
	old := s.jobs[k]
	s.jobs[k] = j
	s.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	go s.run(ctx, j, k, first, fire)
	s.log.Debugf("session %s: %s every %s, first in %s", sessionID, kind, interval, first)
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *job, k key, first time.Duration, fire FireFunc) {
	defer close(j.done)
	next := time.Now().Add(first)
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, k, fire)

		// Ticks missed while firing are skipped rather than run back to back.
		now := time.Now()
		late := false
		next = next.Add(j.interval)
		for !next.After(now) {
			next = next.Add(j.interval)
			late = true
		}
		if late && s.metrics != nil {
			s.metrics.ObserveFiring(k.kind, true)
		}
		timer.Reset(next.Sub(now))
	}
}

func (s *Scheduler) fire(ctx context.Context, k key, fire FireFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session %s: %s job panicked: %v", k.session, k.kind, r)
		}
	}()
	if s.metrics != nil {
		s.metrics.ObserveFiring(k.kind, false)
	}
	fire(ctx)
}

// Stop cancels the job. An in-flight firing finishes; no further firing
// happens. It reports whether a job was running.
func (s *Scheduler) Stop(sessionID string, kind model.TelemetryKind) bool {
	k := key{sessionID, kind}
	s.mu.Lock()
	j, ok := s.jobs[k]
	delete(s.jobs, k)
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
	return ok
}

// StopAll cancels every job of the session and returns the kinds stopped.
func (s *Scheduler) StopAll(sessionID string) []model.TelemetryKind {
	var stopped []model.TelemetryKind
	for _, kind := range model.TelemetryKinds {
		if s.Stop(sessionID, kind) {
			stopped = append(stopped, kind)
		}
	}
	return stopped
}

// Active reports whether a job of kind runs for the session.
func (s *Scheduler) Active(sessionID string, kind model.TelemetryKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key{sessionID, kind}]
	return ok
}

// Interval returns the period of the running job, zero when none runs.
func (s *Scheduler) Interval(sessionID string, kind model.TelemetryKind) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[key{sessionID, kind}]; ok {
		return j.interval
	}
	return 0
}

// Count returns the number of running jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops every job and waits for in-flight firings to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[key]*job)
	s.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
	for _, j := range jobs {
		<-j.done
	}
}

// AlignedDelay returns the time from now to the next boundary that is a
// multiple of interval counted from the top of the hour. On a boundary the
// next one is returned, never now.
func AlignedDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	return interval - now.Sub(top)%interval
}
