package metrics

import (
	"context"

	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
)

// Subscriber is the part of the broadcast hub the collector needs.
type Subscriber interface {
	Subscribe(sessionID string, buffer int) (<-chan model.SessionUpdate, func())
}

// StartSampleCollector subscribes to chart updates of every session and
// writes them to sink off the simulation path. It stops when the context is
// canceled or the subscription closes.
func StartSampleCollector(ctx context.Context, hub Subscriber, sink SampleSink, log logger.Logger) {
	if hub == nil || sink == nil {
		return
	}
	if log == nil {
		log = logger.Nop()
	}
	sub, cancel := hub.Subscribe("", 1024)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				if u.Kind != model.UpdateChart || u.Sample == nil {
					continue
				}
				if err := sink.RecordSample(u.SessionID, *u.Sample); err != nil {
					log.Warnf("record sample for %s: %v", u.SessionID, err)
				}
			}
		}
	}()
}
