// Package payload builds the request bodies of the actions a charge point
// sends. Builders are registered once in a static table keyed by action.
package payload

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kilianp07/cpsim/core/model"
)

// ErrUnknownAction is returned for actions without a registered builder.
var ErrUnknownAction = errors.New("unknown action")

// Context carries what a builder may need. Session is a snapshot; builders
// never mutate it.
type Context struct {
	Session         *model.Session
	ConnectorID     int
	IDTag           string
	TransactionID   *int
	MeterWh         float64
	Status          string
	ErrorCode       string
	Reason          string
	SamplingContext string
	Time            time.Time
}

// Handler builds the payload of one action.
type Handler interface {
	Action() string
	BuildPayload(ctx Context) (any, error)
}

// Registry maps actions to their handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry registers hs. Registering an action twice is an error.
func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(hs))}
	for _, h := range hs {
		if _, dup := r.handlers[h.Action()]; dup {
			return nil, fmt.Errorf("action %s registered twice", h.Action())
		}
		r.handlers[h.Action()] = h
	}
	return r, nil
}

// Default returns the registry of the OCPP 1.6 charge-point actions.
func Default(vendor, modelName string) *Registry {
	r, err := NewRegistry(
		BootNotification{Vendor: vendor, Model: modelName},
		Authorize{},
		StartTransaction{},
		StopTransaction{},
		StatusNotification{},
		MeterValues{},
		Heartbeat{},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Build returns the payload of action.
func (r *Registry) Build(action string, ctx Context) (any, error) {
	h, ok := r.handlers[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if ctx.Time.IsZero() {
		ctx.Time = time.Now().UTC()
	}
	if ctx.Session == nil {
		ctx.Session = &model.Session{}
	}
	return h.BuildPayload(ctx)
}

// Actions lists the registered actions, sorted.
func (r *Registry) Actions() []string {
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
