package statemachine

import "github.com/kilianp07/cpsim/core/model"

type stateSet map[model.ChargePointState]struct{}

func set(states ...model.ChargePointState) stateSet {
	s := make(stateSet, len(states))
	for _, st := range states {
		s[st] = struct{}{}
	}
	return s
}

// guardTable lists the permitted successors of every state. Self transitions
// are never permitted.
var guardTable = map[model.ChargePointState]stateSet{
	model.StateDisconnected: set(model.StateConnected),
	model.StateIdle:         set(model.StateConnected, model.StateDisconnected),
	model.StateConnected:    set(model.StateBootAccepted, model.StateFaulted, model.StateDisconnected),
	model.StateBootAccepted: set(model.StatePlugged, model.StateParked, model.StateAvailable, model.StateReserved,
		model.StateUnavailable, model.StateFaulted, model.StateDisconnected),
	model.StateAvailable: set(model.StatePlugged, model.StateParked, model.StateReserved, model.StateUnavailable,
		model.StateFaulted, model.StateDisconnected),
	model.StateParked:  set(model.StatePlugged, model.StateAvailable, model.StateFaulted, model.StateDisconnected),
	model.StatePlugged: set(model.StateAuthorizing, model.StateAvailable, model.StateFaulted, model.StateDisconnected),
	model.StateReserved: set(model.StatePlugged, model.StateAvailable, model.StateUnavailable, model.StateFaulted,
		model.StateDisconnected),
	model.StateAuthorizing: set(model.StateAuthorized, model.StatePlugged, model.StateFaulted, model.StateDisconnected),
	model.StateAuthorized: set(model.StateStarting, model.StatePlugged, model.StateAvailable, model.StateFaulted,
		model.StateDisconnected),
	model.StateStarting: set(model.StateCharging, model.StateAuthorized, model.StateFaulted, model.StateDisconnected),
	model.StateCharging: set(model.StateSuspendedEV, model.StateSuspendedEVSE, model.StateStopping, model.StateFaulted,
		model.StateDisconnected),
	model.StateSuspendedEV: set(model.StateCharging, model.StateSuspendedEVSE, model.StateStopping, model.StateFaulted,
		model.StateDisconnected),
	model.StateSuspendedEVSE: set(model.StateCharging, model.StateSuspendedEV, model.StateStopping, model.StateFaulted,
		model.StateDisconnected),
	model.StateStopping: set(model.StateFinishing, model.StateCharging, model.StateFaulted, model.StateDisconnected),
	model.StateFinishing: set(model.StateFinished, model.StateAvailable, model.StateBootAccepted, model.StateFaulted,
		model.StateDisconnected),
	model.StateFinished:    set(model.StateAvailable, model.StateBootAccepted, model.StatePlugged, model.StateDisconnected),
	model.StateUnavailable: set(model.StateAvailable, model.StateFaulted, model.StateDisconnected),
	model.StateFaulted: set(model.StateBootAccepted, model.StateAvailable, model.StateUnavailable,
		model.StateDisconnected),
}

// Permitted reports whether to is a guarded successor of from.
func Permitted(from, to model.ChargePointState) bool {
	_, ok := guardTable[from][to]
	return ok
}

// Successors returns the permitted successors of from in declaration order of
// model.AllStates.
func Successors(from model.ChargePointState) []model.ChargePointState {
	var out []model.ChargePointState
	for _, st := range model.AllStates {
		if Permitted(from, st) {
			out = append(out, st)
		}
	}
	return out
}
