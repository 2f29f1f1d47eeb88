package model

// ChargePointState is the charging lifecycle state of a session.
type ChargePointState string

const (
	StateDisconnected  ChargePointState = "DISCONNECTED"
	StateIdle          ChargePointState = "IDLE"
	StateConnected     ChargePointState = "CONNECTED"
	StateBootAccepted  ChargePointState = "BOOT_ACCEPTED"
	StatePlugged       ChargePointState = "PLUGGED"
	StateParked        ChargePointState = "PARKED"
	StateAuthorizing   ChargePointState = "AUTHORIZING"
	StateAuthorized    ChargePointState = "AUTHORIZED"
	StateStarting      ChargePointState = "STARTING"
	StateCharging      ChargePointState = "CHARGING"
	StateSuspendedEV   ChargePointState = "SUSPENDED_EV"
	StateSuspendedEVSE ChargePointState = "SUSPENDED_EVSE"
	StateStopping      ChargePointState = "STOPPING"
	StateFinishing     ChargePointState = "FINISHING"
	StateFinished      ChargePointState = "FINISHED"
	StateAvailable     ChargePointState = "AVAILABLE"
	StateReserved      ChargePointState = "RESERVED"
	StateUnavailable   ChargePointState = "UNAVAILABLE"
	StateFaulted       ChargePointState = "FAULTED"
)

// AllStates lists every lifecycle state.
var AllStates = []ChargePointState{
	StateDisconnected, StateIdle, StateConnected, StateBootAccepted,
	StatePlugged, StateParked, StateAuthorizing, StateAuthorized,
	StateStarting, StateCharging, StateSuspendedEV, StateSuspendedEVSE,
	StateStopping, StateFinishing, StateFinished, StateAvailable,
	StateReserved, StateUnavailable, StateFaulted,
}

func (s ChargePointState) String() string { return string(s) }

// InTransaction reports whether the state belongs to an active charging
// lifecycle, i.e. one where a transaction id must be assigned.
func (s ChargePointState) InTransaction() bool {
	switch s {
	case StateCharging, StateSuspendedEV, StateSuspendedEVSE, StateStopping:
		return true
	}
	return false
}

// ConnectorStatus maps the lifecycle state to the OCPP connector status
// reported in StatusNotification.
func (s ChargePointState) ConnectorStatus() string {
	switch s {
	case StatePlugged, StateParked, StateAuthorizing, StateAuthorized, StateStarting:
		return "Preparing"
	case StateCharging:
		return "Charging"
	case StateSuspendedEV:
		return "SuspendedEV"
	case StateSuspendedEVSE:
		return "SuspendedEVSE"
	case StateStopping, StateFinishing, StateFinished:
		return "Finishing"
	case StateReserved:
		return "Reserved"
	case StateUnavailable, StateDisconnected, StateIdle:
		return "Unavailable"
	case StateFaulted:
		return "Faulted"
	default:
		return "Available"
	}
}
