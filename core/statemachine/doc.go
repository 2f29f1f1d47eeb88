// Package statemachine implements the guarded charging lifecycle of a
// simulated charge point. Transitions are validated against an explicit guard
// table; forced transitions bypass it for protocol driven sequences and are
// always logged with their reason.
package statemachine
