// Package liberrors contains errors returned by the library.
package liberrors

import (
	"fmt"
)

// ErrTerminated is returned when a node is shut down.
type ErrTerminated struct{}

// Error implements the error interface.
func (e ErrTerminated) Error() string {
	return "terminated"
}

// ErrProtocolViolation is a fatal framing error on a client session.
type ErrProtocolViolation struct {
	Reason string
}

// Error implements the error interface.
func (e ErrProtocolViolation) Error() string {
	return "protocol violation: " + e.Reason
}

// ErrHeartbeatTimeout is returned when a session stays silent for longer
// than the heartbeat timeout.
type ErrHeartbeatTimeout struct{}

// Error implements the error interface.
func (e ErrHeartbeatTimeout) Error() string {
	return "heartbeat timeout"
}

// ErrStageNotFound is returned when a packet addresses a missing stage.
type ErrStageNotFound struct {
	StageID int64
}

// Error implements the error interface.
func (e ErrStageNotFound) Error() string {
	return fmt.Sprintf("stage %d not found", e.StageID)
}

// ErrStageClosed is returned when posting to a destroyed stage.
type ErrStageClosed struct {
	StageID int64
}

// Error implements the error interface.
func (e ErrStageClosed) Error() string {
	return fmt.Sprintf("stage %d is closed", e.StageID)
}

// ErrActorNotFound is returned when an account is not bound to an actor.
type ErrActorNotFound struct {
	AccountID string
}

// Error implements the error interface.
func (e ErrActorNotFound) Error() string {
	return fmt.Sprintf("actor of account %q not found", e.AccountID)
}

// ErrRequestTimeout is returned when a pending request exceeds its deadline.
type ErrRequestTimeout struct {
	MsgSeq uint16
}

// Error implements the error interface.
func (e ErrRequestTimeout) Error() string {
	return fmt.Sprintf("request %d timed out", e.MsgSeq)
}

// ErrLinkClosed is returned when the mesh link to a server is down.
type ErrLinkClosed struct {
	ServerID string
}

// Error implements the error interface.
func (e ErrLinkClosed) Error() string {
	return fmt.Sprintf("link to %q is closed", e.ServerID)
}

// ErrLinkNotFound is returned when no mesh link exists for a target.
type ErrLinkNotFound struct {
	Target string
}

// Error implements the error interface.
func (e ErrLinkNotFound) Error() string {
	return fmt.Sprintf("no link to %q", e.Target)
}

// ErrSendQueueFull is returned when an outbound queue is saturated.
type ErrSendQueueFull struct{}

// Error implements the error interface.
func (e ErrSendQueueFull) Error() string {
	return "send queue is full"
}

// ErrSessionClosed is returned when writing to a closed session.
type ErrSessionClosed struct{}

// Error implements the error interface.
func (e ErrSessionClosed) Error() string {
	return "session is closed"
}

// ErrNoCandidate is returned when service selection finds no usable server.
type ErrNoCandidate struct {
	ServiceID uint16
}

// Error implements the error interface.
func (e ErrNoCandidate) Error() string {
	return fmt.Sprintf("no candidate server for service %d", e.ServiceID)
}

// ErrNoClientBound is returned when pushing to an actor that has no
// attached client session.
type ErrNoClientBound struct {
	AccountID string
}

// Error implements the error interface.
func (e ErrNoClientBound) Error() string {
	return fmt.Sprintf("account %q has no bound client session", e.AccountID)
}

// ErrUnknownStageType is returned when no factory is registered for a
// stage type.
type ErrUnknownStageType struct {
	StageType string
}

// Error implements the error interface.
func (e ErrUnknownStageType) Error() string {
	return fmt.Sprintf("unknown stage type %q", e.StageType)
}
