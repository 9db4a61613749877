// Package wire contains the PlayHouse wire formats: client request and
// response frames, mesh route packets and the framework control payloads.
package wire

import (
	"strings"
)

const (
	// MaxMsgIDLen is the maximum length of a message ID.
	MaxMsgIDLen = 255

	// DefaultMaxBodySize is the default maximum size of a frame body.
	DefaultMaxBodySize = 2 * 1024 * 1024
)

// ErrorCode is a wire-level error code. Zero means success.
type ErrorCode uint16

// error codes.
const (
	CodeSuccess              ErrorCode = 0
	CodeAuthenticationFailed ErrorCode = 1
	CodeStageNotFound        ErrorCode = 2
	CodeJoinStageRejected    ErrorCode = 3
	CodeInvalidStageType     ErrorCode = 4
	CodeInvalidAccountID     ErrorCode = 5
	CodeAlreadyExists        ErrorCode = 6
	CodeRequestTimeout       ErrorCode = 7
	CodeConnectionClosed     ErrorCode = 8
	CodeProtocolViolation    ErrorCode = 9
	CodeInternalError        ErrorCode = 10
	CodeHandlerNotFound      ErrorCode = 11
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeAuthenticationFailed:
		return "authentication failed"
	case CodeStageNotFound:
		return "stage not found"
	case CodeJoinStageRejected:
		return "join stage rejected"
	case CodeInvalidStageType:
		return "invalid stage type"
	case CodeInvalidAccountID:
		return "invalid account id"
	case CodeAlreadyExists:
		return "already exists"
	case CodeRequestTimeout:
		return "request timeout"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeProtocolViolation:
		return "protocol violation"
	case CodeInternalError:
		return "internal error"
	case CodeHandlerNotFound:
		return "handler not found"
	}
	return "unknown"
}

// message IDs reserved for the framework. Client frames carrying a reserved
// message ID other than MsgIDHeartbeat are rejected as protocol violations.
const (
	MsgIDHello            = "$hello"
	MsgIDHeartbeat        = "$hb"
	MsgIDCreateStage      = "$CreateStage"
	MsgIDGetOrCreateStage = "$GetOrCreateStage"
	MsgIDJoinStage        = "$JoinStage"
	MsgIDCreateJoinStage  = "$CreateJoinStage"
	MsgIDDisconnectNotice = "$DisconnectNotice"
	MsgIDReconnect        = "$Reconnect"
	MsgIDDestroyStage     = "$DestroyStage"
)

// IsReservedMsgID reports whether id belongs to the framework namespace.
func IsReservedMsgID(id string) bool {
	return strings.HasPrefix(id, "$")
}
