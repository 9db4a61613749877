package playhouse

import (
	"time"

	"github.com/playhouse/playhouse/pkg/serverinfo"
)

const (
	defaultReceiveBufferSize     = 64 * 1024
	defaultSendBufferSize        = 64 * 1024
	defaultPauseWriterThreshold  = 512 * 1024
	defaultResumeWriterThreshold = 256 * 1024
	defaultHeartbeatTimeout      = 90 * time.Second
	defaultRequestTimeout        = 30 * time.Second
	defaultRefreshInterval       = 3 * time.Second
	defaultWriteBatchSize        = 100
	defaultWriteQueueSize        = 512
	defaultSessionCloseTimeout   = 5 * time.Second
	defaultTCPKeepalive          = 1 * time.Minute
	requestSweepInterval         = 100 * time.Millisecond
)

// TransportKind selects a client-facing listener.
type TransportKind int

// transport kinds.
const (
	TransportTCP TransportKind = iota
	TransportTCPTLS
	TransportWebSocket
	TransportWebSocketTLS
)

// Packet is a message surfaced to content code: a logical type plus an
// opaque payload view. The payload is only valid for the duration of the
// handler; content code must copy it to retain it.
type Packet struct {
	// logical message type.
	MsgID string

	// request sequence; zero for pushes.
	MsgSeq uint16

	// opaque payload.
	Payload []byte
}

// StageHandler is implemented by content stages. Optional capabilities are
// declared by implementing the StageHandlerOn* interfaces.
type StageHandler interface {
	// OnDispatch handles a message addressed to the stage. actor is the
	// sending actor for client messages and nil for server-to-stage
	// messages.
	OnDispatch(actor ActorHandler, packet *Packet) error
}

// StageHandlerOnCreate is called when the stage is instantiated; a non-nil
// error rejects the creation and the stage is torn down.
type StageHandlerOnCreate interface {
	OnCreate(payload []byte) error
}

// StageHandlerOnPostCreate is called after a successful creation.
type StageHandlerOnPostCreate interface {
	OnPostCreate()
}

// StageHandlerOnDestroy is called while the stage is being destroyed,
// after all of its actors have been destroyed.
type StageHandlerOnDestroy interface {
	OnDestroy()
}

// StageHandlerOnJoinStage lets the stage accept or reject a joining actor.
type StageHandlerOnJoinStage interface {
	OnJoinStage(actor ActorHandler) bool
}

// StageHandlerOnPostJoinStage is called after an actor has been added.
type StageHandlerOnPostJoinStage interface {
	OnPostJoinStage(actor ActorHandler)
}

// StageHandlerOnConnectionChanged is called when an actor's client
// disconnects (false) or reconnects (true).
type StageHandlerOnConnectionChanged interface {
	OnConnectionChanged(actor ActorHandler, connected bool)
}

// ActorHandler is implemented by content actors. Optional capabilities are
// declared by implementing the ActorHandlerOn* interfaces.
type ActorHandler interface{}

// ActorHandlerOnCreate is called right after the actor is instantiated.
type ActorHandlerOnCreate interface {
	OnCreate()
}

// ActorHandlerOnDestroy is called when the actor is discarded.
type ActorHandlerOnDestroy interface {
	OnDestroy()
}

// ActorHandlerOnAuthenticate validates the opaque auth packet. The
// implementation must call ActorSender.Authenticate with the account id
// before returning true.
type ActorHandlerOnAuthenticate interface {
	OnAuthenticate(authPayload []byte) bool
}

// ActorHandlerOnPostAuthenticate is called after authentication succeeds.
type ActorHandlerOnPostAuthenticate interface {
	OnPostAuthenticate()
}

// StageFactory instantiates the content stage of a stage type.
type StageFactory func(sender *StageSender) StageHandler

// ActorFactory instantiates a content actor of a stage type.
type ActorFactory func(sender *ActorSender) ActorHandler

// ServerHandler receives node-level events. Optional capabilities are
// declared by implementing the ServerHandlerOn* interfaces.
type ServerHandler interface{}

// ServerHandlerOnSessionOpen is called when a client session is accepted.
type ServerHandlerOnSessionOpen interface {
	OnSessionOpen(se *Session)
}

// ServerHandlerOnSessionClose is called exactly once when a client session
// terminates.
type ServerHandlerOnSessionClose interface {
	OnSessionClose(se *Session, err error)
}

// ServerHandlerOnError is called on session-level errors, protocol
// violations included.
type ServerHandlerOnError interface {
	OnError(se *Session, err error)
}

// ServerHandlerOnServerListChanged is called after every non-empty
// discovery diff.
type ServerHandlerOnServerListChanged interface {
	OnServerListChanged(diff serverinfo.Diff)
}

// FetchFleetFunc returns the current server list; it is called every
// RefreshInterval by the address resolver.
type FetchFleetFunc func() ([]*serverinfo.ServerInfo, error)
