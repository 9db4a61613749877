package playhouse

import (
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/serverinfo"
	"github.com/playhouse/playhouse/pkg/wire"
)

// ApiHandler handles one message type on an API node. Each invocation
// runs on its own goroutine; blocking requests from the sender are fine.
type ApiHandler func(sender *ApiSender, packet *Packet)

// ApiNode is a stateless mesh participant: it exposes message handlers
// instead of stages and typically fronts databases or third party
// services.
type ApiNode struct {
	//
	// identity. all mandatory.
	//
	ServerID  string
	Nid       string
	ServiceID uint16

	//
	// mesh side.
	//
	MeshAddress string

	//
	// discovery.
	//
	FetchFleet      FetchFleetFunc
	RefreshInterval time.Duration

	//
	// callbacks and tuning. all optional.
	//
	Handler        ServerHandler
	RequestTimeout time.Duration
	MaxBodySize    int
	Logger         *zerolog.Logger

	//
	// private
	//
	core     *nodeCore
	mesh     *meshServer
	resolver *addressResolver

	mutex    sync.Mutex
	handlers map[string]ApiHandler

	closed int32
}

// RegisterHandler binds a message id to a handler. Reserved ids are not
// accepted. It must be called before Start.
func (a *ApiNode) RegisterHandler(msgID string, h ApiHandler) error {
	if wire.IsReservedMsgID(msgID) {
		return fmt.Errorf("message id %q is reserved", msgID)
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.handlers == nil {
		a.handlers = make(map[string]ApiHandler)
	}
	a.handlers[msgID] = h
	return nil
}

// Start brings the node up: mesh listener and discovery.
func (a *ApiNode) Start() error {
	if a.ServerID == "" || a.Nid == "" {
		return fmt.Errorf("ServerID and Nid are mandatory")
	}
	if a.MeshAddress == "" {
		return fmt.Errorf("MeshAddress is mandatory")
	}

	if a.RequestTimeout <= 0 {
		a.RequestTimeout = defaultRequestTimeout
	}
	if a.MaxBodySize <= 0 {
		a.MaxBodySize = wire.DefaultMaxBodySize
	}
	if a.RefreshInterval <= 0 {
		a.RefreshInterval = defaultRefreshInterval
	}
	if a.Logger == nil {
		nop := zerolog.Nop()
		a.Logger = &nop
	}

	logger := a.Logger.With().Str("server", a.ServerID).Logger()

	a.core = &nodeCore{
		serverID:       a.ServerID,
		nid:            a.Nid,
		serviceID:      a.ServiceID,
		logger:         logger,
		requestTimeout: a.RequestTimeout,
		maxBodySize:    a.MaxBodySize,
		handleLocal:    a.handleRoute,
	}
	a.core.initialize()

	a.mesh = &meshServer{
		cm:      a.core.comm,
		address: a.MeshAddress,
		logger:  logger.With().Str("comp", "mesh").Logger(),
	}
	err := a.mesh.initialize()
	if err != nil {
		a.core.close()
		return err
	}

	if a.FetchFleet != nil {
		a.resolver = &addressResolver{
			logger:    logger.With().Str("comp", "resolver").Logger(),
			me:        a.ServerID,
			interval:  a.RefreshInterval,
			fetch:     a.FetchFleet,
			center:    a.core.center,
			cm:        a.core.comm,
			onChanged: a.fleetChanged,
		}
		a.resolver.initialize()
	}

	logger.Info().Str("mesh", a.MeshAddress).Msg("api node started")
	return nil
}

// Close shuts the node down.
func (a *ApiNode) Close() {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return
	}

	if a.resolver != nil {
		a.resolver.close()
	}
	a.mesh.close()
	a.core.close()

	a.Logger.Info().Str("server", a.ServerID).Msg("api node stopped")
}

// MeshAddr returns the bound mesh listener address.
func (a *ApiNode) MeshAddr() net.Addr {
	return a.mesh.addr()
}

func (a *ApiNode) handleRoute(pkt *wire.RoutePacket) {
	if pkt.IsToClient() || pkt.IsSystem() {
		a.core.logger.Debug().Str("msg", pkt.MsgID).
			Msg("packet without handler on api node dropped")
		return
	}

	a.mutex.Lock()
	h := a.handlers[pkt.MsgID]
	a.mutex.Unlock()

	if h == nil {
		a.core.reply(pkt, wire.CodeHandlerNotFound, nil)
		return
	}

	go a.runHandler(h, pkt)
}

func (a *ApiNode) runHandler(h ApiHandler, pkt *wire.RoutePacket) {
	defer func() {
		if r := recover(); r != nil {
			a.core.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("msg", pkt.MsgID).
				Msg("api handler panicked")
			a.core.reply(pkt, wire.CodeInternalError, nil)
		}
	}()

	sender := &ApiSender{
		core:   a.core,
		origin: pkt,
	}
	h(sender, &Packet{
		MsgID:   pkt.MsgID,
		MsgSeq:  pkt.MsgSeq,
		Payload: pkt.Payload,
	})
}

func (a *ApiNode) fleetChanged(diff serverinfo.Diff) {
	if h, ok := a.Handler.(ServerHandlerOnServerListChanged); ok {
		h.OnServerListChanged(diff)
	}
}

// ApiSender is the communication surface of one API handler invocation.
type ApiSender struct {
	core   *nodeCore
	origin *wire.RoutePacket
}

// Reply answers the request being handled. A no-op for pushes.
func (s *ApiSender) Reply(payload []byte) {
	s.core.reply(s.origin, wire.CodeSuccess, payload)
}

// ReplyError answers the request being handled with an error code.
func (s *ApiSender) ReplyError(code wire.ErrorCode) {
	s.core.reply(s.origin, code, nil)
}

// SendToStage sends a fire-and-forget message to a stage on a node.
func (s *ApiSender) SendToStage(nid string, stageID int64, msgID string, payload []byte) error {
	return s.core.sendToNid(nid, s.newPacket(msgID, stageID, payload))
}

// RequestToStage sends a request to a stage and blocks until the outcome.
func (s *ApiSender) RequestToStage(nid string, stageID int64, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	reply, code := s.core.requestSync(
		routeTarget{id: nid},
		s.newPacket(msgID, stageID, payload),
		0, 0, nil,
	)
	return replyPacket(reply), code
}

// SendToServer sends a fire-and-forget message to a node by server id.
func (s *ApiSender) SendToServer(serverID string, msgID string, payload []byte) error {
	return s.core.sendToServer(serverID, s.newPacket(msgID, 0, payload))
}

// RequestToServer sends a request to a node by server id and blocks until
// the outcome.
func (s *ApiSender) RequestToServer(serverID string, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	reply, code := s.core.requestSync(
		routeTarget{byServerID: true, id: serverID},
		s.newPacket(msgID, 0, payload),
		0, 0, nil,
	)
	return replyPacket(reply), code
}

// SendToService picks a Running server of a service with a policy and
// sends a fire-and-forget message to it.
func (s *ApiSender) SendToService(serviceID uint16, policy serverinfo.Policy, msgID string, payload []byte) error {
	entry, err := s.core.selectService(serviceID, serverinfo.ServerTypeAny, policy)
	if err != nil {
		return err
	}
	return s.core.sendToServer(entry.ServerID, s.newPacket(msgID, 0, payload))
}

// RequestToService picks a Running server of a service with a policy,
// sends a request to it and blocks until the outcome.
func (s *ApiSender) RequestToService(serviceID uint16, policy serverinfo.Policy, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	entry, err := s.core.selectService(serviceID, serverinfo.ServerTypeAny, policy)
	if err != nil {
		return nil, wire.CodeConnectionClosed
	}
	return s.RequestToServer(entry.ServerID, msgID, payload)
}

// CreateStage creates a stage of a type on a Play node. It fails with
// CodeAlreadyExists when the id is taken.
func (s *ApiSender) CreateStage(nid string, stageID int64, stageType string, createPayload []byte) (*wire.CreateStageRes, wire.ErrorCode) {
	return s.stageCommand(nid, stageID, wire.MsgIDCreateStage, stageType, createPayload)
}

// GetOrCreateStage creates a stage unless it already exists; the result
// reports which happened.
func (s *ApiSender) GetOrCreateStage(nid string, stageID int64, stageType string, createPayload []byte) (*wire.CreateStageRes, wire.ErrorCode) {
	return s.stageCommand(nid, stageID, wire.MsgIDGetOrCreateStage, stageType, createPayload)
}

// DestroyStage destroys a stage. Destroying an unknown stage succeeds.
func (s *ApiSender) DestroyStage(nid string, stageID int64) wire.ErrorCode {
	pkt := s.newPacket(wire.MsgIDDestroyStage, stageID, nil)
	_, code := s.core.requestSync(routeTarget{id: nid}, pkt, 0, 0, nil)
	return code
}

func (s *ApiSender) stageCommand(nid string, stageID int64, msgID string, stageType string, createPayload []byte) (*wire.CreateStageRes, wire.ErrorCode) {
	payload, err := wire.CreateStageReq{
		StageType:     stageType,
		CreatePayload: createPayload,
	}.Marshal()
	if err != nil {
		return nil, wire.CodeInternalError
	}

	pkt := s.newPacket(msgID, stageID, payload)
	reply, code := s.core.requestSync(routeTarget{id: nid}, pkt, 0, 0, nil)
	if code != wire.CodeSuccess || reply == nil {
		return nil, code
	}

	var res wire.CreateStageRes
	err = res.Unmarshal(reply.Payload)
	if err != nil {
		return nil, wire.CodeProtocolViolation
	}
	return &res, wire.CodeSuccess
}

func (s *ApiSender) newPacket(msgID string, stageID int64, payload []byte) *wire.RoutePacket {
	var flags uint8
	if wire.IsReservedMsgID(msgID) {
		flags = wire.RouteFlagSystem
	}
	return &wire.RoutePacket{
		Flags:     flags,
		MsgID:     msgID,
		StageID:   stageID,
		From:      s.core.nid,
		ServiceID: s.core.serviceID,
		Payload:   payload,
	}
}
