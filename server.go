package playhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/serverinfo"
	"github.com/playhouse/playhouse/pkg/wire"
)

// Server is a Play node: it terminates client connections, hosts stages
// and participates in the server mesh.
//
// Fill the exported fields, call RegisterStage for every stage type, then
// Start.
type Server struct {
	//
	// identity. all mandatory.
	//
	// stable unique id of this node (e.g. "play-1").
	ServerID string
	// short id used on the wire.
	Nid string
	// service this node belongs to.
	ServiceID uint16

	//
	// client side.
	//
	// listen address for clients.
	Address string
	// client transport; defaults to TransportTCP.
	Transport TransportKind
	// TLS configuration for TransportTCPTLS and TransportWebSocketTLS.
	TLSConfig *tls.Config

	//
	// mesh side.
	//
	// listen address for peer nodes.
	MeshAddress string

	//
	// discovery.
	//
	// returns the fleet snapshot; called every RefreshInterval.
	// When nil the node runs standalone, without a mesh view.
	FetchFleet FetchFleetFunc
	// defaults to 3 seconds.
	RefreshInterval time.Duration

	//
	// callbacks and tuning. all optional.
	//
	Handler ServerHandler
	// defaults to 30 seconds.
	RequestTimeout time.Duration
	// client silence tolerated before the session is dropped;
	// defaults to 90 seconds. Zero or negative keeps the default;
	// use a large value to effectively disable it.
	HeartbeatTimeout time.Duration
	// maximum frame body; defaults to 2 MiB.
	MaxBodySize int
	// frames written per flush on session and mesh writers; defaults
	// to 100.
	WriteBatchSize int
	// outbound byte thresholds of the session writer; defaults to
	// 512 KiB / 256 KiB.
	PauseWriterThreshold  int
	ResumeWriterThreshold int
	// buffer sizes of the client transport; default to 64 KiB each.
	ReceiveBufferSize int
	SendBufferSize    int
	// keepalive period of accepted TCP client connections; defaults to
	// 1 minute.
	TCPKeepalive time.Duration
	// structured logger; defaults to a disabled logger.
	Logger *zerolog.Logger

	//
	// private
	//
	core                *nodeCore
	dispatcher          *stageDispatcher
	resolver            *addressResolver
	mesh                *meshServer
	framePool           *bufferPool
	sessionCloseTimeout time.Duration

	sessionsMutex sync.Mutex
	sessions      map[int64]*Session
	sidSeq        int64

	clientLn net.Listener
	wsSrv    *wsListener

	closed int32

	pendingStageTypes map[string]stageFactories
}

// RegisterStage binds a stage type to its content factories. It must be
// called before Start.
func (s *Server) RegisterStage(stageType string, sf StageFactory, af ActorFactory) {
	if s.pendingStageTypes == nil {
		s.pendingStageTypes = make(map[string]stageFactories)
	}
	s.pendingStageTypes[stageType] = stageFactories{stage: sf, actor: af}
}

// Start brings the node up: mesh listener, discovery, client listener.
func (s *Server) Start() error {
	if s.ServerID == "" || s.Nid == "" {
		return fmt.Errorf("ServerID and Nid are mandatory")
	}
	if s.MeshAddress == "" {
		return fmt.Errorf("MeshAddress is mandatory")
	}

	if s.RequestTimeout <= 0 {
		s.RequestTimeout = defaultRequestTimeout
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if s.MaxBodySize <= 0 {
		s.MaxBodySize = wire.DefaultMaxBodySize
	}
	if s.WriteBatchSize <= 0 {
		s.WriteBatchSize = defaultWriteBatchSize
	}
	if s.PauseWriterThreshold <= 0 {
		s.PauseWriterThreshold = defaultPauseWriterThreshold
	}
	if s.ResumeWriterThreshold <= 0 {
		s.ResumeWriterThreshold = defaultResumeWriterThreshold
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = defaultRefreshInterval
	}
	if s.ReceiveBufferSize <= 0 {
		s.ReceiveBufferSize = defaultReceiveBufferSize
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = defaultSendBufferSize
	}
	if s.TCPKeepalive <= 0 {
		s.TCPKeepalive = defaultTCPKeepalive
	}
	if s.Logger == nil {
		nop := zerolog.Nop()
		s.Logger = &nop
	}
	s.sessionCloseTimeout = defaultSessionCloseTimeout
	s.framePool = newBufferPool(s.ReceiveBufferSize)
	s.sessions = make(map[int64]*Session)

	logger := s.Logger.With().Str("server", s.ServerID).Logger()

	s.core = &nodeCore{
		serverID:       s.ServerID,
		nid:            s.Nid,
		serviceID:      s.ServiceID,
		logger:         logger,
		requestTimeout: s.RequestTimeout,
		maxBodySize:    s.MaxBodySize,
		handleLocal:    s.handleRoute,
		replyToSession: s.replyToSession,
		bindSession:    s.bindSession,
	}
	s.core.initialize()

	s.dispatcher = &stageDispatcher{
		core:   s.core,
		logger: logger.With().Str("comp", "stages").Logger(),
	}
	s.dispatcher.initialize()
	for stageType, f := range s.pendingStageTypes {
		s.dispatcher.registerStageType(stageType, f.stage, f.actor)
	}

	s.mesh = &meshServer{
		cm:      s.core.comm,
		address: s.MeshAddress,
		logger:  logger.With().Str("comp", "mesh").Logger(),
	}
	err := s.mesh.initialize()
	if err != nil {
		s.core.close()
		return err
	}

	if s.FetchFleet != nil {
		s.resolver = &addressResolver{
			logger:    logger.With().Str("comp", "resolver").Logger(),
			me:        s.ServerID,
			interval:  s.RefreshInterval,
			fetch:     s.FetchFleet,
			center:    s.core.center,
			cm:        s.core.comm,
			onChanged: s.fleetChanged,
		}
		s.resolver.initialize()
	}

	if s.Address != "" {
		err = s.startClientListener()
		if err != nil {
			s.Close()
			return err
		}
	}

	logger.Info().
		Str("client", s.Address).
		Str("mesh", s.MeshAddress).
		Msg("server started")
	return nil
}

// Close shuts the node down: stop accepting, destroy stages, drain
// sessions, leave the mesh.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}

	if s.clientLn != nil {
		s.clientLn.Close()
	}
	if s.wsSrv != nil {
		s.wsSrv.close()
	}

	if s.resolver != nil {
		s.resolver.close()
	}

	s.dispatcher.destroyAll()

	s.sessionsMutex.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, se := range s.sessions {
		open = append(open, se)
	}
	s.sessionsMutex.Unlock()

	for _, se := range open {
		se.Close()
	}
	for _, se := range open {
		<-se.closedDone
	}

	s.mesh.close()
	s.core.close()

	s.Logger.Info().Str("server", s.ServerID).Msg("server stopped")
}

// MeshAddr returns the bound mesh listener address.
func (s *Server) MeshAddr() net.Addr {
	return s.mesh.addr()
}

// ClientAddr returns the bound client listener address, or nil when no
// client listener is configured.
func (s *Server) ClientAddr() net.Addr {
	switch {
	case s.clientLn != nil:
		return s.clientLn.Addr()
	case s.wsSrv != nil:
		return s.wsSrv.addr()
	}
	return nil
}

func (s *Server) startClientListener() error {
	switch s.Transport {
	case TransportTCP, TransportTCPTLS:
		lc := net.ListenConfig{KeepAlive: s.TCPKeepalive}
		ln, err := lc.Listen(context.Background(), "tcp", s.Address)
		if err != nil {
			return err
		}
		if s.Transport == TransportTCPTLS {
			if s.TLSConfig == nil {
				ln.Close()
				return fmt.Errorf("TransportTCPTLS requires TLSConfig")
			}
			ln = tls.NewListener(ln, s.TLSConfig)
		}
		s.clientLn = ln
		go s.runClientAccept(ln)
		return nil

	case TransportWebSocket, TransportWebSocketTLS:
		if s.Transport == TransportWebSocketTLS && s.TLSConfig == nil {
			return fmt.Errorf("TransportWebSocketTLS requires TLSConfig")
		}
		s.wsSrv = &wsListener{
			s:       s,
			address: s.Address,
			tlsConf: s.TLSConfig,
			useTLS:  s.Transport == TransportWebSocketTLS,
		}
		return s.wsSrv.initialize()
	}
	return fmt.Errorf("unsupported transport %d", s.Transport)
}

func (s *Server) runClientAccept(ln net.Listener) {
	for {
		nconn, err := ln.Accept()
		if err != nil {
			return
		}
		s.newSession(newTCPTransport(nconn, s.MaxBodySize, s.ReceiveBufferSize, s.SendBufferSize, s.framePool))
	}
}

// newSession registers the session before any of its goroutines run, so
// replies routed by sid always find it.
func (s *Server) newSession(tr sessionTransport) {
	s.sessionsMutex.Lock()
	s.sidSeq++
	se := &Session{
		s:   s,
		sid: s.sidSeq,
		tr:  tr,
		logger: s.core.logger.With().
			Int64("sid", s.sidSeq).
			Logger(),
	}
	s.sessions[se.sid] = se
	s.sessionsMutex.Unlock()

	if h, ok := s.Handler.(ServerHandlerOnSessionOpen); ok {
		h.OnSessionOpen(se)
	}

	se.initialize()
}

func (s *Server) removeSession(se *Session) {
	s.sessionsMutex.Lock()
	if s.sessions[se.sid] == se {
		delete(s.sessions, se.sid)
	}
	s.sessionsMutex.Unlock()
}

func (s *Server) sessionBySid(sid int64) *Session {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()
	return s.sessions[sid]
}

// handleRoute is the local sink of mesh and session packets.
func (s *Server) handleRoute(pkt *wire.RoutePacket) {
	if pkt.IsToClient() {
		s.pushToSession(pkt)
		return
	}
	s.dispatcher.dispatch(pkt)
}

// pushToSession forwards a stage push to the addressed client.
func (s *Server) pushToSession(pkt *wire.RoutePacket) {
	se := s.sessionBySid(pkt.Sid)
	if se == nil {
		s.core.logger.Debug().Int64("sid", pkt.Sid).Str("msg", pkt.MsgID).
			Msg("push for unknown session dropped")
		return
	}

	err := se.sendResponse(&wire.Response{
		MsgID:   pkt.MsgID,
		StageID: pkt.StageID,
		Payload: pkt.Payload,
	})
	if err != nil {
		se.logger.Debug().Err(err).Str("msg", pkt.MsgID).Msg("push dropped")
	}
}

func (s *Server) replyToSession(sid int64, res *wire.Response) error {
	se := s.sessionBySid(sid)
	if se == nil {
		return liberrors.ErrSessionClosed{}
	}
	return se.sendResponse(res)
}

func (s *Server) bindSession(sid int64, accountID string, stageID int64) {
	se := s.sessionBySid(sid)
	if se == nil {
		return
	}
	se.bind(accountID, stageID)
}

func (s *Server) fleetChanged(diff serverinfo.Diff) {
	if h, ok := s.Handler.(ServerHandlerOnServerListChanged); ok {
		h.OnServerListChanged(diff)
	}
}

func (s *Server) notifyError(se *Session, err error) {
	if h, ok := s.Handler.(ServerHandlerOnError); ok {
		h.OnError(se, err)
	}
}

func (s *Server) notifySessionClose(se *Session, err error) {
	if h, ok := s.Handler.(ServerHandlerOnSessionClose); ok {
		h.OnSessionClose(se, err)
	}
}
