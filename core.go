package playhouse

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/serverinfo"
	"github.com/playhouse/playhouse/pkg/wire"
)

// nodeCore bundles the mesh-side internals shared by Play and API nodes:
// identity, fleet view, request correlation and the outbound router.
type nodeCore struct {
	serverID       string
	nid            string
	serviceID      uint16
	logger         zerolog.Logger
	requestTimeout time.Duration
	maxBodySize    int

	center *serverinfo.Center
	cache  *requestCache
	comm   *communicator

	// dispatches inbound non-reply packets on the local node.
	handleLocal func(pkt *wire.RoutePacket)

	// routes a response to a local client session; nil on API nodes.
	replyToSession func(sid int64, res *wire.Response) error

	// binds a local session to a joined account and stage; nil on API
	// nodes.
	bindSession func(sid int64, accountID string, stageID int64)
}

func (co *nodeCore) initialize() {
	co.center = serverinfo.NewCenter()

	co.cache = &requestCache{
		logger: co.logger.With().Str("comp", "reqcache").Logger(),
	}
	co.cache.initialize()

	co.comm = &communicator{
		serverID:    co.serverID,
		nid:         co.nid,
		logger:      co.logger.With().Str("comp", "mesh").Logger(),
		maxBodySize: co.maxBodySize,
		onInbound:   co.inboundRoute,
		onLinkDown:  co.linkDown,
	}
	co.comm.initialize()
}

func (co *nodeCore) close() {
	co.comm.close()
	co.cache.close()
}

// inboundRoute handles every packet arriving over the mesh.
func (co *nodeCore) inboundRoute(pkt *wire.RoutePacket, fromNid string) {
	if pkt.IsReply() {
		if !co.cache.complete(pkt.MsgSeq, pkt.ErrorCode, pkt) {
			co.logger.Debug().
				Uint16("seq", pkt.MsgSeq).
				Str("from", fromNid).
				Msg("unmatched reply dropped")
		}
		return
	}

	co.handleLocal(pkt)
}

// linkDown completes every pending request bound to a lost link.
func (co *nodeCore) linkDown(serverID string, nid string) {
	co.cache.cancelTarget(serverID)
	if nid != "" {
		co.cache.cancelTarget(nid)
	}
}

// sendToNid delivers a fire-and-forget packet to a node by wire nid.
func (co *nodeCore) sendToNid(nid string, pkt *wire.RoutePacket) error {
	if nid == co.nid {
		co.handleLocal(pkt)
		return nil
	}
	return co.comm.sendToNid(nid, pkt)
}

// sendToServer delivers a fire-and-forget packet to a node by server id.
func (co *nodeCore) sendToServer(serverID string, pkt *wire.RoutePacket) error {
	if serverID == co.serverID {
		co.handleLocal(pkt)
		return nil
	}
	return co.comm.send(serverID, pkt)
}

type routeTarget struct {
	byServerID bool
	id         string
}

func (co *nodeCore) sendToTarget(target routeTarget, pkt *wire.RoutePacket) error {
	if target.byServerID {
		return co.sendToServer(target.id, pkt)
	}
	return co.sendToNid(target.id, pkt)
}

// request registers pkt in the cache, stamps a fresh msg_seq and sends it.
// deliver is invoked exactly once: with the reply, with CodeRequestTimeout,
// or with CodeConnectionClosed.
func (co *nodeCore) request(
	target routeTarget,
	pkt *wire.RoutePacket,
	timeout time.Duration,
	sid int64,
	owner *stage,
	deliver replyDelivery,
) {
	if timeout <= 0 {
		timeout = co.requestTimeout
	}

	seq := co.cache.register(target.id, sid, owner, timeout, deliver)
	pkt.MsgSeq = seq

	err := co.sendToTarget(target, pkt)
	if err != nil {
		co.logger.Warn().Err(err).Str("target", target.id).Str("msg", pkt.MsgID).
			Msg("request could not be sent")
		co.cache.complete(seq, wire.CodeConnectionClosed, nil)
	}
}

// requestSync is the blocking form of request. The reply is delivered on a
// private channel rather than an event loop, so a stage handler may await
// it while keeping its stage occupied.
func (co *nodeCore) requestSync(
	target routeTarget,
	pkt *wire.RoutePacket,
	timeout time.Duration,
	sid int64,
	owner *stage,
) (*wire.RoutePacket, wire.ErrorCode) {
	type result struct {
		code wire.ErrorCode
		pkt  *wire.RoutePacket
	}
	ch := make(chan result, 1)

	co.request(target, pkt, timeout, sid, owner, func(code wire.ErrorCode, reply *wire.RoutePacket) {
		ch <- result{code, reply}
	})

	res := <-ch
	return res.pkt, res.code
}

// reply answers the originator of a request packet. Fire-and-forget
// packets are left unanswered.
func (co *nodeCore) reply(origin *wire.RoutePacket, code wire.ErrorCode, payload []byte) {
	if origin == nil || origin.MsgSeq == 0 {
		return
	}

	if origin.From == co.nid {
		// Sid zero means the request was issued by this node itself, not
		// relayed for a client session; the waiter sits in the request
		// cache.
		if origin.Sid == 0 {
			ok := co.cache.complete(origin.MsgSeq, code, &wire.RoutePacket{
				Flags:     wire.RouteFlagReply,
				MsgID:     origin.MsgID,
				MsgSeq:    origin.MsgSeq,
				StageID:   origin.StageID,
				ErrorCode: code,
				From:      co.nid,
				ServiceID: co.serviceID,
				Payload:   payload,
			})
			if !ok {
				co.logger.Debug().Uint16("seq", origin.MsgSeq).Str("msg", origin.MsgID).
					Msg("unmatched local reply dropped")
			}
			return
		}

		if co.replyToSession == nil {
			co.logger.Warn().Str("msg", origin.MsgID).Msg("no session table for local reply")
			return
		}
		err := co.replyToSession(origin.Sid, &wire.Response{
			MsgID:     origin.MsgID,
			MsgSeq:    origin.MsgSeq,
			StageID:   origin.StageID,
			ErrorCode: code,
			Payload:   payload,
		})
		if err != nil {
			co.logger.Debug().Err(err).Int64("sid", origin.Sid).Msg("local reply dropped")
		}
		return
	}

	err := co.sendToNid(origin.From, &wire.RoutePacket{
		Flags:     wire.RouteFlagReply,
		MsgID:     origin.MsgID,
		MsgSeq:    origin.MsgSeq,
		StageID:   origin.StageID,
		ErrorCode: code,
		From:      co.nid,
		ServiceID: co.serviceID,
		Sid:       origin.Sid,
		AccountID: origin.AccountID,
		Payload:   payload,
	})
	if err != nil {
		co.logger.Debug().Err(err).Str("to", origin.From).Msg("mesh reply dropped")
	}
}

// selectService picks a server of a service with a selection policy.
func (co *nodeCore) selectService(
	serviceID uint16,
	typ serverinfo.ServerType,
	policy serverinfo.Policy,
) (*serverinfo.ServerInfo, error) {
	entry, ok := co.center.Select(serviceID, typ, policy)
	if !ok {
		return nil, liberrors.ErrNoCandidate{ServiceID: serviceID}
	}
	return entry, nil
}
