package playhouse

import (
	"time"

	"github.com/playhouse/playhouse/pkg/serverinfo"
	"github.com/playhouse/playhouse/pkg/wire"
)

// StageSender is the communication surface handed to a content stage. All
// of its methods are safe to call from the stage loop; the blocking
// Request* forms keep the loop occupied until the reply arrives and must
// not be called from outside a handler.
type StageSender struct {
	core *nodeCore
	st   *stage
}

// StageID returns the id of the owning stage.
func (s *StageSender) StageID() int64 {
	return s.st.id
}

// StageType returns the registered type of the owning stage.
func (s *StageSender) StageType() string {
	return s.st.stageType
}

// Reply answers the request currently being dispatched. Calling it
// outside a dispatch, or for a push, is a no-op.
func (s *StageSender) Reply(payload []byte) {
	s.core.reply(s.st.currentOrigin, wire.CodeSuccess, payload)
}

// ReplyError answers the request currently being dispatched with an
// error code.
func (s *StageSender) ReplyError(code wire.ErrorCode) {
	s.core.reply(s.st.currentOrigin, code, nil)
}

// SendToClient pushes a message to a client session on any node.
func (s *StageSender) SendToClient(sessionNid string, sid int64, msgID string, payload []byte) error {
	return s.core.sendToNid(sessionNid, &wire.RoutePacket{
		Flags:     wire.RouteFlagToClient,
		MsgID:     msgID,
		StageID:   s.st.id,
		From:      s.core.nid,
		ServiceID: s.core.serviceID,
		Sid:       sid,
		Payload:   payload,
	})
}

// SendToStage sends a fire-and-forget message to a stage on a node.
func (s *StageSender) SendToStage(nid string, stageID int64, msgID string, payload []byte) error {
	return s.core.sendToNid(nid, s.newPacket(msgID, stageID, payload))
}

// RequestToStage sends a request to a stage on a node and blocks until
// the reply, a timeout or a lost link. The stage loop stays occupied
// while waiting.
func (s *StageSender) RequestToStage(nid string, stageID int64, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	reply, code := s.core.requestSync(
		routeTarget{id: nid},
		s.newPacket(msgID, stageID, payload),
		0, 0, s.st,
	)
	return replyPacket(reply), code
}

// RequestToStageAsync sends a request to a stage on a node; cb runs later
// on this stage's loop with the outcome.
func (s *StageSender) RequestToStageAsync(
	nid string, stageID int64, msgID string, payload []byte,
	cb func(reply *Packet, code wire.ErrorCode),
) {
	s.requestAsync(routeTarget{id: nid}, s.newPacket(msgID, stageID, payload), cb)
}

// SendToServer sends a fire-and-forget message to a node by server id.
func (s *StageSender) SendToServer(serverID string, msgID string, payload []byte) error {
	return s.core.sendToServer(serverID, s.newPacket(msgID, 0, payload))
}

// RequestToServer sends a request to a node by server id and blocks
// until the outcome.
func (s *StageSender) RequestToServer(serverID string, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	reply, code := s.core.requestSync(
		routeTarget{byServerID: true, id: serverID},
		s.newPacket(msgID, 0, payload),
		0, 0, s.st,
	)
	return replyPacket(reply), code
}

// RequestToServerAsync is the callback form of RequestToServer.
func (s *StageSender) RequestToServerAsync(
	serverID string, msgID string, payload []byte,
	cb func(reply *Packet, code wire.ErrorCode),
) {
	s.requestAsync(routeTarget{byServerID: true, id: serverID}, s.newPacket(msgID, 0, payload), cb)
}

// SendToService picks a Running server of a service with a policy and
// sends a fire-and-forget message to it.
func (s *StageSender) SendToService(serviceID uint16, policy serverinfo.Policy, msgID string, payload []byte) error {
	entry, err := s.core.selectService(serviceID, serverinfo.ServerTypeAny, policy)
	if err != nil {
		return err
	}
	return s.core.sendToServer(entry.ServerID, s.newPacket(msgID, 0, payload))
}

// RequestToService picks a Running server of a service with a policy,
// sends a request to it and blocks until the outcome.
func (s *StageSender) RequestToService(serviceID uint16, policy serverinfo.Policy, msgID string, payload []byte) (*Packet, wire.ErrorCode) {
	entry, err := s.core.selectService(serviceID, serverinfo.ServerTypeAny, policy)
	if err != nil {
		return nil, wire.CodeConnectionClosed
	}
	return s.RequestToServer(entry.ServerID, msgID, payload)
}

// AddTimer schedules cb once on this stage's loop after delay.
func (s *StageSender) AddTimer(delay time.Duration, cb func()) TimerID {
	return s.st.addTimer(false, delay, 0, cb)
}

// AddRepeatTimer schedules cb on this stage's loop after initialDelay and
// then every period.
func (s *StageSender) AddRepeatTimer(initialDelay, period time.Duration, cb func()) TimerID {
	return s.st.addTimer(true, initialDelay, period, cb)
}

// CancelTimer stops a timer of this stage.
func (s *StageSender) CancelTimer(id TimerID) {
	s.st.cancelTimer(id)
}

// AsyncBlock runs pre off the stage loop and posts post back onto it with
// the result. Stage state must only be touched inside post.
func (s *StageSender) AsyncBlock(pre func() (interface{}, error), post func(result interface{}, err error)) {
	s.st.asyncBlock(pre, post)
}

// CloseStage schedules the destruction of the owning stage.
func (s *StageSender) CloseStage() {
	m := newLoopMessage(loopMsgDestroy)
	if !s.st.loop.post(m) {
		m.release()
	}
}

func (s *StageSender) newPacket(msgID string, stageID int64, payload []byte) *wire.RoutePacket {
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

// requestAsync registers the request and arranges for cb to run on this
// stage's loop when the outcome is known.
func (s *StageSender) requestAsync(
	target routeTarget,
	pkt *wire.RoutePacket,
	cb func(reply *Packet, code wire.ErrorCode),
) {
	st := s.st
	s.core.request(target, pkt, 0, 0, st, func(code wire.ErrorCode, reply *wire.RoutePacket) {
		m := newLoopMessage(loopMsgReplyCallback)
		m.code = code
		m.fn = func() { cb(replyPacket(reply), code) }
		if !st.loop.post(m) {
			m.release()
		}
	})
}

func replyPacket(reply *wire.RoutePacket) *Packet {
	if reply == nil {
		return nil
	}
	return &Packet{
		MsgID:   reply.MsgID,
		MsgSeq:  reply.MsgSeq,
		Payload: reply.Payload,
	}
}
