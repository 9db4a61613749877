package playhouse

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/wire"
)

type stageFactories struct {
	stage StageFactory
	actor ActorFactory
}

// stageDispatcher owns the stage registry of a Play node. It classifies
// inbound route packets, runs the stage lifecycle commands and posts
// everything else onto the target stage's loop.
type stageDispatcher struct {
	core   *nodeCore
	logger zerolog.Logger

	mutex     sync.Mutex
	stages    map[int64]*stage
	accounts  map[string]*stage
	factories map[string]stageFactories
}

func (sd *stageDispatcher) initialize() {
	sd.stages = make(map[int64]*stage)
	sd.accounts = make(map[string]*stage)
	sd.factories = make(map[string]stageFactories)
}

func (sd *stageDispatcher) registerStageType(stageType string, sf StageFactory, af ActorFactory) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	sd.factories[stageType] = stageFactories{stage: sf, actor: af}
}

func (sd *stageDispatcher) actorFactory(stageType string) (ActorFactory, bool) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	f, ok := sd.factories[stageType]
	if !ok {
		return nil, false
	}
	return f.actor, true
}

// dispatch handles every non-reply packet arriving at a Play node.
func (sd *stageDispatcher) dispatch(pkt *wire.RoutePacket) {
	sd.dispatchBuf(pkt, nil, nil)
}

// dispatchBuf is dispatch for packets whose payload aliases a pooled
// receive buffer; the buffer travels with the posted work item and is
// recycled when the item is released.
func (sd *stageDispatcher) dispatchBuf(pkt *wire.RoutePacket, buf []byte, pool *bufferPool) {
	if pkt.IsSystem() {
		switch pkt.MsgID {
		case wire.MsgIDCreateStage:
			sd.createStage(pkt, false, buf, pool)
		case wire.MsgIDGetOrCreateStage:
			sd.createStage(pkt, true, buf, pool)
		case wire.MsgIDJoinStage:
			sd.joinStage(pkt, false, buf, pool)
		case wire.MsgIDCreateJoinStage:
			sd.joinStage(pkt, true, buf, pool)
		case wire.MsgIDDisconnectNotice:
			sd.disconnectNotice(pkt)
			releaseBuf(pool, buf)
		case wire.MsgIDReconnect:
			sd.reconnect(pkt, buf, pool)
		case wire.MsgIDDestroyStage:
			sd.destroyStage(pkt)
			releaseBuf(pool, buf)
		default:
			sd.core.reply(pkt, wire.CodeHandlerNotFound, nil)
			releaseBuf(pool, buf)
		}
		return
	}

	st := sd.stageByID(pkt.StageID)
	if st == nil {
		if pkt.MsgSeq != 0 {
			sd.core.reply(pkt, wire.CodeStageNotFound, nil)
		} else {
			sd.logger.Debug().Str("msg", pkt.MsgID).Int64("stage", pkt.StageID).
				Msg("packet for unknown stage dropped")
		}
		releaseBuf(pool, buf)
		return
	}

	kind := loopMsgRoute
	if pkt.AccountID != "" {
		kind = loopMsgClientRoute
	}
	m := newLoopMessage(kind)
	m.route = pkt
	m.buf = buf
	m.pool = pool
	st.post(m)
}

func releaseBuf(pool *bufferPool, buf []byte) {
	if pool != nil && buf != nil {
		pool.put(buf)
	}
}

// createStage handles $CreateStage and $GetOrCreateStage.
func (sd *stageDispatcher) createStage(pkt *wire.RoutePacket, getOrCreate bool, buf []byte, pool *bufferPool) {
	var req wire.CreateStageReq
	err := req.Unmarshal(pkt.Payload)
	if err != nil {
		sd.core.reply(pkt, wire.CodeProtocolViolation, nil)
		releaseBuf(pool, buf)
		return
	}

	sd.mutex.Lock()
	st, exists := sd.stages[pkt.StageID]
	if exists {
		sd.mutex.Unlock()
		releaseBuf(pool, buf)

		if !getOrCreate {
			sd.core.reply(pkt, wire.CodeAlreadyExists, nil)
			return
		}

		// answered on the loop so the reply is ordered after a still
		// pending OnCreate.
		m := newLoopMessage(loopMsgAsync)
		m.fn = func() {
			payload, _ := wire.CreateStageRes{StageID: st.id, Created: false}.Marshal()
			sd.core.reply(pkt, wire.CodeSuccess, payload)
		}
		if !st.loop.post(m) {
			m.release()
			sd.core.reply(pkt, wire.CodeStageNotFound, nil)
		}
		return
	}

	f, ok := sd.factories[req.StageType]
	if !ok {
		sd.mutex.Unlock()
		sd.core.reply(pkt, wire.CodeInvalidStageType, nil)
		releaseBuf(pool, buf)
		return
	}
	st = sd.newStageLocked(pkt.StageID, req.StageType, f)
	sd.mutex.Unlock()

	m := newLoopMessage(loopMsgCreate)
	m.route = pkt
	m.createPayload = req.CreatePayload
	m.buf = buf
	m.pool = pool
	st.post(m)
}

// joinStage handles $JoinStage and $CreateJoinStage. A missing stage is
// created first; the join is posted behind the create on the same loop,
// so the content OnCreate always runs before the first OnJoinStage.
func (sd *stageDispatcher) joinStage(pkt *wire.RoutePacket, createJoin bool, buf []byte, pool *bufferPool) {
	var stageType string
	var authPayload, createPayload []byte

	if createJoin {
		var req wire.CreateJoinStageReq
		err := req.Unmarshal(pkt.Payload)
		if err != nil {
			sd.core.reply(pkt, wire.CodeProtocolViolation, nil)
			releaseBuf(pool, buf)
			return
		}
		stageType = req.StageType
		authPayload = req.AuthPayload
		createPayload = req.CreatePayload
	} else {
		var req wire.JoinStageReq
		err := req.Unmarshal(pkt.Payload)
		if err != nil {
			sd.core.reply(pkt, wire.CodeProtocolViolation, nil)
			releaseBuf(pool, buf)
			return
		}
		stageType = req.StageType
		authPayload = req.AuthPayload
	}

	sd.mutex.Lock()
	st, exists := sd.stages[pkt.StageID]
	created := false
	if !exists {
		f, ok := sd.factories[stageType]
		if !ok {
			sd.mutex.Unlock()
			sd.core.reply(pkt, wire.CodeInvalidStageType, nil)
			releaseBuf(pool, buf)
			return
		}
		st = sd.newStageLocked(pkt.StageID, stageType, f)
		created = true
	}
	sd.mutex.Unlock()

	if !created && st.stageType != stageType {
		sd.core.reply(pkt, wire.CodeInvalidStageType, nil)
		releaseBuf(pool, buf)
		return
	}

	if created {
		// the create runs first on the fresh loop; its payload shares
		// the receive buffer with the join behind it, so only the join
		// carries the buffer.
		cm := newLoopMessage(loopMsgCreate)
		cm.createPayload = createPayload
		st.post(cm)
	}

	jm := newLoopMessage(loopMsgJoinActor)
	jm.join = &joinRequest{
		origin:      pkt,
		sessionNid:  pkt.From,
		sid:         pkt.Sid,
		authPayload: authPayload,
		created:     created,
	}
	jm.buf = buf
	jm.pool = pool
	st.post(jm)
}

// disconnectNotice handles $DisconnectNotice: the client of a joined
// account went away.
func (sd *stageDispatcher) disconnectNotice(pkt *wire.RoutePacket) {
	st := sd.accountStage(pkt.AccountID)
	if st == nil {
		return
	}

	m := newLoopMessage(loopMsgDisconnect)
	m.accountID = pkt.AccountID
	if !st.loop.post(m) {
		m.release()
	}
}

// reconnect handles $Reconnect: rebind a surviving actor to a new client
// endpoint without rerunning authentication.
func (sd *stageDispatcher) reconnect(pkt *wire.RoutePacket, buf []byte, pool *bufferPool) {
	var req wire.ReconnectReq
	err := req.Unmarshal(pkt.Payload)
	releaseBuf(pool, buf)
	if err != nil {
		sd.core.reply(pkt, wire.CodeProtocolViolation, nil)
		return
	}

	accountID := pkt.AccountID
	st := sd.accountStage(accountID)
	if st == nil {
		sd.core.reply(pkt, wire.CodeInvalidAccountID, nil)
		return
	}

	m := newLoopMessage(loopMsgAsync)
	m.fn = func() {
		actor, ok := st.actors[accountID]
		if !ok {
			sd.core.reply(pkt, wire.CodeInvalidAccountID, nil)
			return
		}
		actor.sender.rebind(req.SessionNid, req.Sid, req.APINid)
		if h, ok2 := st.handler.(StageHandlerOnConnectionChanged); ok2 {
			h.OnConnectionChanged(actor.handler, true)
		}
		if pkt.From == sd.core.nid && sd.core.bindSession != nil {
			sd.core.bindSession(req.Sid, accountID, st.id)
		}
		payload, _ := wire.JoinStageRes{StageID: st.id, Created: false}.Marshal()
		sd.core.reply(pkt, wire.CodeSuccess, payload)
	}
	if !st.loop.post(m) {
		m.release()
		sd.core.reply(pkt, wire.CodeStageNotFound, nil)
	}
}

// destroyStage handles $DestroyStage. Destroying an unknown stage
// succeeds.
func (sd *stageDispatcher) destroyStage(pkt *wire.RoutePacket) {
	st := sd.stageByID(pkt.StageID)
	if st == nil {
		sd.core.reply(pkt, wire.CodeSuccess, nil)
		return
	}

	m := newLoopMessage(loopMsgDestroy)
	m.done = make(chan struct{})
	done := m.done
	if !st.loop.post(m) {
		m.release()
		sd.core.reply(pkt, wire.CodeSuccess, nil)
		return
	}

	go func() {
		<-done
		sd.core.reply(pkt, wire.CodeSuccess, nil)
	}()
}

func (sd *stageDispatcher) newStageLocked(stageID int64, stageType string, f stageFactories) *stage {
	st := &stage{
		sd:        sd,
		id:        stageID,
		stageType: stageType,
		logger: sd.logger.With().
			Int64("stage", stageID).
			Str("type", stageType).
			Logger(),
	}
	st.initialize()
	st.handler = f.stage(st.sender)

	sd.stages[stageID] = st
	return st
}

func (sd *stageDispatcher) stageByID(stageID int64) *stage {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	return sd.stages[stageID]
}

func (sd *stageDispatcher) accountStage(accountID string) *stage {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	return sd.accounts[accountID]
}

func (sd *stageDispatcher) bindAccount(accountID string, st *stage) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	sd.accounts[accountID] = st
}

func (sd *stageDispatcher) unbindAccount(accountID string, st *stage) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	if sd.accounts[accountID] == st {
		delete(sd.accounts, accountID)
	}
}

func (sd *stageDispatcher) removeStage(st *stage) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	if sd.stages[st.id] == st {
		delete(sd.stages, st.id)
	}
}

func (sd *stageDispatcher) stageCount() int {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()
	return len(sd.stages)
}

// destroyAll tears down every stage and waits for their loops. Used by
// node shutdown.
func (sd *stageDispatcher) destroyAll() {
	sd.mutex.Lock()
	stages := make([]*stage, 0, len(sd.stages))
	for _, st := range sd.stages {
		stages = append(stages, st)
	}
	sd.mutex.Unlock()

	dones := make([]chan struct{}, 0, len(stages))
	for _, st := range stages {
		m := newLoopMessage(loopMsgDestroy)
		m.done = make(chan struct{})
		done := m.done
		if !st.loop.post(m) {
			m.release()
			continue
		}
		dones = append(dones, done)
	}
	for _, done := range dones {
		<-done
	}
}
