package playhouse

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/wire"
)

type stageActor struct {
	handler ActorHandler
	sender  *ActorSender
}

// stage owns a stage id, its content handler, its actors and a
// single-owner event loop. actors, actorOrder, isCreated, destroyed and
// currentOrigin are touched exclusively by work items running on the
// loop and need no locking.
type stage struct {
	sd        *stageDispatcher
	id        int64
	stageType string
	logger    zerolog.Logger

	loop    *stageLoop
	handler StageHandler
	sender  *StageSender

	actors     map[string]*stageActor
	actorOrder []string
	isCreated  bool
	destroyed  bool

	// origin of the work item being executed; reply target of Reply().
	currentOrigin *wire.RoutePacket

	timersMutex sync.Mutex
	timerSeq    uint64
	timers      map[TimerID]*stageTimer
}

func (st *stage) initialize() {
	st.actors = make(map[string]*stageActor)
	st.timers = make(map[TimerID]*stageTimer)

	st.loop = &stageLoop{
		logger: st.logger,
	}
	st.loop.initialize()
	st.loop.run = st.runMessage

	st.sender = &StageSender{
		core: st.sd.core,
		st:   st,
	}
}

// post hands a work item to the loop; rejected items are released and the
// originator, if any, is answered with a stage-closed error.
func (st *stage) post(m *loopMessage) {
	origin := m.route
	if m.join != nil {
		origin = m.join.origin
	}

	if !st.loop.post(m) {
		st.sd.core.reply(origin, wire.CodeStageNotFound, nil)
		m.release()
	}
}

func (st *stage) runMessage(m *loopMessage) {
	switch m.kind {
	case loopMsgRoute:
		st.processRoute(m.route)

	case loopMsgClientRoute:
		st.processClientRoute(m.route)

	case loopMsgCreate:
		st.processCreate(m.route, m.createPayload)

	case loopMsgTimer, loopMsgAsync, loopMsgReplyCallback:
		m.fn()

	case loopMsgJoinActor:
		st.processJoin(m.join)

	case loopMsgDisconnect:
		st.processDisconnect(m.accountID)

	case loopMsgDestroy:
		st.processDestroy()
		if m.done != nil {
			close(m.done)
		}
	}
}

// processRoute handles a server-to-stage content message.
func (st *stage) processRoute(pkt *wire.RoutePacket) {
	st.currentOrigin = pkt
	defer func() { st.currentOrigin = nil }()

	err := st.handler.OnDispatch(nil, &Packet{
		MsgID:   pkt.MsgID,
		MsgSeq:  pkt.MsgSeq,
		Payload: pkt.Payload,
	})
	if err != nil {
		st.logger.Error().Err(err).Str("msg", pkt.MsgID).Msg("stage dispatch failed")
		st.sd.core.reply(pkt, wire.CodeInternalError, nil)
	}
}

// processClientRoute handles a client-to-actor message.
func (st *stage) processClientRoute(pkt *wire.RoutePacket) {
	st.currentOrigin = pkt
	defer func() { st.currentOrigin = nil }()

	actor, ok := st.actors[pkt.AccountID]
	if !ok {
		st.sd.core.reply(pkt, wire.CodeInvalidAccountID, nil)
		return
	}

	err := st.handler.OnDispatch(actor.handler, &Packet{
		MsgID:   pkt.MsgID,
		MsgSeq:  pkt.MsgSeq,
		Payload: pkt.Payload,
	})
	if err != nil {
		st.logger.Error().Err(err).Str("msg", pkt.MsgID).
			Str("account", pkt.AccountID).Msg("actor dispatch failed")
		st.sd.core.reply(pkt, wire.CodeInternalError, nil)
	}
}

// processCreate runs the content OnCreate. origin is nil when the stage
// is created implicitly on behalf of a pending join.
func (st *stage) processCreate(origin *wire.RoutePacket, createPayload []byte) {
	st.currentOrigin = origin
	defer func() { st.currentOrigin = nil }()

	if h, ok := st.handler.(StageHandlerOnCreate); ok {
		err := h.OnCreate(createPayload)
		if err != nil {
			st.logger.Warn().Err(err).Msg("stage creation rejected by content")
			st.sd.removeStage(st)
			st.loop.closeLoop()
			st.sd.core.reply(origin, wire.CodeInternalError, nil)
			return
		}
	}

	st.isCreated = true

	if h, ok := st.handler.(StageHandlerOnPostCreate); ok {
		h.OnPostCreate()
	}

	payload, _ := wire.CreateStageRes{StageID: st.id, Created: true}.Marshal()
	st.sd.core.reply(origin, wire.CodeSuccess, payload)
}

// processJoin runs the actor join sequence on the stage loop.
func (st *stage) processJoin(join *joinRequest) {
	st.currentOrigin = join.origin
	defer func() { st.currentOrigin = nil }()

	core := st.sd.core

	if !st.isCreated {
		// creation failed earlier on this loop.
		core.reply(join.origin, wire.CodeInternalError, nil)
		return
	}

	factory, ok := st.sd.actorFactory(st.stageType)
	if !ok {
		core.reply(join.origin, wire.CodeInvalidStageType, nil)
		return
	}

	as := &ActorSender{
		StageSender: st.sender,
		sessionNid:  join.sessionNid,
		sid:         join.sid,
		apiNid:      join.apiNid,
	}
	actor := factory(as)

	if h, ok2 := actor.(ActorHandlerOnCreate); ok2 {
		h.OnCreate()
	}

	if h, ok2 := actor.(ActorHandlerOnAuthenticate); ok2 {
		if !h.OnAuthenticate(join.authPayload) {
			st.destroyActor(actor)
			core.reply(join.origin, wire.CodeAuthenticationFailed, nil)
			return
		}
	}

	if as.accountID == "" {
		st.destroyActor(actor)
		core.reply(join.origin, wire.CodeInvalidAccountID, nil)
		return
	}

	if h, ok2 := actor.(ActorHandlerOnPostAuthenticate); ok2 {
		h.OnPostAuthenticate()
	}

	resPayload, _ := wire.JoinStageRes{StageID: st.id, Created: join.created}.Marshal()

	if existing, ok2 := st.actors[as.accountID]; ok2 {
		// reconnect: the actor instance survives, only its client
		// endpoint is rebound.
		st.destroyActor(actor)
		existing.sender.rebind(join.sessionNid, join.sid, join.apiNid)
		if h, ok3 := st.handler.(StageHandlerOnConnectionChanged); ok3 {
			h.OnConnectionChanged(existing.handler, true)
		}
		st.bindOrigin(join, as.accountID)
		core.reply(join.origin, wire.CodeSuccess, resPayload)
		return
	}

	if h, ok2 := st.handler.(StageHandlerOnJoinStage); ok2 {
		if !h.OnJoinStage(actor) {
			st.destroyActor(actor)
			core.reply(join.origin, wire.CodeJoinStageRejected, nil)
			return
		}
	}

	st.actors[as.accountID] = &stageActor{handler: actor, sender: as}
	st.actorOrder = append(st.actorOrder, as.accountID)

	if h, ok2 := st.handler.(StageHandlerOnPostJoinStage); ok2 {
		h.OnPostJoinStage(actor)
	}

	st.sd.bindAccount(as.accountID, st)
	st.bindOrigin(join, as.accountID)
	core.reply(join.origin, wire.CodeSuccess, resPayload)
}

// bindOrigin attaches the joined account to its local session, so a later
// disconnect reaches the stage.
func (st *stage) bindOrigin(join *joinRequest, accountID string) {
	core := st.sd.core
	if join.origin != nil && join.origin.From == core.nid && core.bindSession != nil {
		core.bindSession(join.sid, accountID, st.id)
	}
}

// processDisconnect reports a lost client to the content stage. The actor
// stays in the map; a reconnect may revive it.
func (st *stage) processDisconnect(accountID string) {
	actor, ok := st.actors[accountID]
	if !ok {
		return
	}

	if h, ok2 := st.handler.(StageHandlerOnConnectionChanged); ok2 {
		h.OnConnectionChanged(actor.handler, false)
	}
}

// processDestroy destroys all actors in insertion order, then the stage.
func (st *stage) processDestroy() {
	if st.destroyed {
		return
	}
	st.destroyed = true

	for _, accountID := range st.actorOrder {
		actor, ok := st.actors[accountID]
		if !ok {
			continue
		}
		st.destroyActor(actor.handler)
		delete(st.actors, accountID)
		st.sd.unbindAccount(accountID, st)
	}
	st.actorOrder = nil

	if h, ok := st.handler.(StageHandlerOnDestroy); ok {
		h.OnDestroy()
	}

	st.cancelAllTimers()
	st.sd.core.cache.cancelOwner(st)
	st.sd.removeStage(st)
	st.loop.closeLoop()
}

// removeActor drops one actor, preserving the order of the rest. Used by
// LeaveStage.
func (st *stage) removeActor(accountID string) {
	actor, ok := st.actors[accountID]
	if !ok {
		return
	}

	st.destroyActor(actor.handler)
	delete(st.actors, accountID)
	for i, id := range st.actorOrder {
		if id == accountID {
			st.actorOrder = append(st.actorOrder[:i], st.actorOrder[i+1:]...)
			break
		}
	}
	st.sd.unbindAccount(accountID, st)
}

func (st *stage) destroyActor(actor ActorHandler) {
	if h, ok := actor.(ActorHandlerOnDestroy); ok {
		h.OnDestroy()
	}
}

// actorCount is safe only on the loop or after waitIdle; tests use it.
func (st *stage) actorCount() int {
	return len(st.actors)
}
