package playhouse

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse/pkg/wire"
)

type testStageHandler struct {
	onCreate            func(payload []byte) error
	onPostCreate        func()
	onDestroy           func()
	onJoinStage         func(actor ActorHandler) bool
	onPostJoinStage     func(actor ActorHandler)
	onConnectionChanged func(actor ActorHandler, connected bool)
	onDispatch          func(actor ActorHandler, packet *Packet) error
}

func (sh *testStageHandler) OnCreate(payload []byte) error {
	if sh.onCreate != nil {
		return sh.onCreate(payload)
	}
	return nil
}

func (sh *testStageHandler) OnPostCreate() {
	if sh.onPostCreate != nil {
		sh.onPostCreate()
	}
}

func (sh *testStageHandler) OnDestroy() {
	if sh.onDestroy != nil {
		sh.onDestroy()
	}
}

func (sh *testStageHandler) OnJoinStage(actor ActorHandler) bool {
	if sh.onJoinStage != nil {
		return sh.onJoinStage(actor)
	}
	return true
}

func (sh *testStageHandler) OnPostJoinStage(actor ActorHandler) {
	if sh.onPostJoinStage != nil {
		sh.onPostJoinStage(actor)
	}
}

func (sh *testStageHandler) OnConnectionChanged(actor ActorHandler, connected bool) {
	if sh.onConnectionChanged != nil {
		sh.onConnectionChanged(actor, connected)
	}
}

func (sh *testStageHandler) OnDispatch(actor ActorHandler, packet *Packet) error {
	if sh.onDispatch != nil {
		return sh.onDispatch(actor, packet)
	}
	return nil
}

type testActorHandler struct {
	sender    *ActorSender
	onAuth    func(payload []byte) bool
	onDestroy func()
}

func (ah *testActorHandler) OnAuthenticate(authPayload []byte) bool {
	if ah.onAuth != nil {
		return ah.onAuth(authPayload)
	}
	ah.sender.Authenticate(string(authPayload))
	return true
}

func (ah *testActorHandler) OnDestroy() {
	if ah.onDestroy != nil {
		ah.onDestroy()
	}
}

type testNode struct {
	core    *nodeCore
	sd      *stageDispatcher
	replies chan *wire.Response
}

func newTestNode(t *testing.T) *testNode {
	tn := &testNode{replies: make(chan *wire.Response, 16)}

	tn.core = &nodeCore{
		serverID:       "play-1",
		nid:            "n1",
		serviceID:      1,
		logger:         zerolog.Nop(),
		requestTimeout: time.Second,
		maxBodySize:    wire.DefaultMaxBodySize,
		replyToSession: func(sid int64, res *wire.Response) error {
			tn.replies <- res
			return nil
		},
	}
	tn.core.initialize()

	tn.sd = &stageDispatcher{core: tn.core, logger: zerolog.Nop()}
	tn.sd.initialize()
	tn.core.handleLocal = tn.sd.dispatch

	t.Cleanup(func() {
		tn.sd.destroyAll()
		tn.core.close()
	})
	return tn
}

func (tn *testNode) registerRoom(sh *testStageHandler) {
	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler { return sh },
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)
}

func (tn *testNode) nextReply(t *testing.T) *wire.Response {
	t.Helper()
	select {
	case res := <-tn.replies:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func systemPkt(msgID string, seq uint16, stageID int64, payload []byte) *wire.RoutePacket {
	return &wire.RoutePacket{
		Flags:     wire.RouteFlagSystem,
		MsgID:     msgID,
		MsgSeq:    seq,
		StageID:   stageID,
		From:      "n1",
		ServiceID: 1,
		Sid:       1,
		Payload:   payload,
	}
}

func joinPkt(seq uint16, stageID int64, account string) *wire.RoutePacket {
	payload, _ := wire.JoinStageReq{
		StageType:   "room",
		AuthPayload: []byte(account),
	}.Marshal()
	return systemPkt(wire.MsgIDJoinStage, seq, stageID, payload)
}

func createPkt(msgID string, seq uint16, stageID int64, createPayload []byte) *wire.RoutePacket {
	payload, _ := wire.CreateStageReq{
		StageType:     "room",
		CreatePayload: createPayload,
	}.Marshal()
	return systemPkt(msgID, seq, stageID, payload)
}

func TestCreateStage(t *testing.T) {
	tn := newTestNode(t)

	var gotPayload []byte
	tn.registerRoom(&testStageHandler{
		onCreate: func(payload []byte) error {
			gotPayload = append([]byte(nil), payload...)
			return nil
		},
	})

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 10, []byte("conf")))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)

	var out wire.CreateStageRes
	require.NoError(t, out.Unmarshal(res.Payload))
	require.Equal(t, int64(10), out.StageID)
	require.True(t, out.Created)
	require.Equal(t, []byte("conf"), gotPayload)

	// same id again
	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 2, 10, nil))
	res = tn.nextReply(t)
	require.Equal(t, wire.CodeAlreadyExists, res.ErrorCode)

	// get-or-create reports the existing stage
	tn.sd.dispatch(createPkt(wire.MsgIDGetOrCreateStage, 3, 10, nil))
	res = tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.NoError(t, out.Unmarshal(res.Payload))
	require.False(t, out.Created)
}

func TestCreateStageUnknownType(t *testing.T) {
	tn := newTestNode(t)

	payload, _ := wire.CreateStageReq{StageType: "lobby"}.Marshal()
	tn.sd.dispatch(systemPkt(wire.MsgIDCreateStage, 1, 10, payload))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeInvalidStageType, res.ErrorCode)
	require.Zero(t, tn.sd.stageCount())
}

func TestCreateStageRejectedByContent(t *testing.T) {
	tn := newTestNode(t)
	tn.registerRoom(&testStageHandler{
		onCreate: func([]byte) error { return errTest{} },
	})

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 10, nil))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeInternalError, res.ErrorCode)
	require.Zero(t, tn.sd.stageCount())
}

func TestJoinCreatesMissingStage(t *testing.T) {
	tn := newTestNode(t)

	created := make(chan struct{})
	tn.registerRoom(&testStageHandler{
		onPostCreate: func() { close(created) },
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)

	var join wire.JoinStageRes
	require.NoError(t, join.Unmarshal(res.Payload))
	require.Equal(t, int64(20), join.StageID)
	require.True(t, join.Created)

	select {
	case <-created:
	default:
		t.Fatal("stage OnCreate did not run before the join reply")
	}

	st := tn.sd.stageByID(20)
	require.NotNil(t, st)
	st.loop.waitIdle()
	require.Equal(t, 1, st.actorCount())
}

func TestJoinAuthenticationFailed(t *testing.T) {
	tn := newTestNode(t)

	destroyed := false
	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler { return &testStageHandler{} },
		func(sender *ActorSender) ActorHandler {
			return &testActorHandler{
				sender:    sender,
				onAuth:    func([]byte) bool { return false },
				onDestroy: func() { destroyed = true },
			}
		},
	)

	tn.sd.dispatch(joinPkt(1, 20, "alice"))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeAuthenticationFailed, res.ErrorCode)

	st := tn.sd.stageByID(20)
	st.loop.waitIdle()
	require.True(t, destroyed)
	require.Zero(t, st.actorCount())
}

func TestJoinWithoutAccountID(t *testing.T) {
	tn := newTestNode(t)

	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler { return &testStageHandler{} },
		func(sender *ActorSender) ActorHandler {
			// authenticates without fixing an account id
			return &testActorHandler{sender: sender, onAuth: func([]byte) bool { return true }}
		},
	)

	tn.sd.dispatch(joinPkt(1, 20, "alice"))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeInvalidAccountID, res.ErrorCode)
}

func TestJoinRejectedByStage(t *testing.T) {
	tn := newTestNode(t)
	tn.registerRoom(&testStageHandler{
		onJoinStage: func(ActorHandler) bool { return false },
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeJoinStageRejected, res.ErrorCode)

	st := tn.sd.stageByID(20)
	st.loop.waitIdle()
	require.Zero(t, st.actorCount())
}

func TestRejoinKeepsActorIdentity(t *testing.T) {
	tn := newTestNode(t)

	var reconnected ActorHandler
	tn.registerRoom(&testStageHandler{
		onConnectionChanged: func(actor ActorHandler, connected bool) {
			if connected {
				reconnected = actor
			}
		},
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	require.Equal(t, wire.CodeSuccess, tn.nextReply(t).ErrorCode)

	st := tn.sd.stageByID(20)
	st.loop.waitIdle()
	first := st.actors["alice"].handler

	// same account joins again, e.g. after a client reconnect
	tn.sd.dispatch(joinPkt(2, 20, "alice"))
	res := tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)

	var join wire.JoinStageRes
	require.NoError(t, join.Unmarshal(res.Payload))
	require.False(t, join.Created)

	st.loop.waitIdle()
	require.Equal(t, 1, st.actorCount())
	require.Same(t, first, st.actors["alice"].handler)
	require.Same(t, first, reconnected)
}

func TestDisconnectNoticeKeepsActor(t *testing.T) {
	tn := newTestNode(t)

	lost := make(chan ActorHandler, 1)
	tn.registerRoom(&testStageHandler{
		onConnectionChanged: func(actor ActorHandler, connected bool) {
			if !connected {
				lost <- actor
			}
		},
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)

	pkt := systemPkt(wire.MsgIDDisconnectNotice, 0, 20, nil)
	pkt.AccountID = "alice"
	tn.sd.dispatch(pkt)

	st := tn.sd.stageByID(20)
	st.loop.waitIdle()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	require.Equal(t, 1, st.actorCount())
}

func TestDestroyStageOrder(t *testing.T) {
	tn := newTestNode(t)

	var order []string
	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler {
			return &testStageHandler{
				onDestroy: func() { order = append(order, "stage") },
			}
		},
		func(sender *ActorSender) ActorHandler {
			ah := &testActorHandler{sender: sender}
			ah.onDestroy = func() { order = append(order, ah.sender.AccountID()) }
			return ah
		},
	)

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)
	tn.sd.dispatch(joinPkt(2, 20, "bob"))
	tn.nextReply(t)

	tn.sd.dispatch(systemPkt(wire.MsgIDDestroyStage, 3, 20, nil))
	res := tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)

	require.Equal(t, []string{"alice", "bob", "stage"}, order)
	require.Zero(t, tn.sd.stageCount())

	// destroying again still succeeds
	tn.sd.dispatch(systemPkt(wire.MsgIDDestroyStage, 4, 20, nil))
	require.Equal(t, wire.CodeSuccess, tn.nextReply(t).ErrorCode)
}

func TestClientRouteDispatch(t *testing.T) {
	tn := newTestNode(t)

	tn.registerRoom(&testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.Reply([]byte("hello " + ah.sender.AccountID()))
			return nil
		},
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)

	pkt := &wire.RoutePacket{
		MsgID:     "greet",
		MsgSeq:    2,
		StageID:   20,
		From:      "n1",
		ServiceID: 1,
		Sid:       1,
		AccountID: "alice",
		Payload:   []byte("x"),
	}
	tn.sd.dispatch(pkt)

	res := tn.nextReply(t)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.Equal(t, "greet", res.MsgID)
	require.Equal(t, []byte("hello alice"), res.Payload)
}

func TestClientRouteUnknownAccount(t *testing.T) {
	tn := newTestNode(t)
	tn.registerRoom(&testStageHandler{})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)

	pkt := &wire.RoutePacket{
		MsgID:     "greet",
		MsgSeq:    2,
		StageID:   20,
		From:      "n1",
		Sid:       1,
		AccountID: "mallory",
	}
	tn.sd.dispatch(pkt)

	require.Equal(t, wire.CodeInvalidAccountID, tn.nextReply(t).ErrorCode)
}

func TestRequestForUnknownStage(t *testing.T) {
	tn := newTestNode(t)

	tn.sd.dispatch(&wire.RoutePacket{
		MsgID:  "greet",
		MsgSeq: 1,
		From:   "n1",
		Sid:    1,
	})

	require.Equal(t, wire.CodeStageNotFound, tn.nextReply(t).ErrorCode)
}

func TestLeaveStage(t *testing.T) {
	tn := newTestNode(t)

	tn.registerRoom(&testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.LeaveStage()
			ah.sender.Reply(nil)
			return nil
		},
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)

	tn.sd.dispatch(&wire.RoutePacket{
		MsgID: "leave", MsgSeq: 2, StageID: 20,
		From: "n1", Sid: 1, AccountID: "alice",
	})
	require.Equal(t, wire.CodeSuccess, tn.nextReply(t).ErrorCode)

	st := tn.sd.stageByID(20)
	st.loop.waitIdle()
	require.Zero(t, st.actorCount())
}

func TestStageTimer(t *testing.T) {
	tn := newTestNode(t)

	ticks := make(chan struct{}, 8)
	var captured *StageSender
	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler {
			captured = sender
			return &testStageHandler{
				onPostCreate: func() {
					sender.AddRepeatTimer(10*time.Millisecond, 10*time.Millisecond, func() {
						ticks <- struct{}{}
					})
				},
			}
		},
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 20, nil))
	tn.nextReply(t)

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	}
	require.NotNil(t, captured)
}

func TestRequestBetweenLocalStages(t *testing.T) {
	tn := newTestNode(t)

	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler {
			return &testStageHandler{
				onDispatch: func(actor ActorHandler, packet *Packet) error {
					switch packet.MsgID {
					case "relay":
						reply, code := sender.RequestToStage("n1", 21, "ping", packet.Payload)
						if code != wire.CodeSuccess {
							sender.ReplyError(code)
							return nil
						}
						sender.Reply(reply.Payload)
					case "ping":
						sender.Reply(append([]byte("pong:"), packet.Payload...))
					}
					return nil
				},
			}
		},
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 21, nil))
	tn.nextReply(t)
	tn.sd.dispatch(joinPkt(2, 20, "alice"))
	tn.nextReply(t)

	// stage 20 requests stage 21 on the same node while handling "relay"
	tn.sd.dispatch(&wire.RoutePacket{
		MsgID: "relay", MsgSeq: 3, StageID: 20,
		From: "n1", Sid: 1, AccountID: "alice",
		Payload: []byte("x"),
	})

	res := tn.nextReply(t)
	require.Equal(t, "relay", res.MsgID)
	require.Equal(t, uint16(3), res.MsgSeq)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.Equal(t, []byte("pong:x"), res.Payload)
}

func TestCancelTimer(t *testing.T) {
	tn := newTestNode(t)

	ticks := make(chan struct{}, 16)
	var sender *StageSender
	var id TimerID
	tn.sd.registerStageType("room",
		func(s *StageSender) StageHandler {
			sender = s
			return &testStageHandler{
				onPostCreate: func() {
					id = s.AddRepeatTimer(10*time.Millisecond, 10*time.Millisecond, func() {
						ticks <- struct{}{}
					})
				},
			}
		},
		func(s *ActorSender) ActorHandler { return &testActorHandler{sender: s} },
	)

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 20, nil))
	tn.nextReply(t)

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	sender.CancelTimer(id)

	// a tick already queued on the loop may still fire; drain, then
	// expect silence
	time.Sleep(50 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Fatal("cancelled timer kept ticking")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDestroyStageStopsTimers(t *testing.T) {
	tn := newTestNode(t)

	ticks := make(chan struct{}, 16)
	tn.sd.registerStageType("room",
		func(sender *StageSender) StageHandler {
			return &testStageHandler{
				onPostCreate: func() {
					sender.AddRepeatTimer(10*time.Millisecond, 10*time.Millisecond, func() {
						ticks <- struct{}{}
					})
				},
			}
		},
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)

	tn.sd.dispatch(createPkt(wire.MsgIDCreateStage, 1, 20, nil))
	tn.nextReply(t)

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	tn.sd.dispatch(systemPkt(wire.MsgIDDestroyStage, 2, 20, nil))
	require.Equal(t, wire.CodeSuccess, tn.nextReply(t).ErrorCode)

	time.Sleep(50 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	select {
	case <-ticks:
		t.Fatal("timer of a destroyed stage kept ticking")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAsyncBlock(t *testing.T) {
	tn := newTestNode(t)

	done := make(chan error, 1)
	tn.registerRoom(&testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.AsyncBlock(
				func() (interface{}, error) { return "result", nil },
				func(result interface{}, err error) {
					if err == nil && result == "result" {
						done <- nil
					} else {
						done <- errTest{}
					}
				},
			)
			return nil
		},
	})

	tn.sd.dispatch(joinPkt(1, 20, "alice"))
	tn.nextReply(t)

	tn.sd.dispatch(&wire.RoutePacket{
		MsgID: "work", StageID: 20,
		From: "n1", Sid: 1, AccountID: "alice",
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async block did not complete")
	}
}

type errTest struct{}

func (errTest) Error() string { return "test error" }
