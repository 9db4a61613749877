package playhouse

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse/pkg/connector"
	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/wire"
)

type testServerHandler struct {
	onSessionOpen  func(se *Session)
	onSessionClose func(se *Session, err error)
	onError        func(se *Session, err error)
}

func (sh *testServerHandler) OnSessionOpen(se *Session) {
	if sh.onSessionOpen != nil {
		sh.onSessionOpen(se)
	}
}

func (sh *testServerHandler) OnSessionClose(se *Session, err error) {
	if sh.onSessionClose != nil {
		sh.onSessionClose(se, err)
	}
}

func (sh *testServerHandler) OnError(se *Session, err error) {
	if sh.onError != nil {
		sh.onError(se, err)
	}
}

func startTestServer(t *testing.T, transport TransportKind, sh *testStageHandler, h ServerHandler) *Server {
	t.Helper()

	s := &Server{
		ServerID:    "play-1",
		Nid:         "n1",
		ServiceID:   1,
		Address:     "127.0.0.1:0",
		Transport:   transport,
		MeshAddress: "127.0.0.1:0",
		Handler:     h,
	}
	s.RegisterStage("room",
		func(sender *StageSender) StageHandler { return sh },
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

func dialTestServer(t *testing.T, s *Server, ws bool) *connector.Connector {
	t.Helper()

	c := &connector.Connector{
		Address:           s.ClientAddr().String(),
		UseWebSocket:      ws,
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: -1,
	}
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)
	return c
}

func TestServerJoinAndRequestTCP(t *testing.T) {
	s := startTestServer(t, TransportTCP, &testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.Reply(append([]byte("echo:"), packet.Payload...))
			return nil
		},
	}, nil)

	c := dialTestServer(t, s, false)

	join, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, int64(1), join.StageID)
	require.True(t, join.Created)

	res, err := c.Request(1, "greet", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.Equal(t, []byte("echo:hi"), res.Payload)
}

func TestServerJoinAndRequestWebSocket(t *testing.T) {
	s := startTestServer(t, TransportWebSocket, &testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			actor.(*testActorHandler).sender.Reply(packet.Payload)
			return nil
		},
	}, nil)

	c := dialTestServer(t, s, true)

	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	res, err := c.Request(1, "greet", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.Equal(t, []byte("hi"), res.Payload)
}

func TestServerPushToClient(t *testing.T) {
	s := startTestServer(t, TransportTCP, &testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.SendToClient("note", []byte("welcome"))
			ah.sender.Reply(nil)
			return nil
		},
	}, nil)

	push := make(chan string, 1)
	c := &connector.Connector{
		Address:           s.ClientAddr().String(),
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: -1,
		OnPush: func(msgID string, stageID int64, payload []byte) {
			push <- msgID + ":" + string(payload)
		},
	}
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)

	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	_, err = c.Request(1, "poke", nil)
	require.NoError(t, err)

	select {
	case got := <-push:
		require.Equal(t, "note:welcome", got)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not arrive")
	}
}

func TestServerRequestBeforeJoin(t *testing.T) {
	s := startTestServer(t, TransportTCP, &testStageHandler{}, nil)
	c := dialTestServer(t, s, false)

	res, err := c.Request(1, "greet", nil)
	require.NoError(t, err)
	require.Equal(t, wire.CodeInvalidAccountID, res.ErrorCode)
}

func TestServerClientRequestTimeout(t *testing.T) {
	s := startTestServer(t, TransportTCP, &testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			// never replies
			return nil
		},
	}, nil)

	c := &connector.Connector{
		Address:           s.ClientAddr().String(),
		RequestTimeout:    200 * time.Millisecond,
		HeartbeatInterval: -1,
	}
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)

	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	res, err := c.Request(1, "slow", nil)
	require.NoError(t, err)
	require.Equal(t, wire.CodeRequestTimeout, res.ErrorCode)
}

func TestServerDisconnectReachesStage(t *testing.T) {
	lost := make(chan struct{}, 1)
	s := startTestServer(t, TransportTCP, &testStageHandler{
		onConnectionChanged: func(actor ActorHandler, connected bool) {
			if !connected {
				lost <- struct{}{}
			}
		},
	}, nil)

	c := dialTestServer(t, s, false)
	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	c.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("stage was not told about the disconnect")
	}

	// the actor survives the disconnect, pending a reconnect
	st := s.dispatcher.stageByID(1)
	require.NotNil(t, st)
	st.loop.waitIdle()
	require.Equal(t, 1, st.actorCount())
}

func TestServerSessionCallbacks(t *testing.T) {
	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)

	s := startTestServer(t, TransportTCP, &testStageHandler{}, &testServerHandler{
		onSessionOpen:  func(se *Session) { opened <- struct{}{} },
		onSessionClose: func(se *Session, err error) { closed <- struct{}{} },
	})

	c := dialTestServer(t, s, false)

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("session open not reported")
	}

	c.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session close not reported")
	}
}

func TestServerRejectsReservedMsgID(t *testing.T) {
	violated := make(chan error, 1)
	s := startTestServer(t, TransportTCP, &testStageHandler{}, &testServerHandler{
		onError: func(se *Session, err error) { violated <- err },
	})

	c := dialTestServer(t, s, false)
	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	// clients must not emit framework commands
	c.Send(1, "$DestroyStage", nil)

	select {
	case err := <-violated:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("protocol violation not reported")
	}
}

func TestServerRejectsOversizedFrame(t *testing.T) {
	violated := make(chan error, 1)
	closed := make(chan struct{}, 1)

	s := &Server{
		ServerID:    "play-1",
		Nid:         "n1",
		ServiceID:   1,
		Address:     "127.0.0.1:0",
		MeshAddress: "127.0.0.1:0",
		MaxBodySize: 128,
		Handler: &testServerHandler{
			onError:        func(se *Session, err error) { violated <- err },
			onSessionClose: func(se *Session, err error) { closed <- struct{}{} },
		},
	}
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)

	nconn, err := net.Dial("tcp", s.ClientAddr().String())
	require.NoError(t, err)
	defer nconn.Close()

	// a frame header claiming more than MaxBodySize
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 1024)
	_, err = nconn.Write(header[:])
	require.NoError(t, err)

	select {
	case err := <-violated:
		var perr liberrors.ErrProtocolViolation
		require.ErrorAs(t, err, &perr)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame not reported")
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after oversized frame")
	}
}

func TestServerTransportOptions(t *testing.T) {
	s := &Server{
		ServerID:          "play-1",
		Nid:               "n1",
		ServiceID:         1,
		Address:           "127.0.0.1:0",
		MeshAddress:       "127.0.0.1:0",
		ReceiveBufferSize: 4 * 1024,
		SendBufferSize:    4 * 1024,
		TCPKeepalive:      30 * time.Second,
	}
	s.RegisterStage("room",
		func(sender *StageSender) StageHandler {
			return &testStageHandler{
				onDispatch: func(actor ActorHandler, packet *Packet) error {
					actor.(*testActorHandler).sender.Reply(packet.Payload)
					return nil
				},
			}
		},
		func(sender *ActorSender) ActorHandler { return &testActorHandler{sender: sender} },
	)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)

	c := dialTestServer(t, s, false)

	_, err := c.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)

	// larger than the configured buffers, forcing multiple fills
	payload := bytes.Repeat([]byte{0xAB}, 16*1024)
	res, err := c.Request(1, "echo", payload)
	require.NoError(t, err)
	require.Equal(t, wire.CodeSuccess, res.ErrorCode)
	require.Equal(t, payload, res.Payload)
}

func TestServerReconnectIdentity(t *testing.T) {
	s := startTestServer(t, TransportTCP, &testStageHandler{
		onDispatch: func(actor ActorHandler, packet *Packet) error {
			ah := actor.(*testActorHandler)
			ah.sender.Reply([]byte(ah.sender.AccountID()))
			return nil
		},
	}, nil)

	c1 := dialTestServer(t, s, false)
	join, err := c1.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)
	require.True(t, join.Created)
	c1.Close()

	// a second connection joins as the same account
	c2 := dialTestServer(t, s, false)
	join, err = c2.JoinStage(1, "room", []byte("alice"))
	require.NoError(t, err)
	require.False(t, join.Created)

	res, err := c2.Request(1, "who", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), res.Payload)

	st := s.dispatcher.stageByID(1)
	st.loop.waitIdle()
	require.Equal(t, 1, st.actorCount())
}
