// Package connector implements the client side of the PlayHouse framed
// protocol, over TCP or WebSocket.
package connector

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/wire"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// Connector is a client connection to a Play node.
//
// Fill the exported fields, then call Connect.
type Connector struct {
	// host:port of the server.
	Address string

	// use WebSocket instead of plain TCP.
	UseWebSocket bool

	// enables TLS when set.
	TLSConfig *tls.Config

	// per-request timeout; defaults to 30 seconds.
	RequestTimeout time.Duration

	// "$hb" cadence; defaults to 10 seconds. Negative disables it.
	HeartbeatInterval time.Duration

	// maximum accepted body size; defaults to 2 MiB.
	MaxBodySize int

	// called for every push the server sends outside a request.
	OnPush func(msgID string, stageID int64, payload []byte)

	// called once when the connection terminates.
	OnClose func(err error)

	// structured logger; defaults to a disabled logger.
	Logger *zerolog.Logger

	//
	// private
	//
	tr transport

	mutex   sync.Mutex
	seq     uint16
	pending map[uint16]chan *wire.Response

	closeOnce sync.Once
	chClose   chan struct{}
	closed    int32

	readerDone chan struct{}
	hbDone     chan struct{}
}

// Connect dials the server and starts the read and heartbeat loops.
func (c *Connector) Connect() error {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = wire.DefaultMaxBodySize
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}

	var err error
	if c.UseWebSocket {
		c.tr, err = dialWS(c.Address, c.TLSConfig, c.MaxBodySize)
	} else {
		c.tr, err = dialTCP(c.Address, c.TLSConfig, c.MaxBodySize)
	}
	if err != nil {
		return err
	}

	c.pending = make(map[uint16]chan *wire.Response)
	c.chClose = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.hbDone = make(chan struct{})

	go c.runReader()
	go c.runHeartbeat()

	return nil
}

// Close terminates the connection.
func (c *Connector) Close() {
	c.closeWithError(liberrors.ErrTerminated{})
}

// JoinStage authenticates this connection against a stage, creating the
// stage when it does not exist yet.
func (c *Connector) JoinStage(stageID int64, stageType string, authPayload []byte) (*wire.JoinStageRes, error) {
	payload, err := wire.JoinStageReq{
		StageType:   stageType,
		AuthPayload: authPayload,
	}.Marshal()
	if err != nil {
		return nil, err
	}

	res, err := c.Request(stageID, wire.MsgIDJoinStage, payload)
	if err != nil {
		return nil, err
	}
	if res.ErrorCode != wire.CodeSuccess {
		return nil, fmt.Errorf("join rejected: %v", res.ErrorCode)
	}

	var join wire.JoinStageRes
	err = join.Unmarshal(res.Payload)
	if err != nil {
		return nil, err
	}
	return &join, nil
}

// Send delivers a fire-and-forget message to a stage.
func (c *Connector) Send(stageID int64, msgID string, payload []byte) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return liberrors.ErrSessionClosed{}
	}

	body, err := wire.Request{
		MsgID:   msgID,
		StageID: stageID,
		Payload: payload,
	}.Marshal()
	if err != nil {
		return err
	}
	return c.writeFrame(body)
}

// Request sends a request to a stage and waits for the response. A
// timeout yields a response carrying CodeRequestTimeout; the late reply,
// if it ever arrives, is dropped.
func (c *Connector) Request(stageID int64, msgID string, payload []byte) (*wire.Response, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, liberrors.ErrSessionClosed{}
	}

	ch := make(chan *wire.Response, 1)
	seq := c.register(ch)

	body, err := wire.Request{
		MsgID:   msgID,
		MsgSeq:  seq,
		StageID: stageID,
		Payload: payload,
	}.Marshal()
	if err != nil {
		c.unregister(seq)
		return nil, err
	}

	err = c.writeFrame(body)
	if err != nil {
		c.unregister(seq)
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil

	case <-time.After(c.RequestTimeout):
		c.unregister(seq)
		return &wire.Response{
			MsgID:     msgID,
			MsgSeq:    seq,
			StageID:   stageID,
			ErrorCode: wire.CodeRequestTimeout,
		}, nil

	case <-c.chClose:
		return nil, liberrors.ErrSessionClosed{}
	}
}

func (c *Connector) register(ch chan *wire.Response) uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		c.seq++
		if c.seq == 0 {
			c.seq = 1
		}
		if _, used := c.pending[c.seq]; !used {
			break
		}
	}
	c.pending[c.seq] = ch
	return c.seq
}

func (c *Connector) unregister(seq uint16) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.pending, seq)
}

// take claims the channel of a sequence; late replies find nothing.
func (c *Connector) take(seq uint16) chan *wire.Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ch, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return ch
}

func (c *Connector) writeFrame(body []byte) error {
	err := c.tr.WriteFrame(body)
	if err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

func (c *Connector) runReader() {
	defer close(c.readerDone)

	for {
		body, err := c.tr.ReadFrame()
		if err != nil {
			c.closeWithError(err)
			return
		}

		var res wire.Response
		err = res.Unmarshal(body)
		if err != nil {
			c.closeWithError(err)
			return
		}

		if res.MsgSeq != 0 {
			ch := c.take(res.MsgSeq)
			if ch != nil {
				ch <- &res
			} else {
				c.Logger.Debug().Uint16("seq", res.MsgSeq).Str("msg", res.MsgID).
					Msg("late reply dropped")
			}
			continue
		}

		if res.MsgID == wire.MsgIDHeartbeat {
			continue
		}
		if c.OnPush != nil {
			c.OnPush(res.MsgID, res.StageID, res.Payload)
		}
	}
}

func (c *Connector) runHeartbeat() {
	defer close(c.hbDone)

	if c.HeartbeatInterval < 0 {
		return
	}

	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			body, _ := wire.Request{MsgID: wire.MsgIDHeartbeat}.Marshal()
			err := c.writeFrame(body)
			if err != nil {
				return
			}

		case <-c.chClose:
			return
		}
	}
}

func (c *Connector) closeWithError(err error) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.chClose)
		c.tr.Close()

		go func() {
			<-c.readerDone
			<-c.hbDone
			if c.OnClose != nil {
				c.OnClose(err)
			}
		}()
	})
}
