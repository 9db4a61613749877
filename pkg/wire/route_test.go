package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoutePacketRoundTrip(t *testing.T) {
	for _, ca := range []struct {
		name string
		pkt  RoutePacket
	}{
		{
			name: "request to stage",
			pkt: RoutePacket{
				MsgID:     "Move",
				MsgSeq:    9,
				StageID:   1001,
				From:      "play-1",
				ServiceID: 5,
				AccountID: "u1",
				Sid:       33,
				Payload:   []byte{0x01, 0x02},
			},
		},
		{
			name: "reply",
			pkt: RoutePacket{
				Flags:     RouteFlagReply,
				MsgID:     "Move",
				MsgSeq:    9,
				ErrorCode: CodeStageNotFound,
				From:      "api-2",
				Payload:   []byte{},
			},
		},
		{
			name: "system push",
			pkt: RoutePacket{
				Flags:   RouteFlagSystem,
				MsgID:   MsgIDDisconnectNotice,
				From:    "play-1",
				Payload: []byte{},
			},
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			enc, err := ca.pkt.Marshal()
			require.NoError(t, err)

			var dec RoutePacket
			err = dec.Unmarshal(enc)
			require.NoError(t, err)
			require.Equal(t, ca.pkt, dec)
		})
	}
}

func TestRoutePacketFlags(t *testing.T) {
	pkt := RoutePacket{Flags: RouteFlagReply | RouteFlagSystem}
	require.True(t, pkt.IsReply())
	require.True(t, pkt.IsSystem())
	require.False(t, pkt.IsToClient())
}

func TestRoutePacketUnmarshalErrors(t *testing.T) {
	var pkt RoutePacket

	err := pkt.Unmarshal([]byte{0x00})
	require.Error(t, err)

	err = pkt.Unmarshal([]byte{0x00, 0x00, 0x01})
	require.Error(t, err)

	// truncated route header
	enc, err2 := RoutePacket{MsgID: "a", From: "play-1"}.Marshal()
	require.NoError(t, err2)
	err = pkt.Unmarshal(enc[:len(enc)-9])
	require.Error(t, err)
}
