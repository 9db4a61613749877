package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var casesRequest = []struct {
	name string
	enc  []byte
	dec  Request
}{
	{
		name: "push",
		enc: []byte{
			0x04, 'E', 'c', 'h', 'o',
			0x00, 0x00,
			0xe9, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x01, 0x02, 0x03,
		},
		dec: Request{
			MsgID:   "Echo",
			MsgSeq:  0,
			StageID: 1001,
			Payload: []byte{0x01, 0x02, 0x03},
		},
	},
	{
		name: "request",
		enc: []byte{
			0x01, 'a',
			0x07, 0x00,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		},
		dec: Request{
			MsgID:   "a",
			MsgSeq:  7,
			StageID: -1,
			Payload: []byte{},
		},
	},
}

func TestRequestUnmarshal(t *testing.T) {
	for _, ca := range casesRequest {
		t.Run(ca.name, func(t *testing.T) {
			var req Request
			err := req.Unmarshal(ca.enc)
			require.NoError(t, err)
			require.Equal(t, ca.dec, req)
		})
	}
}

func TestRequestMarshal(t *testing.T) {
	for _, ca := range casesRequest {
		t.Run(ca.name, func(t *testing.T) {
			buf, err := ca.dec.Marshal()
			require.NoError(t, err)
			require.Equal(t, ca.enc, buf)
		})
	}
}

func TestRequestRoundTripMsgIDBounds(t *testing.T) {
	for _, id := range []string{"x", strings.Repeat("m", 255)} {
		enc, err := Request{MsgID: id, MsgSeq: 1, StageID: 5}.Marshal()
		require.NoError(t, err)

		var req Request
		err = req.Unmarshal(enc)
		require.NoError(t, err)
		require.Equal(t, id, req.MsgID)
	}
}

func TestRequestMarshalErrors(t *testing.T) {
	_, err := Request{MsgID: ""}.Marshal()
	require.Error(t, err)

	_, err = Request{MsgID: strings.Repeat("m", 256)}.Marshal()
	require.Error(t, err)
}

func TestRequestUnmarshalErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		byts []byte
	}{
		{
			"empty",
			[]byte{},
		},
		{
			"zero msg_id_len",
			[]byte{0x00, 0x01, 0x02},
		},
		{
			"truncated fields",
			[]byte{0x04, 'E', 'c', 'h', 'o', 0x00},
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			var req Request
			err := req.Unmarshal(ca.byts)
			require.Error(t, err)
		})
	}
}
