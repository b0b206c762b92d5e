package protocol

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/datamodel/peer"
)

var p5 = peer.Address{ID: "P5", Host: "localhost", Port: 6005}

func TestEncodeDecodeEveryKind(t *testing.T) {
	msgs := []Message{
		NewPeer{Sender: "P5", PeerInfo: p5},
		Gossip{Sender: "P2", PeerInfo: p5},
		RequestPeerList{Sender: "P5"},
		PeerList{Sender: "P2", Peers: []string{"P1", "P3", "P5"}},
		Text{Sender: "P1", Message: "Hello from P1 at 10:00:00"},
		Hello{Sender: "P1", Message: "Hello P2, I have now connected to you!"},
	}

	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestWireFieldNames(t *testing.T) {
	b, err := Encode(Gossip{Sender: "P2", PeerInfo: p5})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, cbor.Unmarshal(b, &raw))

	assert.Equal(t, "GOSSIP", raw["type"])
	assert.Equal(t, "P2", raw["sender"])
	assert.Equal(t, "P5", raw["new_peer"])

	info, ok := raw["peer_info"].(map[any]any)
	require.True(t, ok, "peer_info must be a nested map, got %T", raw["peer_info"])
	assert.Equal(t, "P5", info["id"])
	assert.Equal(t, "localhost", info["ip"])
	assert.EqualValues(t, 6005, info["port"])
}

func TestEmptyPeerList(t *testing.T) {
	b, err := Encode(PeerList{Sender: "P1"})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	pl, ok := got.(PeerList)
	require.True(t, ok)
	assert.Empty(t, pl.Peers)
}

func encodeRaw(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0xff, 0x00, 0x13, 0x37}},
		{name: "json text", data: []byte(`{"type":"MESSAGE","sender":"P1"}`)},
		{name: "not a map", data: encodeRaw(t, []string{"MESSAGE", "P1"})},
		{name: "missing type", data: encodeRaw(t, map[string]any{"sender": "P1"})},
		{name: "missing sender", data: encodeRaw(t, map[string]any{"type": "MESSAGE"})},
		{name: "new peer without info", data: encodeRaw(t, map[string]any{"type": "NEW_PEER", "sender": "P5"})},
		{name: "new peer with bad port", data: encodeRaw(t, map[string]any{
			"type": "NEW_PEER", "sender": "P5",
			"peer_info": map[string]any{"id": "P5", "ip": "localhost", "port": 0},
		})},
		{name: "gossip id mismatch", data: encodeRaw(t, map[string]any{
			"type": "GOSSIP", "sender": "P2", "new_peer": "P6",
			"peer_info": map[string]any{"id": "P5", "ip": "localhost", "port": 6005},
		})},
		{name: "peer list with empty id", data: encodeRaw(t, map[string]any{
			"type": "PEER_LIST", "sender": "P2", "peer_list": []string{"P1", ""},
		})},
		{name: "trailing bytes", data: append(encodeRaw(t, map[string]any{"type": "MESSAGE", "sender": "P1"}), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.data)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(encodeRaw(t, map[string]any{"type": "PING", "sender": "P1"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	m, err := Decode(encodeRaw(t, map[string]any{"type": "MESSAGE", "sender": "P1", "message": "hi", "ttl": 3}))
	require.NoError(t, err)
	assert.Equal(t, Text{Sender: "P1", Message: "hi"}, m)
}
