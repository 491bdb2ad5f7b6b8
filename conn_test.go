package osdg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albert-salai/opensdg-wasm/protocol"
)

func TestNewConnectionRejectsUndersizedBuffer(t *testing.T) {
	var secret [KeySize]byte
	_, err := NewConnection(secret, 128, nil)
	require.Error(t, err)
}

func TestNewConnectionDerivesPublicKey(t *testing.T) {
	var secret [KeySize]byte
	require.NoError(t, CreatePrivateKey(&secret))

	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)

	want, err := CalcPublicKey(&secret)
	require.NoError(t, err)
	assert.Equal(t, *want, c.longTermPublic)
}

func TestFeedSplitsMultipleFramesFromOneChunk(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)

	f1 := EncodeFrame(CmdTell, nil)
	f2 := EncodeFrame(CmdWelc, []byte("hello"))
	chunk := append(append([]byte(nil), f1...), f2...)

	frame, rest, err := c.feed(chunk)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, f1[lengthPrefixSize:], frame)
	assert.Equal(t, f2, rest)

	frame, rest, err = c.feed(rest)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, f2[lengthPrefixSize:], frame)
	assert.Empty(t, rest)
}

func TestFeedAcrossPartialReads(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)

	full := EncodeFrame(CmdHelo, []byte("partial-body"))
	for i := 0; i < len(full)-1; i++ {
		frame, rest, err := c.feed(full[i : i+1])
		require.NoError(t, err)
		assert.Nil(t, frame)
		assert.Empty(t, rest)
	}
	frame, rest, err := c.feed(full[len(full)-1:])
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Empty(t, rest)
	assert.Equal(t, full[lengthPrefixSize:], frame)
}

func TestFeedBufferExceeded(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, 256, nil)
	require.NoError(t, err)

	var prefix [lengthPrefixSize]byte
	prefix[0] = 0xFF
	prefix[1] = 0xFF

	_, _, err = c.feed(prefix[:])
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrBufferExceeded, oerr.Kind)
}

func TestSetStatusFiresCallbackOnceOnTerminalStatus(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)

	var fired []Status
	c.OnStatusChange(func(s Status) { fired = append(fired, s) })

	c.setStatus(StatusConnecting)
	c.setStatus(StatusHandshaking)
	c.setStatus(StatusConnected)
	c.setStatus(StatusConnected) // idempotent: already fired once

	require.Len(t, fired, 1)
	assert.Equal(t, StatusConnected, fired[0])
}

func TestSetResultTransitionsToFailed(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)

	c.setResult(ErrDecryption, 0)
	assert.Equal(t, StatusFailed, c.Status())
	assert.Equal(t, ErrDecryption, c.ErrorKind())
}

func TestDispatchPeerReplyRoutesToOwner(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)
	c.mode = ModeGrid

	var got *protocol.PeerReply
	peer, err := c.OpenPeer(func(r *protocol.PeerReply) { got = r })
	require.NoError(t, err)

	reply := &protocol.PeerReply{ID: peer.ID, OK: true}
	c.dispatchPeerReply(reply)

	require.NotNil(t, got)
	assert.Equal(t, peer.ID, got.ID)
	assert.True(t, got.OK)
	_, stillPresent := c.peers[peer.ID]
	assert.False(t, stillPresent)
}

func TestOpenPeerRejectsPeerModeConnection(t *testing.T) {
	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)
	c.mode = ModePeer

	_, err = c.OpenPeer(nil)
	require.Error(t, err)
}
