package protocol

import (
	"bytes"
	"testing"
)

func TestProtocolVersionRoundTrip(t *testing.T) {
	want := &ProtocolVersion{Magic: 0x4F534447, Major: 1, Minor: 0}
	got := &ProtocolVersion{}
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestPeerReplyRoundTrip(t *testing.T) {
	want := &PeerReply{ID: 7, TunnelID: bytes.Repeat([]byte{0xAA}, 16), OK: true}
	got := &PeerReply{}
	if err := got.Unmarshal(want.Marshal()); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ID != want.ID || !bytes.Equal(got.TunnelID, want.TunnelID) || got.OK != want.OK {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestForwardMessagesRoundTrip(t *testing.T) {
	remote := &ForwardRemote{TunnelID: []byte{1, 2, 3}}
	gotRemote := &ForwardRemote{}
	if err := gotRemote.Unmarshal(remote.Marshal()); err != nil {
		t.Fatalf("ForwardRemote.Unmarshal() error = %v", err)
	}
	if !bytes.Equal(gotRemote.TunnelID, remote.TunnelID) {
		t.Errorf("ForwardRemote round trip = %+v, want %+v", gotRemote, remote)
	}

	reply := &ForwardReply{Signature: []byte(ForwardSignature)}
	gotReply := &ForwardReply{}
	if err := gotReply.Unmarshal(reply.Marshal()); err != nil {
		t.Fatalf("ForwardReply.Unmarshal() error = %v", err)
	}
	if string(gotReply.Signature) != ForwardSignature {
		t.Errorf("ForwardReply.Signature = %q, want %q", gotReply.Signature, ForwardSignature)
	}

	ferr := &ForwardError{Code: ForwardErrorPeerTimeout}
	gotErr := &ForwardError{}
	if err := gotErr.Unmarshal(ferr.Marshal()); err != nil {
		t.Fatalf("ForwardError.Unmarshal() error = %v", err)
	}
	if gotErr.Code != ForwardErrorPeerTimeout {
		t.Errorf("ForwardError.Code = %v, want %v", gotErr.Code, ForwardErrorPeerTimeout)
	}
}

func TestInnerBodyRoundTrip(t *testing.T) {
	pv := &ProtocolVersion{Magic: 0x4F534447, Major: 1, Minor: 0}
	plaintext := EncodeInnerBody(MsgProtocolVersion, pv.Marshal())

	typ, payload, err := DecodeInnerBody(plaintext)
	if err != nil {
		t.Fatalf("DecodeInnerBody() error = %v", err)
	}
	if typ != MsgProtocolVersion {
		t.Errorf("type = %v, want %v", typ, MsgProtocolVersion)
	}
	got := &ProtocolVersion{}
	if err := got.Unmarshal(payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if *got != *pv {
		t.Errorf("payload round trip = %+v, want %+v", got, pv)
	}
}

func TestDataPacketRoundTrip(t *testing.T) {
	remote := &ForwardRemote{TunnelID: bytes.Repeat([]byte{0xAA}, 16)}
	dp := DataPacket{Type: MsgForwardRemote, Payload: remote.Marshal()}
	wire := dp.Encode()

	got, n, err := DecodeDataPacket(wire)
	if err != nil {
		t.Fatalf("DecodeDataPacket() error = %v", err)
	}
	if n != len(wire) {
		t.Errorf("consumed %d bytes, want %d", n, len(wire))
	}
	if got.Type != MsgForwardRemote {
		t.Errorf("Type = %v, want %v", got.Type, MsgForwardRemote)
	}
	gotRemote := &ForwardRemote{}
	if err := gotRemote.Unmarshal(got.Payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !bytes.Equal(gotRemote.TunnelID, remote.TunnelID) {
		t.Errorf("TunnelID = %x, want %x", gotRemote.TunnelID, remote.TunnelID)
	}
}

func TestDataPacketTruncated(t *testing.T) {
	if _, _, err := DecodeDataPacket([]byte{0, 5, 1}); err == nil {
		t.Error("DecodeDataPacket() on truncated input, want error")
	}
}
