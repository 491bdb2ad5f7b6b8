// Package protocol implements the wire envelope and the handful of
// messages spec.md §1 says are in scope: the MESG inner-body envelope, the
// unencrypted forwarding envelope, and the ProtocolVersion/PeerReply/
// ForwardRemote/ForwardReply/ForwardError messages needed to drive the
// handshake and peer-forwarding state machine. The rest of the grid's
// protobuf schema is explicitly out of scope (spec.md §1) and is not
// modeled here.
//
// Field numbers below are this module's own choice, documented in
// SPEC_FULL.md §7 — no .proto schema or interop capture was available in
// the retrieval pack to pin them to a deployed grid's real numbering.
package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType is the single byte following the size prefix in a MESG
// inner body or a forwarding DataPacket, identifying which message
// follows.
type MessageType byte

const (
	MsgProtocolVersion MessageType = 0x01
	MsgPeerReply        MessageType = 0x03
	MsgForwardHold      MessageType = 0x0F
	MsgForwardRemote    MessageType = 0x10
	MsgForwardReply     MessageType = 0x11
	MsgForwardError     MessageType = 0x12
)

// ForwardErrorCode enumerates the FORWARD_ERROR codes the handshake engine
// understands (spec §4.3 state table).
type ForwardErrorCode uint32

const (
	ForwardErrorServer      ForwardErrorCode = 1
	ForwardErrorPeerTimeout ForwardErrorCode = 2
)

// ForwardSignature is the placeholder signature value spec §4.3 and §8
// scenario 3 require a FORWARD_REPLY to carry.
const ForwardSignature = "MDG-SIG-PLACEHOLDER"

// ProtocolVersion is MESG type 0x01, exchanged once per spec §4.3 to
// complete a grid-mode handshake.
type ProtocolVersion struct {
	Magic uint32
	Major uint32
	Minor uint32
}

func (m *ProtocolVersion) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Magic))
	b = appendVarintField(b, 2, uint64(m.Major))
	b = appendVarintField(b, 3, uint64(m.Minor))
	return b
}

func (m *ProtocolVersion) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case 1:
			m.Magic = uint32(scalar)
		case 2:
			m.Major = uint32(scalar)
		case 3:
			m.Minor = uint32(scalar)
		}
		return nil
	})
}

// PeerReply is MESG type 0x03, dispatched by uid to the Peer that
// originated the matching ForwardRemote request (spec §9's
// (grid_uid, peer_id) token model).
type PeerReply struct {
	ID       uint32
	TunnelID []byte
	OK       bool
}

func (m *PeerReply) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ID))
	b = appendBytesField(b, 2, m.TunnelID)
	b = appendVarintField(b, 3, boolToUint64(m.OK))
	return b
}

func (m *PeerReply) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case 1:
			m.ID = uint32(scalar)
		case 2:
			m.TunnelID = append([]byte(nil), v...)
		case 3:
			m.OK = scalar != 0
		}
		return nil
	})
}

// ForwardRemote is the unencrypted request that opens a peer tunnel
// (message type 0x10), sent immediately once the TCP connection to the
// grid is writable in peer mode (spec §4.3 "forwarding" state).
type ForwardRemote struct {
	TunnelID []byte
}

func (m *ForwardRemote) Marshal() []byte {
	return appendBytesField(nil, 1, m.TunnelID)
}

func (m *ForwardRemote) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		if num == 1 {
			m.TunnelID = append([]byte(nil), v...)
		}
		return nil
	})
}

// ForwardReply carries the grid's signature acknowledging a
// ForwardRemote; spec §4.3 requires its Signature to match
// ForwardSignature before the client proceeds to TELL.
type ForwardReply struct {
	Signature []byte
}

func (m *ForwardReply) Marshal() []byte {
	return appendBytesField(nil, 1, m.Signature)
}

func (m *ForwardReply) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		if num == 1 {
			m.Signature = append([]byte(nil), v...)
		}
		return nil
	})
}

// ForwardError carries the grid's reason for refusing a forward request.
type ForwardError struct {
	Code ForwardErrorCode
}

func (m *ForwardError) Marshal() []byte {
	return appendVarintField(nil, 1, uint64(m.Code))
}

func (m *ForwardError) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		if num == 1 {
			m.Code = ForwardErrorCode(scalar)
		}
		return nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func boolToUint64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// consumeFields walks a protobuf-encoded byte string field by field,
// invoking fn with the scalar (for varint fields) or raw bytes (for
// length-delimited fields). Unknown field numbers and wire types are
// skipped, matching the forward-compatibility policy spec §7 requires of
// MESG handling in the connected state.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "consume tag")
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "consume varint")
			}
			b = b[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "consume bytes")
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "skip unknown field")
			}
			b = b[n:]
		}
	}
	return nil
}
