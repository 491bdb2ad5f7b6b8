package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// innerBodyOverhead is the 16 bytes of reserved padding every decrypted
// MESG/REDY plaintext begins with, per spec §6 ("plaintext begins with 16
// bytes of inner padding, then type-specific body").
const innerBodyOverhead = 16

// EncodeInnerBody builds a MESG inner body: size:u16_be | type:u8 |
// protobuf-encoded message, preceded by the 16 zero padding bytes that
// belong to the box plaintext itself. The returned slice is the full
// plaintext to seal, ready to hand to the crypto layer.
func EncodeInnerBody(typ MessageType, payload []byte) []byte {
	body := make([]byte, innerBodyOverhead+2+1+len(payload))
	binary.BigEndian.PutUint16(body[innerBodyOverhead:], uint16(1+len(payload)))
	body[innerBodyOverhead+2] = byte(typ)
	copy(body[innerBodyOverhead+3:], payload)
	return body
}

// DecodeInnerBody parses a decrypted MESG/REDY plaintext, skipping the
// leading padding and returning the message type and its raw payload.
func DecodeInnerBody(plaintext []byte) (MessageType, []byte, error) {
	if len(plaintext) < innerBodyOverhead+2+1 {
		return 0, nil, errors.New("inner body too short")
	}
	rest := plaintext[innerBodyOverhead:]
	size := binary.BigEndian.Uint16(rest[:2])
	if int(size) < 1 || int(size) > len(rest)-2 {
		return 0, nil, errors.New("inner body size out of range")
	}
	typ := MessageType(rest[2])
	payload := rest[3 : 2+int(size)]
	return typ, payload, nil
}

// DataPacket is the unencrypted forwarding envelope carried outside MESG
// during the "forwarding" handshake state (spec §6): size:u16_be |
// data[], where data[0] is the MessageType byte and data[1:] is the
// message's protobuf encoding.
type DataPacket struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes p as it appears on the wire.
func (p DataPacket) Encode() []byte {
	buf := make([]byte, 2+1+len(p.Payload))
	binary.BigEndian.PutUint16(buf, uint16(1+len(p.Payload)))
	buf[2] = byte(p.Type)
	copy(buf[3:], p.Payload)
	return buf
}

// DecodeDataPacket parses a complete DataPacket frame (not including any
// additional framing the transport itself might add).
func DecodeDataPacket(b []byte) (DataPacket, int, error) {
	if len(b) < 2 {
		return DataPacket{}, 0, errors.New("data packet too short for size prefix")
	}
	size := binary.BigEndian.Uint16(b)
	total := 2 + int(size)
	if size < 1 || total > len(b) {
		return DataPacket{}, 0, errors.New("data packet size out of range")
	}
	return DataPacket{
		Type:    MessageType(b[2]),
		Payload: append([]byte(nil), b[3:total]...),
	}, total, nil
}
