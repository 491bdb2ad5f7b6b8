package osdg

import "encoding/binary"

// wireMagic is this module's own choice of packet magic (spec §6 notes the
// exact value "must be inherited from an interop capture"; absent one in
// the retrieval pack, "OS" for Open Secure Device Grid is used
// consistently on both sides of this module's own round trips).
const wireMagic uint16 = 0x4F53

// headerSize is the 2-byte magic plus the 4-byte command tag, per spec §3
// ("4 B header: 2-B magic + 4-char command tag"); the spec's own count is
// internally inconsistent (2+4=6, not 4), resolved here by trusting the
// field list over the arithmetic, matching spec §6's explicit byte layout
// ("magic:u16 | command:[4]u8").
const headerSize = 6

// lengthPrefixSize is the 2-byte big-endian frame length that precedes
// every header.
const lengthPrefixSize = 2

// Command is the 4-character ASCII tag identifying a packet's type.
type Command [4]byte

func (c Command) String() string { return string(c[:]) }

var (
	CmdTell = Command{'T', 'E', 'L', 'L'}
	CmdWelc = Command{'W', 'E', 'L', 'C'}
	CmdHelo = Command{'H', 'E', 'L', 'O'}
	CmdCook = Command{'C', 'O', 'O', 'K'}
	CmdVoch = Command{'V', 'O', 'C', 'H'}
	CmdRedy = Command{'R', 'E', 'D', 'Y'}
	CmdMesg = Command{'M', 'E', 'S', 'G'}
)

// Packet is the in-memory view of a decoded frame, as named in spec §3.
type Packet struct {
	Command Command
	Payload []byte
}

// EncodeFrame writes the length prefix, header, and payload into a fresh
// buffer, per spec §4.1's encode contract.
func EncodeFrame(cmd Command, payload []byte) []byte {
	declared := headerSize + len(payload)
	buf := make([]byte, lengthPrefixSize+declared)
	binary.BigEndian.PutUint16(buf[0:2], uint16(declared))
	binary.BigEndian.PutUint16(buf[2:4], wireMagic)
	copy(buf[4:8], cmd[:])
	copy(buf[8:], payload)
	return buf
}

// DecodeDeclaredLength reads the 2-byte length prefix. The returned value
// excludes the length prefix itself and includes the 6-byte header, per
// spec §6 ("payload[length-6]").
func DecodeDeclaredLength(prefix [lengthPrefixSize]byte) uint16 {
	return binary.BigEndian.Uint16(prefix[:])
}

// WouldExceedBuffer reports whether a frame with the given declared length
// would not fit in a receive buffer of bufferSize bytes. Spec §4.1: this
// check is fatal (ErrBufferExceeded) and must happen before any crypto
// work on the frame.
func WouldExceedBuffer(declaredLength uint16, bufferSize int) bool {
	return int(declaredLength)+lengthPrefixSize > bufferSize
}

// DecodeFrame parses a complete frame (header + payload, i.e. exactly
// declaredLength bytes, NOT including the 2-byte length prefix) into a
// Packet. The returned Payload aliases frame.
func DecodeFrame(frame []byte) (Packet, error) {
	if len(frame) < headerSize {
		return Packet{}, &Error{Kind: ErrProtocol}
	}
	magic := binary.BigEndian.Uint16(frame[0:2])
	if magic != wireMagic {
		return Packet{}, &Error{Kind: ErrProtocol}
	}
	var cmd Command
	copy(cmd[:], frame[2:6])
	return Packet{Command: cmd, Payload: frame[headerSize:]}, nil
}
