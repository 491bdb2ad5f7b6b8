package osdg

import "encoding/binary"

// Nonce prefixes, cross-checked against other_examples/jeremywohl-curvecp__const.go
// and other_examples/hlandau-degoutils__curvecp.go, and named explicitly in
// spec §4.2.
var (
	noncePrefixHello      = []byte("CurveCP-client-H") // HELO, client -> server
	noncePrefixVoch       = []byte("CurveCP-client-I") // VOCH outer box, client -> server
	noncePrefixClientMesg = []byte("CurveCP-client-M") // MESG, client -> server
	noncePrefixRedy       = []byte("CurveCP-server-R") // REDY, server -> client
	noncePrefixServerMesg = []byte("CurveCP-server-M") // MESG, server -> client
	noncePrefixCookie     = []byte("CurveCPK")         // COOK long-term nonce
	noncePrefixVouch      = []byte("CurveCPV")         // VOCH inner long-term nonce
)

// buildShortTermNonce composes a 24-byte nonce from a 16-byte direction
// prefix and a 64-bit big-endian counter, per spec §4.2.
func buildShortTermNonce(prefix []byte, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:16], prefix)
	binary.BigEndian.PutUint64(nonce[16:], counter)
	return nonce
}

// shortTermNonceTail extracts the trailing 8-byte counter from a composed
// short-term nonce, as transmitted on the wire.
func shortTermNonceTail(nonce [NonceSize]byte) [8]byte {
	var tail [8]byte
	copy(tail[:], nonce[16:])
	return tail
}

// buildLongTermNonce composes a 24-byte nonce from an 8-byte ASCII prefix
// and 16 bytes that are either freshly randomized (VOCH, by the sender) or
// echoed verbatim from the wire (COOK, by the receiver).
func buildLongTermNonce(prefix []byte, tail [16]byte) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:8], prefix)
	copy(nonce[8:], tail[:])
	return nonce
}

// freshLongTermNonceTail draws 16 random bytes for a long-term nonce that
// this side originates (VOCH).
func freshLongTermNonceTail() ([16]byte, error) {
	var tail [16]byte
	if err := randomBytes(tail[:]); err != nil {
		return tail, err
	}
	return tail, nil
}

// nextNonceCounter is a strictly-increasing per-Connection sender nonce
// counter. Connection.nonceCounter starts at 0; the first value handed out
// is 1, matching spec §8 scenario 1 (HELO nonce tail 0x0000000000000001).
func nextNonceCounter(current *uint64) uint64 {
	*current++
	return *current
}
