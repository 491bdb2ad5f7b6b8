package osdg

import (
	"go.uber.org/zap"

	"github.com/albert-salai/opensdg-wasm/protocol"
)

// ProtoMagic/ProtoMajor/ProtoMinor are this Connection's own
// MSG_PROTOCOL_VERSION identity, exchanged once during a grid-mode
// handshake (spec §4.3, §8 scenario 1). No interop capture was available
// in the retrieval pack to pin these to a deployed grid's real values;
// SPEC_FULL.md §7 records that an embedder must align them.
const (
	ProtoMagic uint32 = 0x4F534447 // "OSDG"
	ProtoMajor uint32 = 1
	ProtoMinor uint32 = 0
)

// cookBoxPlaintextSize is the plaintext size of a COOK box: a server
// short-term public key and a 96-byte opaque cookie, per spec §4.1.
const cookBoxPlaintextSize = KeySize + 96

// certificatePrefix/certificateValueSize implement the optional
// "certificate" key-value record spec §4.3 appends to a grid-mode VOCH.
const certificatePrefix = "certificate"

// certificateRecordSize is 1 (prefix length) + 11 ("certificate") + 1
// (value length) + 32 (zero-filled value).
const certificateRecordSize = 1 + len(certificatePrefix) + 1 + 32

func writeCertificateRecord(b []byte) {
	b[0] = byte(len(certificatePrefix))
	copy(b[1:], certificatePrefix)
	b[1+len(certificatePrefix)] = 32
	// the 32-byte value is left zero-filled, per spec §4.3.
}

// handleConnect is invoked once the socket becomes writable for the first
// time, per spec §4.3's on_connect contract. It implements the
// closed->connecting->{forwarding,handshaking} edges of the state table.
func (c *Connection) handleConnect() ([]byte, error) {
	if c.mode == ModePeer {
		fr := &protocol.ForwardRemote{TunnelID: c.tunnelID}
		dp := protocol.DataPacket{Type: protocol.MsgForwardRemote, Payload: fr.Marshal()}
		c.setStatus(StatusForwarding)
		return dp.Encode(), nil
	}
	c.setStatus(StatusHandshaking)
	return c.buildTELL(), nil
}

func (c *Connection) buildTELL() []byte {
	return EncodeFrame(CmdTell, nil)
}

// handleFrame dispatches a single complete frame delivered by Connection's
// two-phase reader, per spec §4.3's on_packet contract. For a Connection
// in StatusForwarding, frame is the body of the unencrypted forwarding
// envelope (type byte + protobuf payload); otherwise it is a packet-codec
// frame (header + payload). It returns zero or more outbound frames to
// write back.
func (c *Connection) handleFrame(frame []byte) ([][]byte, error) {
	if c.status == StatusForwarding {
		if len(frame) < 1 {
			return nil, &Error{Kind: ErrProtocol}
		}
		dp := protocol.DataPacket{Type: protocol.MessageType(frame[0]), Payload: frame[1:]}
		out, err := c.handleForwardData(dp)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return [][]byte{out}, nil
	}

	pkt, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}

	switch pkt.Command {
	case CmdWelc:
		if c.status != StatusHandshaking {
			return nil, &Error{Kind: ErrProtocol}
		}
		out, err := c.handleWELC(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{out}, nil

	case CmdCook:
		if c.status != StatusHandshaking {
			return nil, &Error{Kind: ErrProtocol}
		}
		out, err := c.handleCOOK(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{out}, nil

	case CmdRedy:
		if c.status != StatusHandshaking {
			return nil, &Error{Kind: ErrProtocol}
		}
		return c.handleREDY(pkt.Payload)

	case CmdMesg:
		switch c.status {
		case StatusHandshaking:
			if c.mode != ModeGrid {
				return nil, &Error{Kind: ErrProtocol}
			}
			return nil, c.handleMESGHandshaking(pkt.Payload)
		case StatusConnected:
			return nil, c.handleMESGConnected(pkt.Payload)
		default:
			return nil, &Error{Kind: ErrProtocol}
		}

	default:
		return nil, &Error{Kind: ErrProtocol}
	}
}

// handleForwardData drives the "forwarding" rows of the state table: hold
// is ignored, a matching reply advances to handshaking, and an error
// packet fails the Connection with the matching ErrorKind.
func (c *Connection) handleForwardData(dp protocol.DataPacket) ([]byte, error) {
	switch dp.Type {
	case protocol.MsgForwardHold:
		return nil, nil

	case protocol.MsgForwardReply:
		reply := &protocol.ForwardReply{}
		if err := reply.Unmarshal(dp.Payload); err != nil {
			return nil, &Error{Kind: ErrProtocol}
		}
		if string(reply.Signature) != protocol.ForwardSignature {
			return nil, &Error{Kind: ErrProtocol}
		}
		c.setStatus(StatusHandshaking)
		return c.buildTELL(), nil

	case protocol.MsgForwardError:
		ferr := &protocol.ForwardError{}
		if err := ferr.Unmarshal(dp.Payload); err != nil {
			return nil, &Error{Kind: ErrProtocol}
		}
		switch ferr.Code {
		case protocol.ForwardErrorServer:
			return nil, &Error{Kind: ErrServerError}
		case protocol.ForwardErrorPeerTimeout:
			return nil, &Error{Kind: ErrPeerTimeout}
		default:
			c.logger.Warn("unexpected forward error code", zap.Uint32("code", uint32(ferr.Code)))
			return nil, &Error{Kind: ErrProtocol}
		}

	default:
		c.logger.Debug("ignoring unexpected forwarding message", zap.Uint8("type", byte(dp.Type)))
		return nil, nil
	}
}

// handleWELC captures the server's long-term identity, generates this
// Connection's ephemeral keypair, and builds the HELO reply.
func (c *Connection) handleWELC(payload []byte) ([]byte, error) {
	if len(payload) < KeySize {
		return nil, &Error{Kind: ErrProtocol}
	}
	copy(c.peerLongTermPublic[:], payload[:KeySize])

	pub, sec, err := generateEphemeralKeypair()
	if err != nil {
		return nil, &Error{Kind: ErrCryptoCore}
	}
	c.ephemeralPublic = *pub
	c.ephemeralSecret = *sec

	return c.buildHELO()
}

// buildHELO seals 64 zero bytes under (serverLongTerm, clientShortTerm),
// per spec §6.
func (c *Connection) buildHELO() ([]byte, error) {
	counter := nextNonceCounter(&c.nonceCounter)
	nonce := buildShortTermNonce(noncePrefixHello, counter)
	tail := shortTermNonceTail(nonce)

	var zero [64]byte
	boxed := sealBox(nil, zero[:], &nonce, &c.peerLongTermPublic, &c.ephemeralSecret)

	payload := make([]byte, KeySize+8+len(boxed))
	copy(payload, c.ephemeralPublic[:])
	copy(payload[KeySize:], tail[:])
	copy(payload[KeySize+8:], boxed)
	return EncodeFrame(CmdHelo, payload), nil
}

// handleCOOK opens the server's cookie box, derives the session key via
// beforenm, and builds the VOCH reply.
func (c *Connection) handleCOOK(payload []byte) ([]byte, error) {
	const boxSize = cookBoxPlaintextSize + BoxOverhead
	if len(payload) < 16+boxSize {
		return nil, &Error{Kind: ErrProtocol}
	}
	var tail [16]byte
	copy(tail[:], payload[:16])
	nonce := buildLongTermNonce(noncePrefixCookie, tail)

	plain, ok := openBox(nil, payload[16:16+boxSize], &nonce, &c.peerLongTermPublic, &c.ephemeralSecret)
	if !ok {
		return nil, &Error{Kind: ErrDecryption}
	}

	var serverShortTerm [KeySize]byte
	copy(serverShortTerm[:], plain[:KeySize])
	copy(c.cookie[:], plain[KeySize:])

	sessionKey := beforenm(&serverShortTerm, &c.ephemeralSecret)
	c.sessionKey = sessionKey

	return c.buildVOCH()
}

// buildVOCH constructs the VOCH outer box: a session-key-sealed envelope
// whose plaintext carries the client's long-term identity and an inner
// box (the client's short-term public key, sealed under long-term keys)
// so the server can bind the two identities together. In grid mode the
// plaintext additionally carries the "certificate" key-value record from
// spec §4.3.
func (c *Connection) buildVOCH() ([]byte, error) {
	innerTail, err := freshLongTermNonceTail()
	if err != nil {
		return nil, &Error{Kind: ErrCryptoCore}
	}
	innerNonce := buildLongTermNonce(noncePrefixVouch, innerTail)
	innerBox := sealBox(nil, c.ephemeralPublic[:], &innerNonce, &c.peerLongTermPublic, &c.longTermSecret)

	grid := c.mode == ModeGrid
	plainLen := 16 + KeySize + 16 + len(innerBox)
	if grid {
		plainLen += certificateRecordSize
	}
	plain := make([]byte, plainLen)
	off := 16 // outerPad, left zero.
	off += copy(plain[off:], c.longTermPublic[:])
	off += copy(plain[off:], innerTail[:])
	off += copy(plain[off:], innerBox)
	if grid {
		writeCertificateRecord(plain[off:])
	}

	counter := nextNonceCounter(&c.nonceCounter)
	outerNonce := buildShortTermNonce(noncePrefixVoch, counter)
	tail := shortTermNonceTail(outerNonce)
	boxed := sealAfterNM(nil, plain, &outerNonce, &c.sessionKey)

	payload := make([]byte, 8+len(boxed))
	copy(payload, tail[:])
	copy(payload[8:], boxed)
	return EncodeFrame(CmdVoch, payload), nil
}

// handleREDY opens the server's REDY box (its body is ignored beyond this,
// per spec §4.3) and completes the handshake for a peer Connection, or
// sends the ProtocolVersion MESG a grid Connection still needs.
func (c *Connection) handleREDY(payload []byte) ([][]byte, error) {
	if _, err := c.openMesgLike(payload, noncePrefixRedy); err != nil {
		return nil, err
	}

	if c.mode == ModePeer {
		c.setStatus(StatusConnected)
		return nil, nil
	}

	out, err := c.buildProtocolVersionMesg()
	if err != nil {
		return nil, err
	}
	return [][]byte{out}, nil
}

// handleMESGHandshaking implements the grid-mode-only ProtocolVersion
// exchange that completes the handshake.
func (c *Connection) handleMESGHandshaking(payload []byte) error {
	plain, err := c.openMesgLike(payload, noncePrefixServerMesg)
	if err != nil {
		return err
	}
	typ, body, err := protocol.DecodeInnerBody(plain)
	if err != nil {
		return &Error{Kind: ErrProtocol}
	}
	if typ != protocol.MsgProtocolVersion {
		return &Error{Kind: ErrProtocol}
	}
	pv := &protocol.ProtocolVersion{}
	if err := pv.Unmarshal(body); err != nil {
		return &Error{Kind: ErrProtocol}
	}
	if pv.Magic != ProtoMagic || pv.Major != ProtoMajor || pv.Minor != ProtoMinor {
		return &Error{Kind: ErrProtocol}
	}
	c.setStatus(StatusConnected)
	return nil
}

// handleMESGConnected decrypts a post-handshake MESG and either dispatches
// it as a grid control message or delivers it to the upper-layer callback
// as raw peer-tunnel bytes. Unknown grid MESG types are logged and
// silently ignored, per spec §7's forward-compatibility policy.
func (c *Connection) handleMESGConnected(payload []byte) error {
	plain, err := c.openMesgLike(payload, noncePrefixServerMesg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cb := c.deliverCB
	c.mu.Unlock()

	if c.mode == ModePeer {
		if cb != nil && len(plain) >= 16 {
			cb(plain[16:])
		}
		return nil
	}

	typ, body, err := protocol.DecodeInnerBody(plain)
	if err != nil {
		c.logger.Debug("dropping malformed grid MESG body")
		return nil
	}
	if typ == protocol.MsgPeerReply {
		reply := &protocol.PeerReply{}
		if uerr := reply.Unmarshal(body); uerr == nil {
			c.dispatchPeerReply(reply)
			return nil
		}
	}
	c.logger.Debug("ignoring unrecognized grid MESG type", zap.Uint8("type", byte(typ)))
	return nil
}

// buildProtocolVersionMesg seals this Connection's ProtocolVersion
// announcement, sent once a grid Connection's REDY arrives.
func (c *Connection) buildProtocolVersionMesg() ([]byte, error) {
	pv := &protocol.ProtocolVersion{Magic: ProtoMagic, Major: ProtoMajor, Minor: ProtoMinor}
	body := protocol.EncodeInnerBody(protocol.MsgProtocolVersion, pv.Marshal())
	return c.sealMesg(body)
}

// sealMesg seals an already-padded MESG inner body under the session key
// with the next client send nonce, per spec §3's "unique (session key,
// nonce) pair" invariant.
func (c *Connection) sealMesg(plaintext []byte) ([]byte, error) {
	counter := nextNonceCounter(&c.nonceCounter)
	nonce := buildShortTermNonce(noncePrefixClientMesg, counter)
	tail := shortTermNonceTail(nonce)
	boxed := sealAfterNM(nil, plaintext, &nonce, &c.sessionKey)

	payload := make([]byte, 8+len(boxed))
	copy(payload, tail[:])
	copy(payload[8:], boxed)
	return EncodeFrame(CmdMesg, payload), nil
}

// openMesgLike opens the MESG-like payload layout of spec §4.1: an 8-byte
// client nonce tail followed by a box sealed under the session key.
func (c *Connection) openMesgLike(payload []byte, prefix []byte) ([]byte, error) {
	if len(payload) < 8+BoxOverhead {
		return nil, &Error{Kind: ErrProtocol}
	}
	var tail [8]byte
	copy(tail[:], payload[:8])

	var nonce [NonceSize]byte
	copy(nonce[:16], prefix)
	copy(nonce[16:], tail[:])

	plain, ok := openAfterNM(nil, payload[8:], &nonce, &c.sessionKey)
	if !ok {
		return nil, &Error{Kind: ErrDecryption}
	}
	return plain, nil
}
