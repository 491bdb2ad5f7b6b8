package osdg

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/albert-salai/opensdg-wasm/protocol"
	"github.com/albert-salai/opensdg-wasm/queue"
)

// sendBlock is one send-buffer slot, drawn from a Connection's freelist
// per spec §3 ("a freelist/rotating pool of send buffers of the same
// size"). Grounded on jchv-curvecp/conn.go's block/sendFree, generalized
// from container/list to the queue package's intrusive FIFO.
type sendBlock struct {
	buf  []byte
	Next queue.Linked[sendBlock]
}

// Connection is the central entity of spec §3: one TCP session to either a
// grid server or a peer device. Only the event-loop goroutine that owns a
// Connection after ConnectToGrid/ConnectToPeer mutates its protocol state;
// mu guards only the handful of fields the application goroutine reads
// directly (status, error, uid), matching spec §5's ownership rules.
type Connection struct {
	mu sync.Mutex

	// Identity, per spec §3.
	longTermPublic [KeySize]byte
	longTermSecret [KeySize]byte

	// Ephemeral, created once per connection upon receiving WELC.
	ephemeralPublic [KeySize]byte
	ephemeralSecret [KeySize]byte

	// Peer identity, captured from WELC.
	peerLongTermPublic [KeySize]byte

	// Session key, the beforenm precomputation used after COOK.
	sessionKey [KeySize]byte

	// Cookie, echoed in VOCH.
	cookie [96]byte

	// Nonce counter, strictly increasing, client-local.
	nonceCounter uint64

	mode    Mode
	status  Status
	errKind ErrorKind
	errCode int

	tunnelID []byte

	bufferSize    int
	recvBuf       []byte
	bytesReceived int
	bytesLeft     int

	sendFree *queue.Queue[sendBlock]

	uid uint64

	peers      map[uint32]*Peer
	nextPeerID uint32

	statusCB  func(Status)
	deliverCB func(payload []byte)

	statusFired bool

	socket    net.Conn
	endpoints []string

	logger *zap.Logger
	loop   *EventLoop
}

// NewConnection creates a Connection holding a copy of longTermSecret,
// per spec §4.4's create(key, bufSize) contract. The Connection is inert
// until submitted to an EventLoop via ConnectToGrid or ConnectToPeer.
func NewConnection(longTermSecret [KeySize]byte, bufferSize int, logger *zap.Logger) (*Connection, error) {
	if bufferSize < 256 {
		return nil, errors.New("osdg: buffer size too small to hold a COOK packet")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pub, err := CalcPublicKey(&longTermSecret)
	if err != nil {
		return nil, errors.Wrap(err, "derive long-term public key")
	}
	c := &Connection{
		longTermSecret: longTermSecret,
		longTermPublic: *pub,
		bufferSize:     bufferSize,
		recvBuf:        make([]byte, bufferSize),
		bytesLeft:      lengthPrefixSize,
		peers:          make(map[uint32]*Peer),
		sendFree:       queue.NewOfLinked(func(b *sendBlock) *queue.Linked[sendBlock] { return &b.Next }),
		logger:         logger,
	}
	return c, nil
}

// Mode reports whether this Connection is a grid or peer session.
func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Status reports the current lifecycle state. Safe to call from any
// goroutine.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ErrorKind returns the terminal error kind, or ErrNone if the Connection
// has not failed.
func (c *Connection) ErrorKind() ErrorKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errKind
}

// ErrorCode returns the OS-level error code accompanying ErrSocket, or 0.
func (c *Connection) ErrorCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

// UID returns the Registry-assigned identifier, or 0 before registration.
func (c *Connection) UID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// OnStatusChange installs the callback fired once, from the event-loop
// goroutine, when the Connection reaches a terminal status (StatusConnected
// or StatusFailed). Spec §4.4/§7: "the status callback fires once with the
// terminal status."
func (c *Connection) OnStatusChange(cb func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCB = cb
}

// OnDeliver installs the callback invoked, from the event-loop goroutine,
// with each decrypted MESG payload once a peer Connection is connected:
// the raw tunnel bytes, with the 16-byte inner padding removed. Grid
// Connections never invoke it; a grid MESG carrying a PeerReply is routed
// to its Peer, and other grid MESG types are dropped.
func (c *Connection) OnDeliver(cb func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverCB = cb
}

// setStatus performs the atomic status update of spec §4.4's
// set_status(new) contract. Must be called only from the event-loop
// goroutine.
func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	cb := c.statusCB
	terminal := s == StatusConnected || s == StatusFailed
	fire := terminal && !c.statusFired
	if fire {
		c.statusFired = true
	}
	c.mu.Unlock()

	if s == StatusFailed || s == StatusClosed {
		c.zeroEphemeralSecret()
	}
	if fire && cb != nil {
		cb(s)
	}
}

// setResult sets the error kind if non-zero and transitions to
// StatusFailed, per spec §4.4's set_result(err) contract.
func (c *Connection) setResult(kind ErrorKind, code int) {
	if kind == ErrNone {
		return
	}
	c.mu.Lock()
	c.errKind = kind
	c.errCode = code
	c.mu.Unlock()
	c.logger.Warn("connection failed", zap.Stringer("kind", kind), zap.Int("code", code))
	c.setStatus(StatusFailed)
}

func (c *Connection) zeroEphemeralSecret() {
	for i := range c.ephemeralSecret {
		c.ephemeralSecret[i] = 0
	}
}

// Send submits data for transmission as a MESG payload. Valid only in
// StatusConnected, per spec §4.4. For a peer Connection data is carried
// as raw tunnel bytes; for a grid Connection data must already be an
// encoded inner body (see protocol.EncodeInnerBody), the same layout a
// grid MESG carries on receive.
func (c *Connection) Send(data []byte) error {
	if c.Status() != StatusConnected {
		return errors.New("osdg: send is only valid in the connected state")
	}
	if c.loop == nil {
		return errors.New("osdg: connection is not attached to an event loop")
	}
	return c.loop.Send(c, data)
}

// Close posts a shutdown request for this Connection, per spec §4.4's
// destroy(conn) contract and §5's cooperative-cancellation model. It does
// not block for teardown to complete; observe StatusClosed via Status
// (OnStatusChange fires only for StatusConnected and StatusFailed).
func (c *Connection) Close() error {
	if c.loop == nil {
		c.setStatus(StatusClosed)
		return nil
	}
	return c.loop.Close(c)
}

// allocPeerID assigns the next Peer id for a grid Connection's outstanding
// forward requests. Must be called only from the event-loop goroutine.
func (c *Connection) allocPeerID() uint32 {
	c.nextPeerID++
	return c.nextPeerID
}

// dispatchPeerReply routes a decoded PeerReply to the outstanding Peer it
// addresses, per spec §4.6/§9's (grid_uid, peer_id) token model. Must be
// called only from the event-loop goroutine.
func (c *Connection) dispatchPeerReply(reply *protocol.PeerReply) {
	p, ok := c.peers[reply.ID]
	if !ok {
		c.logger.Debug("peer reply for unknown id", zap.Uint32("id", reply.ID))
		return
	}
	delete(c.peers, reply.ID)
	if p.OnReply != nil {
		p.OnReply(reply)
	}
}

// acquireSendBlock returns a send buffer of at least size bytes, reusing one
// from the freelist when available instead of allocating, per spec §3's
// rotating send-buffer pool. Must be called only from the event-loop
// goroutine.
func (c *Connection) acquireSendBlock(size int) *sendBlock {
	if b := c.sendFree.Get(); b != nil {
		if cap(b.buf) >= size {
			b.buf = b.buf[:size]
			return b
		}
	}
	return &sendBlock{buf: make([]byte, size)}
}

// releaseSendBlock returns b to the freelist for reuse by a later Send.
func (c *Connection) releaseSendBlock(b *sendBlock) {
	c.sendFree.Put(b)
}

// resetFrameReader rearms the two-phase length-then-body reader for the
// next frame, per spec §3's bytesLeft+bytesReceived<=bufferSize invariant.
func (c *Connection) resetFrameReader() {
	c.bytesReceived = 0
	c.bytesLeft = lengthPrefixSize
}

// feed appends newly-read bytes into the receive buffer and reports a
// complete frame (header+payload, or forwarding-envelope body) whenever
// one becomes available. It implements the two-phase length-then-body
// reader of spec §4.1, generalized to cover both the packet-codec framing
// (WELC..MESG) and the unencrypted forwarding envelope, which share the
// same "2-byte length, then that many bytes" shape.
//
// chunk may hold more than one frame's worth of bytes; feed consumes only
// as much of it as is needed to complete the next frame and returns the
// rest as rest, for the caller to feed again.
func (c *Connection) feed(chunk []byte) (frame []byte, rest []byte, err error) {
	for len(chunk) > 0 {
		n := copy(c.recvBuf[c.bytesReceived:c.bytesReceived+c.bytesLeft], chunk)
		chunk = chunk[n:]
		c.bytesReceived += n
		c.bytesLeft -= n
		if c.bytesLeft > 0 {
			continue
		}

		if c.bytesReceived == lengthPrefixSize {
			// Phase 1 complete: we now know the declared frame length.
			var prefix [lengthPrefixSize]byte
			copy(prefix[:], c.recvBuf[:lengthPrefixSize])
			declared := DecodeDeclaredLength(prefix)
			if WouldExceedBuffer(declared, c.bufferSize) {
				return nil, nil, &Error{Kind: ErrBufferExceeded}
			}
			c.bytesLeft = int(declared)
			continue
		}

		// Phase 2 complete: a full frame is sitting in recvBuf.
		frame = append([]byte(nil), c.recvBuf[lengthPrefixSize:c.bytesReceived]...)
		c.resetFrameReader()
		return frame, chunk, nil
	}
	return nil, nil, nil
}
