package osdg

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/albert-salai/opensdg-wasm/queue"
)

// cmdNode is one posted closure, queued for the event-loop goroutine.
type cmdNode struct {
	fn   func()
	Next queue.Linked[cmdNode]
}

// EventLoop is the single goroutine that owns every Connection's protocol
// state, per spec §4.5/§5's single-threaded-mutation requirement. A
// per-connection readLoop goroutine does the blocking socket I/O and
// posts completed frames back onto EventLoop's command queue; only the
// goroutine running Run ever calls a Connection's state-mutating methods.
//
// Grounded on jchv-curvecp/server.go's pump()/readLoop() split, adapted
// from one UDP socket shared by every peer to one TCP net.Conn per
// Connection.
type EventLoop struct {
	registry *Registry
	logger   *zap.Logger

	cmds *queue.Queue[cmdNode]
	wake chan struct{}
}

// NewEventLoop returns an EventLoop that registers Connections in
// registry. Run must be started before ConnectToGrid/ConnectToPeer/Send/
// Close can make progress.
func NewEventLoop(registry *Registry, logger *zap.Logger) *EventLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		registry: registry,
		logger:   logger,
		cmds:     queue.NewOfLinked(func(n *cmdNode) *queue.Linked[cmdNode] { return &n.Next }),
		wake:     make(chan struct{}, 1),
	}
}

// post enqueues fn for execution on Run's goroutine and wakes it.
func (l *EventLoop) post(fn func()) {
	l.cmds.Put(&cmdNode{fn: fn})
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains posted commands until ctx is cancelled. It is the only
// goroutine that may call a Connection's state-mutating methods, so an
// embedder normally runs it on its own dedicated goroutine for the
// lifetime of the process.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			for n := l.cmds.Get(); n != nil; n = l.cmds.Get() {
				n.fn()
			}
		}
	}
}

// fail translates err into a Connection error result. *Error values carry
// their kind through directly; anything else (a bare I/O error, say) is
// reported as ErrProtocol, since by the time fail is called the specific
// socket/decrypt/buffer cases have already been classified by the caller.
func (l *EventLoop) fail(c *Connection, err error) {
	if e, ok := err.(*Error); ok {
		c.setResult(e.Kind, e.Code)
		return
	}
	c.setResult(ErrProtocol, 0)
}

func (l *EventLoop) dialEndpoints(endpoints []string, timeout time.Duration) (net.Conn, error) {
	var lastErr error
	for _, addr := range endpoints {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return conn, nil
		}
		l.logger.Debug("endpoint unreachable", zap.String("addr", addr), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("osdg: no endpoints configured")
	}
	return nil, lastErr
}

// ConnectToGrid dials the first reachable address in endpoints and drives
// c through the grid handshake, per spec §4.4's connect_to_grid(conn,
// endpoints) contract.
func (l *EventLoop) ConnectToGrid(c *Connection, endpoints []string, dialTimeout time.Duration) error {
	c.mu.Lock()
	c.mode = ModeGrid
	c.endpoints = endpoints
	c.loop = l
	c.mu.Unlock()
	return l.dial(c, endpoints, dialTimeout)
}

// ConnectToPeer dials the first reachable address in endpoints carrying
// tunnelID and drives c through the forwarding substructure before the
// handshake, per spec §4.4's connect_to_peer(conn, endpoints, tunnel_id)
// contract.
func (l *EventLoop) ConnectToPeer(c *Connection, endpoints []string, tunnelID []byte, dialTimeout time.Duration) error {
	c.mu.Lock()
	c.mode = ModePeer
	c.endpoints = endpoints
	c.tunnelID = tunnelID
	c.loop = l
	c.mu.Unlock()
	return l.dial(c, endpoints, dialTimeout)
}

// dial performs the one-time blocking connect (no other goroutine yet
// holds a reference to c's socket, so this is safe outside the event
// loop) and then posts the initial handshake step so every subsequent
// mutation of c happens on Run's goroutine.
func (l *EventLoop) dial(c *Connection, endpoints []string, dialTimeout time.Duration) error {
	c.setStatus(StatusConnecting)

	conn, err := l.dialEndpoints(endpoints, dialTimeout)
	if err != nil {
		c.setResult(ErrSocket, 0)
		return errors.Wrap(err, "osdg: no endpoint reachable")
	}
	c.mu.Lock()
	c.socket = conn
	c.mu.Unlock()

	l.post(func() {
		out, err := c.handleConnect()
		if err != nil {
			l.fail(c, err)
			return
		}
		if len(out) > 0 {
			if _, werr := conn.Write(out); werr != nil {
				l.fail(c, &Error{Kind: ErrSocket})
				return
			}
		}
		go l.readLoop(c, conn)
	})
	return nil
}

// readLoop performs blocking reads on conn and posts every chunk read (or
// a terminal socket failure) back to the event loop, preserving the
// single-mutator invariant: readLoop itself never touches c's protocol
// state directly.
func (l *EventLoop) readLoop(c *Connection, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			l.post(func() { l.deliverChunk(c, conn, chunk) })
		}
		if err != nil {
			l.post(func() {
				if c.Status() != StatusClosed {
					c.setResult(ErrSocket, 0)
				}
			})
			return
		}
	}
}

// deliverChunk runs on the event-loop goroutine: it feeds chunk through
// c's frame reader, handing every completed frame to handleFrame and
// writing back whatever outbound frames result, until chunk is exhausted.
func (l *EventLoop) deliverChunk(c *Connection, conn net.Conn, chunk []byte) {
	for {
		frame, rest, err := c.feed(chunk)
		if err != nil {
			l.fail(c, err)
			return
		}
		if frame == nil {
			return
		}

		out, err := c.handleFrame(frame)
		if err != nil {
			l.fail(c, err)
			return
		}
		for _, f := range out {
			if _, werr := conn.Write(f); werr != nil {
				l.fail(c, &Error{Kind: ErrSocket})
				return
			}
		}

		if len(rest) == 0 {
			return
		}
		chunk = rest
	}
}

// Send posts data for transmission as a MESG payload from c, blocking
// until the event loop has processed it. See Connection.Send for the
// grid/peer framing contract.
func (l *EventLoop) Send(c *Connection, data []byte) error {
	done := make(chan error, 1)
	l.post(func() {
		if c.Status() != StatusConnected {
			done <- errors.New("osdg: send is only valid in the connected state")
			return
		}

		plaintext := data
		var block *sendBlock
		if c.mode == ModePeer {
			block = c.acquireSendBlock(16 + len(data))
			for i := range block.buf[:16] {
				block.buf[i] = 0
			}
			copy(block.buf[16:], data)
			plaintext = block.buf
		}

		frame, err := c.sealMesg(plaintext)
		if block != nil {
			c.releaseSendBlock(block)
		}
		if err != nil {
			l.fail(c, err)
			done <- err
			return
		}

		c.mu.Lock()
		conn := c.socket
		c.mu.Unlock()
		if _, werr := conn.Write(frame); werr != nil {
			l.fail(c, &Error{Kind: ErrSocket})
			done <- werr
			return
		}
		done <- nil
	})
	return <-done
}

// Close posts a graceful shutdown of c: closes its socket, which unblocks
// and ends readLoop, marks c StatusClosed, and removes it from registry.
func (l *EventLoop) Close(c *Connection) error {
	l.post(func() {
		c.mu.Lock()
		conn := c.socket
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.setStatus(StatusClosed)
		l.registry.Unregister(c.UID())
	})
	return nil
}
