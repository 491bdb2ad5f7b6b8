package osdg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albert-salai/opensdg-wasm/protocol"
)

// acceptAndDriveGridHandshake plays the server side of one grid handshake
// over a real TCP connection, using the same fakeGridServer helpers
// handshake_test.go uses in-process.
func acceptAndDriveGridHandshake(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	server := newFakeGridServer(t)

	tell := readFrame(t, conn)
	tellPkt, err := DecodeFrame(tell[lengthPrefixSize:])
	require.NoError(t, err)
	require.Equal(t, CmdTell, tellPkt.Command)

	require.NoError(t, writeAll(conn, server.welc()))

	helo := readFrame(t, conn)
	clientEphemeralPub := server.openHelo(t, helo)

	require.NoError(t, writeAll(conn, server.cook(t, clientEphemeralPub)))

	voch := readFrame(t, conn)
	server.openVoch(t, voch, clientEphemeralPub)

	require.NoError(t, writeAll(conn, server.redy(t)))

	pvMesg := readFrame(t, conn)
	plain := server.openMesg(t, pvMesg)
	typ, body, err := protocol.DecodeInnerBody(plain)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgProtocolVersion, typ)
	pv := &protocol.ProtocolVersion{}
	require.NoError(t, pv.Unmarshal(body))

	ack := server.protocolVersionMesg(t, pv)
	require.NoError(t, writeAll(conn, ack))
}

func writeAll(conn net.Conn, frame []byte) error {
	_, err := conn.Write(frame)
	return err
}

// readFrame reads exactly one length-prefixed frame off conn and returns
// it including the length prefix, matching what fakeGridServer's open*
// helpers expect.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var prefix [lengthPrefixSize]byte
	_, err := readFull(conn, prefix[:])
	require.NoError(t, err)
	declared := DecodeDeclaredLength(prefix)

	body := make([]byte, declared)
	_, err = readFull(conn, body)
	require.NoError(t, err)

	return append(prefix[:], body...)
}

func readFull(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestEventLoopDrivesGridConnectionToConnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		acceptAndDriveGridHandshake(t, ln)
	}()

	registry := NewRegistry()
	loop := NewEventLoop(registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var secret [KeySize]byte
	require.NoError(t, CreatePrivateKey(&secret))
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)
	registry.Register(c)

	connected := make(chan Status, 1)
	c.OnStatusChange(func(s Status) { connected <- s })

	require.NoError(t, loop.ConnectToGrid(c, []string{ln.Addr().String()}, 2*time.Second))

	select {
	case s := <-connected:
		require.Equal(t, StatusConnected, s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connected status")
	}

	<-done
}

func TestEventLoopCloseUnblocksReadLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	registry := NewRegistry()
	loop := NewEventLoop(registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var secret [KeySize]byte
	c, err := NewConnection(secret, DefaultBufferSize, nil)
	require.NoError(t, err)
	registry.Register(c)
	c.mode = ModeGrid

	require.NoError(t, loop.ConnectToGrid(c, []string{ln.Addr().String()}, 2*time.Second))

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted connection")
	}

	require.NoError(t, loop.Close(c))

	require.Eventually(t, func() bool {
		return c.Status() == StatusClosed
	}, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, registry.Get(c.UID()))
}
