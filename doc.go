// Package osdg implements a client for the Open Secure Device Grid
// rendezvous protocol, a CurveCP-derived mutually authenticated,
// forward-secret handshake run over a plain TCP byte stream instead of
// UDP datagrams.
//
// # Wire format
//
// Every frame is length-prefixed:
//
//	length:u16_be | magic:u16_be | command:[4]u8 | payload[length-6]
//
// length excludes itself and includes the 6-byte header. command is one
// of TELL, WELC, HELO, COOK, VOCH, REDY, MESG.
//
// During the brief "forwarding" state a peer Connection instead exchanges
// unencrypted envelopes ahead of any packet-codec framing:
//
//	size:u16_be | type:u8 | protobuf-payload
//
// # Handshake
//
// A grid Connection: TELL -> WELC -> HELO -> COOK -> VOCH -> REDY ->
// MESG(ProtocolVersion) -> connected.
//
// A peer Connection additionally negotiates a tunnel before the
// handshake begins: FORWARD_REMOTE -> FORWARD_REPLY -> TELL -> ... ->
// REDY -> connected. FORWARD_HOLD may arrive any number of times while
// waiting and carries no state change; FORWARD_ERROR fails the
// Connection with ErrServerError or ErrPeerTimeout depending on its
// code, or with ErrProtocol for any other code.
//
// # Concurrency
//
// A Connection's protocol state is mutated only by the goroutine running
// its EventLoop's Run method. Application goroutines call Connection's
// exported methods (Send, Close, the accessors), which either read
// atomically under Connection's own mutex or hand off to the EventLoop's
// command queue; they never touch handshake state directly. See
// EventLoop's doc comment for the reader-goroutine/single-mutator split.
package osdg
