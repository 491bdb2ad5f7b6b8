package osdg

import "github.com/albert-salai/opensdg-wasm/protocol"

// PeerToken is the (gridUID, peerID) addressing pair spec §9's design
// note describes: the grid Connection's registry uid plus the locally
// allocated Peer id, sufficient for another goroutine to name a specific
// outstanding forward request without touching Connection internals.
type PeerToken struct {
	GridUID uint64
	PeerID  uint32
}

// Peer is one outstanding forward request issued by a grid Connection on
// behalf of an application that wants a tunnel to another device. OnReply
// fires once, from the event-loop goroutine, with the MSG_PEER_REPLY
// addressed to this Peer's id.
type Peer struct {
	ID      uint32
	GridUID uint64

	OnReply func(*protocol.PeerReply)
}

// Token returns the (gridUID, peerID) pair identifying this Peer across
// goroutines, per spec §9.
func (p *Peer) Token() PeerToken {
	return PeerToken{GridUID: p.GridUID, PeerID: p.ID}
}

// OpenPeer registers a new outstanding forward request on a grid
// Connection and returns the Peer handle onReply will be delivered
// through. Valid only on a grid Connection; must be called only from the
// event-loop goroutine, matching the rest of Connection's mutation API.
func (c *Connection) OpenPeer(onReply func(*protocol.PeerReply)) (*Peer, error) {
	if c.mode != ModeGrid {
		return nil, &Error{Kind: ErrProtocol}
	}
	p := &Peer{
		ID:      c.allocPeerID(),
		GridUID: c.uid,
		OnReply: onReply,
	}
	c.peers[p.ID] = p
	return p, nil
}
