// Package roster implements the peer roster and transport sink: binding
// peer ids to transport connections, propagating membership into the
// causal order manager, and dispatching inbound frames to it on their
// own worker goroutine.
//
// Grounded on the teacher's pkg/mcast/core/transport.go (the Transport
// interface shape, ReliableTransport's poll/consume loop) and peer.go
// (one goroutine per inbound message).
package roster

import "context"

// Transport is the per-peer connection sink. It is deliberately narrow:
// framing, connection lifecycle, and the UDP discovery handshake that
// produce a live Transport are external collaborators referenced only
// through this interface (spec §1's scope cut).
type Transport interface {
	// SendTo writes one already-encoded frame to this peer.
	SendTo(ctx context.Context, peerID string, frame []byte) error

	// Close releases the underlying connection. Idempotent.
	Close() error
}
