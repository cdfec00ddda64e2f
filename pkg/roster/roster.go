package roster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ks-chat/chatcore/pkg/envelope"
	"github.com/ks-chat/chatcore/pkg/logging"
)

// Manager is the subset of *causal.Manager the roster needs. Declared
// here (rather than importing pkg/causal's concrete type) so the roster
// has no compile-time dependency on the causal package beyond this
// narrow contract.
type Manager interface {
	AddPeer(peerID string)
	DelPeer(peerID string)
	Receive(ctx context.Context, frame []byte) error
}

// Roster tracks known peers, binds peer-id to transport connection, and
// propagates membership changes into the Causal Order Manager. Duplicate
// connects are idempotent.
type Roster struct {
	mu    sync.Mutex
	peers map[string]Transport

	manager Manager
	logger  logging.Logger

	// OnPeerConnected, if set, is invoked (outside the roster's lock)
	// after a new peer's connection is registered and AddPeer has run.
	// The controller binds its snapshotOnConnect here.
	OnPeerConnected func(peerID string)

	// OnPeerDisconnected, if set, is invoked after a peer's connection is
	// torn down and DelPeer has run.
	OnPeerDisconnected func(peerID string)
}

// New constructs a Roster that feeds membership changes into manager.
func New(manager Manager, logger logging.Logger) *Roster {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Roster{
		peers:   map[string]Transport{},
		manager: manager,
		logger:  logger,
	}
}

// Connect registers transport t for peerID and calls Manager.AddPeer.
// Connecting an already-connected peer id is a no-op.
func (r *Roster) Connect(peerID string, t Transport) {
	r.mu.Lock()
	if _, exists := r.peers[peerID]; exists {
		r.mu.Unlock()
		return
	}
	r.peers[peerID] = t
	r.mu.Unlock()

	r.manager.AddPeer(peerID)
	r.logger.Infof("peer %s connected", peerID)
	if r.OnPeerConnected != nil {
		r.OnPeerConnected(peerID)
	}
}

// Disconnect tears down the connection for peerID, if any, and calls
// Manager.DelPeer.
func (r *Roster) Disconnect(peerID string) {
	r.mu.Lock()
	t, exists := r.peers[peerID]
	if exists {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
	if !exists {
		return
	}
	if err := t.Close(); err != nil {
		r.logger.Warnf("closing transport for %s: %v", peerID, err)
	}
	r.manager.DelPeer(peerID)
	r.logger.Infof("peer %s disconnected", peerID)
	if r.OnPeerDisconnected != nil {
		r.OnPeerDisconnected(peerID)
	}
}

// SendTo implements causal.Sender: it encodes env and hands it to the
// transport sink registered for peerID, optionally after delay (the
// test knob the spec describes for exercising causal reordering). A
// missing sink is logged and treated as a completed send, matching the
// spec's fire-and-forget failure semantics.
func (r *Roster) SendTo(peerID string, env *envelope.Envelope, delay time.Duration) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	r.mu.Lock()
	t, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warnf("no transport sink for peer %s, dropping send", peerID)
		return nil
	}

	send := func() {
		if err := t.SendTo(context.Background(), peerID, frame); err != nil {
			r.logger.Errorf("send to %s failed: %v", peerID, err)
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, send)
		return nil
	}
	send()
	return nil
}

// OnMessage is the incoming callback a Transport implementation calls
// when it has a frame for this roster. It spawns the worker goroutine
// per envelope that the concurrency model (spec §5) requires, so the
// transport's own read loop never blocks on a causally-blocked receive.
func (r *Roster) OnMessage(ctx context.Context, frame []byte) {
	go func() {
		if err := r.manager.Receive(ctx, frame); err != nil {
			r.logger.Debugf("receive dropped: %v", err)
		}
	}()
}

// Close tears down every connected transport concurrently and waits for
// all of them to finish closing.
func (r *Roster) Close() error {
	r.mu.Lock()
	transports := make([]Transport, 0, len(r.peers))
	for _, t := range r.peers {
		transports = append(transports, t)
	}
	r.peers = map[string]Transport{}
	r.mu.Unlock()

	var g errgroup.Group
	for _, t := range transports {
		t := t
		g.Go(t.Close)
	}
	return g.Wait()
}

// Peers returns the currently connected peer ids.
func (r *Roster) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}
