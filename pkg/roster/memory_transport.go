package roster

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryBus is an in-process transport fabric connecting several Rosters
// by peer id, with no network involved. Used by tests, where a real
// UDP-discovery/TCP-transport pair (out of scope per spec §1) would
// otherwise be needed to exercise the roster end to end.
type MemoryBus struct {
	mu      sync.Mutex
	rosters map[string]*Roster
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rosters: map[string]*Roster{}}
}

// Register makes peerID's roster reachable on the bus.
func (b *MemoryBus) Register(peerID string, r *Roster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rosters[peerID] = r
}

func (b *MemoryBus) lookup(peerID string) (*Roster, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rosters[peerID]
	return r, ok
}

// Link establishes a bidirectional connection between fromID and toID
// by registering a memoryTransport with each peer's roster and calling
// Connect.
func (b *MemoryBus) Link(fromID string, fromRoster *Roster, toID string, toRoster *Roster) {
	fromRoster.Connect(toID, &memoryTransport{bus: b, peerID: toID})
	toRoster.Connect(fromID, &memoryTransport{bus: b, peerID: fromID})
}

// memoryTransport implements Transport by handing frames directly to the
// destination roster's OnMessage, skipping any real I/O.
type memoryTransport struct {
	bus    *MemoryBus
	peerID string
	mu     sync.Mutex
	closed bool
}

func (t *memoryTransport) SendTo(ctx context.Context, peerID string, frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.Errorf("transport to %s is closed", peerID)
	}
	r, ok := t.bus.lookup(peerID)
	if !ok {
		return errors.Errorf("no roster registered for peer %s", peerID)
	}
	r.OnMessage(ctx, frame)
	return nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
