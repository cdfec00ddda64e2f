package roster

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ks-chat/chatcore/pkg/envelope"
	"github.com/ks-chat/chatcore/pkg/logging"
)

// fakeManager records AddPeer/DelPeer/Receive calls for assertions
// without depending on pkg/causal, keeping this package's tests free of
// a causal import cycle concern.
type fakeManager struct {
	mu      sync.Mutex
	added   []string
	removed []string
	frames  [][]byte
	done    chan struct{}
}

func newFakeManager() *fakeManager {
	return &fakeManager{done: make(chan struct{}, 16)}
}

func (f *fakeManager) AddPeer(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, peerID)
}

func (f *fakeManager) DelPeer(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peerID)
}

func (f *fakeManager) Receive(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeManager) waitForFrame(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame to reach Receive")
	}
}

func TestMemoryBusRoutesFramesBetweenRosters(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus()
	mgrA := newFakeManager()
	mgrB := newFakeManager()
	rA := New(mgrA, logging.NewNop())
	rB := New(mgrB, logging.NewNop())
	bus.Register("A", rA)
	bus.Register("B", rB)
	bus.Link("A", rA, "B", rB)

	if len(mgrA.added) != 1 || mgrA.added[0] != "B" {
		t.Fatalf("expected A to AddPeer(B), got %v", mgrA.added)
	}
	if len(mgrB.added) != 1 || mgrB.added[0] != "A" {
		t.Fatalf("expected B to AddPeer(A), got %v", mgrB.added)
	}

	env := &envelope.Envelope{K: "A", TK: 1, Payload: "hi"}
	if err := rA.SendTo("B", env, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	mgrB.waitForFrame(t, time.Second)

	mgrB.mu.Lock()
	got, err := envelope.Decode(mgrB.frames[0])
	mgrB.mu.Unlock()
	if err != nil {
		t.Fatalf("decode delivered frame: %v", err)
	}
	if got.Payload != "hi" {
		t.Fatalf("expected payload %q, got %q", "hi", got.Payload)
	}
}

func TestRosterConnectIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus()
	mgrA := newFakeManager()
	rA := New(mgrA, logging.NewNop())
	bus.Register("A", rA)

	rA.Connect("B", &memoryTransport{bus: bus, peerID: "B"})
	rA.Connect("B", &memoryTransport{bus: bus, peerID: "B"})

	if len(mgrA.added) != 1 {
		t.Fatalf("expected a single AddPeer call for a repeated Connect, got %d", len(mgrA.added))
	}
}

func TestRosterDisconnectCallsDelPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus()
	mgrA := newFakeManager()
	rA := New(mgrA, logging.NewNop())
	bus.Register("A", rA)
	rA.Connect("B", &memoryTransport{bus: bus, peerID: "B"})

	rA.Disconnect("B")
	if len(mgrA.removed) != 1 || mgrA.removed[0] != "B" {
		t.Fatalf("expected DelPeer(B), got %v", mgrA.removed)
	}
	if len(rA.Peers()) != 0 {
		t.Fatalf("expected no peers left after disconnect, got %v", rA.Peers())
	}
}

func TestSendToMissingSinkIsNotAnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgrA := newFakeManager()
	rA := New(mgrA, logging.NewNop())
	env := &envelope.Envelope{K: "A", TK: 1, Payload: "x"}
	if err := rA.SendTo("ghost", env, 0); err != nil {
		t.Fatalf("expected a missing sink to be a silent no-op, got %v", err)
	}
}

func TestOnPeerConnectedHookFires(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus()
	mgrA := newFakeManager()
	mgrB := newFakeManager()
	rA := New(mgrA, logging.NewNop())
	rB := New(mgrB, logging.NewNop())
	bus.Register("A", rA)
	bus.Register("B", rB)

	var mu sync.Mutex
	var connected []string
	rA.OnPeerConnected = func(peerID string) {
		mu.Lock()
		defer mu.Unlock()
		connected = append(connected, peerID)
	}

	bus.Link("A", rA, "B", rB)

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || connected[0] != "B" {
		t.Fatalf("expected OnPeerConnected(B), got %v", connected)
	}
}
