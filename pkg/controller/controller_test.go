package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ks-chat/chatcore/pkg/logging"
)

// fakeSendManager records every Send call, standing in for
// *causal.Manager without importing pkg/causal.
type fakeSendManager struct {
	mu    sync.Mutex
	calls []sendCall
}

type sendCall struct {
	payload string
	dests   map[string]struct{}
	delay   time.Duration
}

func (f *fakeSendManager) Send(payload string, dests map[string]struct{}, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{payload: payload, dests: dests, delay: delay})
	return nil
}

func newTestController(t *testing.T, selfID string) (*Controller, *fakeSendManager) {
	t.Helper()
	ctl := New(selfID, 5, logging.NewNop())
	mgr := &fakeSendManager{}
	ctl.BindManager(mgr)
	return ctl, mgr
}

func TestStartJoinsAll(t *testing.T) {
	ctl, _ := newTestController(t, "B")
	ctl.Start("alice")

	require.Equal(t, "alice@B", ctl.SelfUser())
	require.True(t, ctl.groups.IsMember("all", "alice@B"))
	require.True(t, ctl.users.Has("alice@B"))
}

func TestHandleOutgoingToUser(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")

	err := ctl.HandleOutgoing("bob@B", "MSG @bob@B hi", 0)
	require.NoError(t, err)
	require.Len(t, mgr.calls, 1)
	require.Contains(t, mgr.calls[0].dests, "B")
	require.NotContains(t, mgr.calls[0].dests, "A")
}

func TestHandleOutgoingStripsSelf(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")
	// "all" contains only alice@A right now (self); sending to it must be
	// a silent no-op once self is stripped.
	err := ctl.HandleOutgoing("all", "MSG @all hi", 0)
	require.NoError(t, err)
	require.Empty(t, mgr.calls)
}

func TestHandleOutgoingUnknownGroup(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")
	err := ctl.HandleOutgoing("nosuchgroup", "MSG @nosuchgroup hi", 0)
	require.Error(t, err)
}

func TestCreateGroupBroadcastsToAll(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")
	// Seed a second @all member on peer B so the CRG broadcast has
	// somewhere to go.
	ctl.updateState(`{"users":{"bob@B":["all"]},"groups":{"all":["bob@B"]},"history":[]}`)

	err := ctl.CreateGroup("team")
	require.NoError(t, err)
	require.True(t, ctl.groups.Has("team"))
	require.True(t, ctl.groups.IsMember("team", "alice@A"))

	require.Len(t, mgr.calls, 1)
	call := mgr.calls[0]
	require.Contains(t, call.payload, headerCreateGroup)
	require.Contains(t, call.dests, "B")
}

func TestCreateGroupAlreadyExists(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")
	require.NoError(t, ctl.CreateGroup("team"))
	require.Error(t, ctl.CreateGroup("team"))
}

func TestJoinAndLeaveGroup(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")
	require.NoError(t, ctl.CreateGroup("team"))
	mgr.calls = nil

	// Simulate another peer's CRG delivery so alice can join a group she
	// did not create, then leave it.
	ctl.handleCreateGroupBCast(`{"group":"other","members":["bob@B"]}`)
	require.NoError(t, ctl.JoinGroup("other"))
	require.True(t, ctl.groups.IsMember("other", "alice@A"))

	require.NoError(t, ctl.LeaveGroup("other"))
	require.False(t, ctl.groups.IsMember("other", "alice@A"))
}

func TestLeaveAllIsRejected(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")
	require.Error(t, ctl.LeaveGroup("all"))
}

func TestDeliverDispatchesByHeader(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")

	var notices []string
	ctl.OnNotice = func(text string) { notices = append(notices, text) }

	ctl.Deliver("MSG @all hello there")
	require.Contains(t, notices, "hello there")

	ctl.Deliver(`DAT {"users":{"carol@C":["all"]},"groups":{"all":["carol@C"]},"history":[]}`)
	require.True(t, ctl.users.Has("carol@C"))

	ctl.Deliver(`CRG {"group":"eng","members":["carol@C"]}`)
	require.True(t, ctl.groups.Has("eng"))
}

func TestSnapshotOnConnectSendsUnicastDAT(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")

	ctl.SnapshotOnConnect("B")
	require.Len(t, mgr.calls, 1)
	require.Contains(t, mgr.calls[0].payload, headerSnapshot)
	require.Contains(t, mgr.calls[0].dests, "B")
}

func TestHandleCommandQuit(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")
	for _, cmd := range []string{"-q", "-quit", "-exit"} {
		require.ErrorIs(t, ctl.HandleCommand(cmd), ErrQuit)
	}
}

func TestHandleCommandHelp(t *testing.T) {
	ctl, _ := newTestController(t, "A")
	ctl.Start("alice")
	var notices []string
	ctl.OnNotice = func(text string) { notices = append(notices, text) }
	require.NoError(t, ctl.HandleCommand("-h"))
	require.Len(t, notices, 1)
}

func TestHandleCommandBroadcastsBareText(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")
	ctl.updateState(`{"users":{"bob@B":["all"]},"groups":{"all":["bob@B"]},"history":[]}`)

	require.NoError(t, ctl.HandleCommand("hello everyone"))
	require.Len(t, mgr.calls, 1)
	require.Contains(t, mgr.calls[0].payload, "hello everyone")
	require.Contains(t, mgr.calls[0].dests, "B")
}

func TestHandleCommandDelaySendsWithDuration(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")
	ctl.updateState(`{"users":{"bob@B":["all"]},"groups":{"all":["bob@B"]},"history":[]}`)

	require.NoError(t, ctl.HandleCommand("-delay 0.25 hello later"))
	require.Len(t, mgr.calls, 1)
	require.Equal(t, 250*time.Millisecond, mgr.calls[0].delay)
	require.Contains(t, mgr.calls[0].payload, "hello later")
}

func TestHandleCommandAddressedMessage(t *testing.T) {
	ctl, mgr := newTestController(t, "A")
	ctl.Start("alice")

	require.NoError(t, ctl.HandleCommand("@bob@B private hello"))
	require.Len(t, mgr.calls, 1)
	require.Contains(t, mgr.calls[0].dests, "B")
}
