// Package controller implements the controller glue: it translates
// application-level operations (message broadcast, group create/join/
// leave, state snapshot) onto causally-ordered sends through a
// *causal.Manager, and implements causal.Deliverer to route delivered
// payloads back to application handlers by their 3-character header.
//
// Grounded on original_source/artefact/controller.py (the operations and
// their exact header vocabulary) and on the teacher's pkg/mcast/protocol.go
// Unity (the glue/dispatch layer shape: one struct owning shared state,
// translating requests into causally-ordered operations).
package controller

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ks-chat/chatcore/pkg/logging"
)

// Manager is the subset of *causal.Manager the controller needs. Kept
// narrow to avoid a compile-time dependency on the causal package's
// concrete type.
type Manager interface {
	Send(payload string, dests map[string]struct{}, delay time.Duration) error
}

const (
	headerMessage     = "MSG"
	headerSnapshot    = "DAT"
	headerCreateGroup = "CRG"
	headerJoinGroup   = "JNG"
	headerLeaveGroup  = "LVG"
	headerJoinAck     = "AJG"
)

// ErrQuit is returned by HandleCommand for the quit/exit family of
// commands, telling the caller's input loop to stop.
var ErrQuit = errors.New("controller: quit requested")

type snapshotPayload struct {
	Users   map[string][]string `json:"users"`
	Groups  map[string][]string `json:"groups"`
	History []string            `json:"history"`
}

type groupUpdatePayload struct {
	Group        string   `json:"group"`
	Members      []string `json:"members"`
	GroupHistory []string `json:"group_history"`
}

// Controller is the controller glue described in spec §4.E. One instance
// per peer; owns the peer/user/group tables and the per-group history.
type Controller struct {
	mu sync.Mutex

	selfID   string // this peer's network address, used as the causal manager's own id
	selfUser string // "name@selfID", set by Start once the user picks a name

	manager Manager
	logger  logging.Logger

	users      *UserTable
	groups     *GroupTable
	histories  map[string]*historyRing
	historyCap int

	// OnChatMessage, if set, is called with the plain text of every
	// delivered MSG, after it has been recorded into history. Lets a CLI
	// front end (out of scope here) render incoming chat without
	// depending on this package's internals.
	OnChatMessage func(text string)
	// OnNotice, if set, is called with user-facing status lines
	// ("X joined @all", "Error: group exists", …) in place of this
	// package printing to stdout directly.
	OnNotice func(text string)
}

// New constructs a Controller for the peer identified by selfID (its
// network address). Call BindManager once the causal.Manager that will
// deliver into this controller exists — the two must be constructed in
// sequence since each references the other.
func New(selfID string, historyCapacity int, logger logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	if historyCapacity <= 0 {
		historyCapacity = 10
	}
	c := &Controller{
		selfID:     selfID,
		logger:     logger,
		users:      NewUserTable(),
		groups:     NewGroupTable(),
		histories:  map[string]*historyRing{"all": newHistoryRing(historyCapacity)},
		historyCap: historyCapacity,
	}
	return c
}

// BindManager attaches the causal order manager this controller sends
// through. Must be called exactly once, before any outgoing operation.
func (c *Controller) BindManager(m Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manager = m
}

// Start finalizes setup once the local user has picked a display name,
// joining @all.
func (c *Controller) Start(userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfUser = fmt.Sprintf("%s@%s", userName, c.selfID)
	c.users.Add(c.selfUser, "all")
	c.groups.AddMember("all", c.selfUser)
	c.notice(fmt.Sprintf("%s joined @all", c.selfUser))
}

func (c *Controller) notice(text string) {
	if c.OnNotice != nil {
		c.OnNotice(text)
	}
}

// SelfUser returns this peer's "name@address" identity, set by Start.
func (c *Controller) SelfUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfUser
}

// HandleOutgoing resolves target (a "@user" mention or a bare group
// name) into a destination peer-id set, strips self, records the
// message locally, and sends it causally ordered. An empty resolved
// destination set is a silent no-op, per spec §4.E.
func (c *Controller) HandleOutgoing(target, payload string, delay time.Duration) error {
	c.mu.Lock()
	dests, err := c.resolveDestsLocked(target)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	delete(dests, c.selfID)
	if len(dests) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.recordMessageLocked(payload)
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		return errors.New("controller: manager not bound")
	}
	return manager.Send(payload, dests, delay)
}

// resolveDestsLocked turns a target into the set of peer ids (network
// addresses) to send to. A target containing "@" is a user identifier
// ("name@address"); anything else is a group name. Must be called with
// mu held.
func (c *Controller) resolveDestsLocked(target string) (map[string]struct{}, error) {
	target = strings.TrimPrefix(target, "@")
	if strings.Contains(target, "@") {
		addr, err := peerAddrOf(target)
		if err != nil {
			return nil, err
		}
		return map[string]struct{}{addr: {}}, nil
	}
	if !c.groups.Has(target) {
		return nil, errors.Errorf("no group named %s", target)
	}
	dests := map[string]struct{}{}
	for _, member := range c.groups.Members(target) {
		addr, err := peerAddrOf(member)
		if err != nil {
			continue
		}
		dests[addr] = struct{}{}
	}
	return dests, nil
}

// peerAddrOf extracts the network-address suffix from a "name@address"
// user identifier.
func peerAddrOf(user string) (string, error) {
	idx := strings.LastIndex(user, "@")
	if idx < 0 || idx == len(user)-1 {
		return "", errors.Errorf("malformed user identifier %q", user)
	}
	return user[idx+1:], nil
}

// Deliver implements causal.Deliverer. It is invoked by the causal order
// manager once delivery ordering is satisfied; the manager itself is
// header-agnostic, so all dispatch happens here.
func (c *Controller) Deliver(payload string) {
	c.mu.Lock()
	c.recordMessageLocked(payload)
	c.mu.Unlock()

	header, body := splitHeader(payload)
	switch header {
	case headerMessage:
		c.logger.Debugf("delivering MSG: %s", body)
		_, text, ok := parseAddressedBody(body)
		if !ok {
			text = body
		}
		if c.OnChatMessage != nil {
			c.OnChatMessage(text)
		}
		c.notice(text)
	case headerSnapshot:
		c.updateState(body)
	case headerCreateGroup:
		c.handleCreateGroupBCast(body)
	case headerJoinGroup:
		c.handleJoinGroupBCast(body)
	case headerLeaveGroup:
		c.handleLeaveGroupBCast(body)
	case headerJoinAck:
		c.handleJoinGroupAck(body)
	default:
		c.logger.Warnf("delivered payload with unknown header %q", header)
	}
}

func splitHeader(payload string) (header, body string) {
	if len(payload) < 4 {
		return payload, ""
	}
	return payload[0:3], payload[4:]
}

// parseAddressedBody splits a "@target text" MSG body into its target
// and plain text. ok is false if body has no "@target " prefix.
func parseAddressedBody(body string) (target, text string, ok bool) {
	if !strings.HasPrefix(body, "@") {
		return "", "", false
	}
	rest := body[1:]
	space := strings.IndexByte(rest, ' ')
	if space < 0 {
		return rest, "", true
	}
	return rest[:space], strings.TrimSpace(rest[space+1:]), true
}

// recordMessageLocked appends MSG payloads to the addressed group's
// history ring, if that group is one we track. Must be called with mu
// held.
func (c *Controller) recordMessageLocked(payload string) {
	header, body := splitHeader(payload)
	if header != headerMessage {
		return
	}
	target, _, ok := parseAddressedBody(body)
	if !ok {
		return
	}
	if ring, ok := c.histories[target]; ok {
		ring.Append(body)
	}
}

// SnapshotOnConnect issues a unicast DAT message to newPeer carrying the
// current user list, group list, and bounded @all history, per spec
// §4.E. Intended to be wired as a Roster's OnPeerConnected hook.
//
// The replayed history is best-effort (see historyRing's doc comment):
// it is not causally ordered against traffic the new peer receives
// afterward through the causal order manager.
func (c *Controller) SnapshotOnConnect(newPeer string) {
	c.mu.Lock()
	snap := snapshotPayload{
		Users:   c.users.Snapshot(),
		Groups:  c.groups.Snapshot(),
		History: c.histories["all"].Items(),
	}
	manager := c.manager
	c.mu.Unlock()

	body, err := json.Marshal(snap)
	if err != nil {
		c.logger.Errorf("marshal snapshot for %s: %v", newPeer, err)
		return
	}
	if manager == nil {
		c.logger.Warnf("snapshot for %s skipped: manager not bound", newPeer)
		return
	}
	msg := headerSnapshot + " " + string(body)
	if err := manager.Send(msg, map[string]struct{}{newPeer: {}}, 0); err != nil {
		c.logger.Errorf("sending snapshot to %s: %v", newPeer, err)
	}
}

// updateState merges a received DAT snapshot into the local users/groups/
// history tables, per controller.py's updateState.
func (c *Controller) updateState(body string) {
	var snap snapshotPayload
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		c.logger.Warnf("malformed DAT payload: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for user, groups := range snap.Users {
		if !c.users.Has(user) {
			c.users.Add(user, groups...)
			c.notice(fmt.Sprintf("%s joined @all", user))
		}
	}

	for group, members := range snap.Groups {
		switch {
		case !c.groups.Has(group):
			c.groups.Create(group, members...)
		case len(c.groups.Members(group)) == 0:
			// We already know of the group but have no members for it;
			// nothing useful to merge in that case.
		default:
			for _, member := range members {
				c.groups.AddMember(group, member)
			}
		}
	}

	all := c.histories["all"]
	for _, msg := range snap.History {
		if !all.Contains(msg) {
			all.Append(msg)
			c.notice(msg)
		}
	}
}

// ListUsers logs every known user.
func (c *Controller) ListUsers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice("Listing users")
	for _, user := range c.users.All() {
		c.notice(fmt.Sprintf("  - %s", user))
	}
}

// FindUser reports every known user whose name contains name.
func (c *Controller) FindUser(name string) {
	c.mu.Lock()
	matches := c.users.Find(name)
	c.mu.Unlock()
	c.notice(fmt.Sprintf("Searching for user: %s", name))
	if len(matches) == 0 {
		c.notice(fmt.Sprintf("    No user with %s found", name))
		return
	}
	for _, m := range matches {
		c.notice(fmt.Sprintf("  - %-32s%v", m[0], m[1]))
	}
}

// ListGroups logs every known group and its members.
func (c *Controller) ListGroups() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice("Listing groups")
	for group, members := range c.groups.Snapshot() {
		c.notice(fmt.Sprintf("  - %s: %v", group, members))
	}
}

// FindGroup reports every known group whose name contains name.
func (c *Controller) FindGroup(name string) {
	c.mu.Lock()
	matches := c.groups.Find(name)
	c.mu.Unlock()
	c.notice(fmt.Sprintf("Searching for group: %s", name))
	if len(matches) == 0 {
		c.notice(fmt.Sprintf("    No group with name %s found", name))
		return
	}
	for _, m := range matches {
		c.notice(fmt.Sprintf("  - %-32s%v", m[0], m[1]))
	}
}
