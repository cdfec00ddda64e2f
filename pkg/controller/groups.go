package controller

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// CreateGroup registers a brand-new group locally (with only the caller
// as member) and broadcasts a CRG announcement to @all so every other
// peer learns of it too. A no-op returning an error if the group already
// exists.
func (c *Controller) CreateGroup(group string) error {
	c.mu.Lock()
	if c.groups.Has(group) {
		c.mu.Unlock()
		return errors.Errorf("group %s already exists", group)
	}
	c.groups.Create(group, c.selfUser)
	c.users.AddGroup(c.selfUser, group)
	update := groupUpdatePayload{Group: group, Members: []string{c.selfUser}}
	c.mu.Unlock()

	c.notice(fmt.Sprintf("Created group %s", group))
	return c.broadcastGroupUpdate(headerCreateGroup, update)
}

// JoinGroup adds the caller to an existing group and broadcasts a JNG
// announcement so every member's table is updated, mirroring
// controller.py's joinGroup/sendJoinGroup pair.
func (c *Controller) JoinGroup(group string) error {
	c.mu.Lock()
	if !c.groups.Has(group) {
		c.mu.Unlock()
		return errors.Errorf("no group named %s", group)
	}
	if c.groups.IsMember(group, c.selfUser) {
		c.mu.Unlock()
		return errors.Errorf("already a member of %s", group)
	}
	c.groups.AddMember(group, c.selfUser)
	c.users.AddGroup(c.selfUser, group)
	history := c.groupHistoryLocked(group)
	update := groupUpdatePayload{Group: group, Members: c.groups.Members(group), GroupHistory: history}
	c.mu.Unlock()

	c.notice(fmt.Sprintf("Joined group %s", group))
	return c.broadcastGroupUpdate(headerJoinGroup, update)
}

// LeaveGroup removes the caller from group and broadcasts an LVG
// announcement. Leaving "all" is not permitted, matching spec §4.E and
// GroupTable.RemoveMember's refusal to ever delete "all".
func (c *Controller) LeaveGroup(group string) error {
	if group == "all" {
		return errors.New("cannot leave group all")
	}
	c.mu.Lock()
	if !c.groups.IsMember(group, c.selfUser) {
		c.mu.Unlock()
		return errors.Errorf("not a member of %s", group)
	}
	c.groups.RemoveMember(group, c.selfUser)
	c.users.RemoveGroup(c.selfUser, group)
	update := groupUpdatePayload{Group: group, Members: []string{c.selfUser}}
	c.mu.Unlock()

	c.notice(fmt.Sprintf("Left group %s", group))
	return c.broadcastGroupUpdate(headerLeaveGroup, update)
}

func (c *Controller) groupHistoryLocked(group string) []string {
	ring, ok := c.histories[group]
	if !ok {
		return nil
	}
	return ring.Items()
}

// broadcastGroupUpdate sends a group-lifecycle announcement to @all,
// causally ordered like any other payload.
func (c *Controller) broadcastGroupUpdate(header string, update groupUpdatePayload) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dests, derr := c.resolveDestsLocked("all")
	manager := c.manager
	c.mu.Unlock()
	if derr != nil {
		return derr
	}
	delete(dests, c.selfID)
	if len(dests) == 0 || manager == nil {
		return nil
	}
	return manager.Send(header+" "+string(body), dests, 0)
}

// handleCreateGroupBCast applies a CRG announcement delivered from
// another peer: if we don't yet know the group, adopt it verbatim.
func (c *Controller) handleCreateGroupBCast(body string) {
	update, ok := c.decodeGroupUpdate(body)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.groups.Has(update.Group) {
		c.groups.Create(update.Group, update.Members...)
		for _, m := range update.Members {
			c.users.AddGroup(m, update.Group)
		}
	}
	c.mu.Unlock()
	c.notice(fmt.Sprintf("Group %s created", update.Group))
}

// handleJoinGroupBCast applies a JNG announcement: merges the new
// member into our copy of the group and adopts any group history we
// don't already have, then acks back so the joiner's view converges
// with ours (mirrors controller.py's join/ack round trip).
func (c *Controller) handleJoinGroupBCast(body string) {
	update, ok := c.decodeGroupUpdate(body)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.groups.Has(update.Group) {
		c.groups.Create(update.Group)
	}
	for _, m := range update.Members {
		c.groups.AddMember(update.Group, m)
		c.users.AddGroup(m, update.Group)
	}
	ring, ok := c.histories[update.Group]
	if !ok {
		ring = newHistoryRing(c.historyCap)
		c.histories[update.Group] = ring
	}
	for _, msg := range update.GroupHistory {
		if !ring.Contains(msg) {
			ring.Append(msg)
		}
	}
	ack := groupUpdatePayload{Group: update.Group, Members: c.groups.Members(update.Group), GroupHistory: ring.Items()}
	selfIsMember := c.groups.IsMember(update.Group, c.selfUser)
	c.mu.Unlock()

	for _, m := range update.Members {
		c.notice(fmt.Sprintf("%s joined group %s", m, update.Group))
	}
	// Only ack if we are ourselves a member of the group (controller.py's
	// handleJoinGroupBCast: "if self.user_name in self.groups[group]").
	// A peer that merely learns of someone else's join has nothing
	// converged to offer back.
	if selfIsMember {
		_ = c.broadcastGroupUpdate(headerJoinAck, ack)
	}
}

// handleJoinGroupAck applies the converged-state ack a joiner receives
// back after handleJoinGroupBCast runs on its peers.
func (c *Controller) handleJoinGroupAck(body string) {
	update, ok := c.decodeGroupUpdate(body)
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.groups.Has(update.Group) {
		c.groups.Create(update.Group)
	}
	for _, m := range update.Members {
		c.groups.AddMember(update.Group, m)
		c.users.AddGroup(m, update.Group)
	}
	ring, ok := c.histories[update.Group]
	if !ok {
		ring = newHistoryRing(c.historyCap)
		c.histories[update.Group] = ring
	}
	for _, msg := range update.GroupHistory {
		if !ring.Contains(msg) {
			ring.Append(msg)
		}
	}
	c.mu.Unlock()
}

// handleLeaveGroupBCast applies an LVG announcement from another peer.
func (c *Controller) handleLeaveGroupBCast(body string) {
	update, ok := c.decodeGroupUpdate(body)
	if !ok {
		return
	}
	c.mu.Lock()
	for _, m := range update.Members {
		c.groups.RemoveMember(update.Group, m)
		c.users.RemoveGroup(m, update.Group)
	}
	c.mu.Unlock()
	for _, m := range update.Members {
		c.notice(fmt.Sprintf("%s left group %s", m, update.Group))
	}
}

func (c *Controller) decodeGroupUpdate(body string) (groupUpdatePayload, bool) {
	var update groupUpdatePayload
	if err := json.Unmarshal([]byte(body), &update); err != nil {
		c.logger.Warnf("malformed group-update payload: %v", err)
		return groupUpdatePayload{}, false
	}
	return update, true
}
