package controller

import "strings"

// UserTable tracks, for each known user ("name@peer-id"), the groups they
// belong to. Grounded on controller.py's self.users (a
// defaultdict(list)). Not safe for concurrent use on its own; callers
// hold Controller.mu.
type UserTable struct {
	groups map[string][]string
}

// NewUserTable returns an empty table.
func NewUserTable() *UserTable {
	return &UserTable{groups: map[string][]string{}}
}

// Has reports whether user is known.
func (t *UserTable) Has(user string) bool {
	_, ok := t.groups[user]
	return ok
}

// Add registers user with the given initial groups (typically {"all"}).
// A no-op if user is already known.
func (t *UserTable) Add(user string, groups ...string) {
	if t.Has(user) {
		return
	}
	t.groups[user] = append([]string{}, groups...)
}

// Remove forgets user entirely.
func (t *UserTable) Remove(user string) {
	delete(t.groups, user)
}

// Groups returns user's group memberships.
func (t *UserTable) Groups(user string) []string {
	return append([]string{}, t.groups[user]...)
}

// AddGroup records that user is now a member of group, if not already.
func (t *UserTable) AddGroup(user, group string) {
	for _, g := range t.groups[user] {
		if g == group {
			return
		}
	}
	t.groups[user] = append(t.groups[user], group)
}

// RemoveGroup forgets that user is a member of group.
func (t *UserTable) RemoveGroup(user, group string) {
	members := t.groups[user]
	for i, g := range members {
		if g == group {
			t.groups[user] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// Find returns every (user, groups) pair whose user name contains
// substring.
func (t *UserTable) Find(substring string) [][2]interface{} {
	var matches [][2]interface{}
	for user, groups := range t.groups {
		if strings.Contains(user, substring) {
			matches = append(matches, [2]interface{}{user, append([]string{}, groups...)})
		}
	}
	return matches
}

// Snapshot returns a deep copy of the whole table, used to build the DAT
// state-snapshot payload.
func (t *UserTable) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.groups))
	for user, groups := range t.groups {
		out[user] = append([]string{}, groups...)
	}
	return out
}

// All returns every known user name.
func (t *UserTable) All() []string {
	out := make([]string, 0, len(t.groups))
	for user := range t.groups {
		out = append(out, user)
	}
	return out
}

// GroupTable tracks, for each group name, its member user names.
// Grounded on controller.py's self.groups.
type GroupTable struct {
	members map[string][]string
}

// NewGroupTable returns a table seeded only with the "all" group, the
// way Controller.Start seeds self.groups['all'] = [].
func NewGroupTable() *GroupTable {
	return &GroupTable{members: map[string][]string{"all": {}}}
}

// Has reports whether group exists.
func (t *GroupTable) Has(group string) bool {
	_, ok := t.members[group]
	return ok
}

// Members returns group's member list.
func (t *GroupTable) Members(group string) []string {
	return append([]string{}, t.members[group]...)
}

// Create registers a brand-new group with the given initial members.
func (t *GroupTable) Create(group string, members ...string) {
	t.members[group] = append([]string{}, members...)
}

// IsMember reports whether user belongs to group.
func (t *GroupTable) IsMember(group, user string) bool {
	for _, m := range t.members[group] {
		if m == user {
			return true
		}
	}
	return false
}

// AddMember appends user to group's member list if not already present.
func (t *GroupTable) AddMember(group, user string) {
	if t.IsMember(group, user) {
		return
	}
	t.members[group] = append(t.members[group], user)
}

// RemoveMember removes user from group's member list. If the group
// becomes empty it is deleted entirely (you may not leave @all, so this
// never fires for "all").
func (t *GroupTable) RemoveMember(group, user string) (deleted bool) {
	members := t.members[group]
	for i, m := range members {
		if m == user {
			t.members[group] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(t.members[group]) == 0 && group != "all" {
		delete(t.members, group)
		return true
	}
	return false
}

// Find returns every (group, members) pair whose name contains
// substring.
func (t *GroupTable) Find(substring string) [][2]interface{} {
	var matches [][2]interface{}
	for group, members := range t.members {
		if strings.Contains(group, substring) {
			matches = append(matches, [2]interface{}{group, append([]string{}, members...)})
		}
	}
	return matches
}

// Snapshot returns a deep copy of the whole table.
func (t *GroupTable) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.members))
	for group, members := range t.members {
		out[group] = append([]string{}, members...)
	}
	return out
}
