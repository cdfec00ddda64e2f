package causal

// Key identifies a causal entry by (origin, seq) alone, per the data
// model's identity rule: dests is not part of identity, so it may be
// narrowed or rewritten in place while the entry retains set membership.
type Key struct {
	Origin string
	Seq    uint64
}

// Entry is the causal-message entry e = (origin, seq, dests). It is held
// by the manager behind a map keyed on Key so that Dests can be mutated
// in place without the remove/re-insert dance a value-keyed set would
// require.
type Entry struct {
	Origin string
	Seq    uint64
	Dests  map[string]struct{}
}

func newEntry(origin string, seq uint64, dests map[string]struct{}) *Entry {
	return &Entry{Origin: origin, Seq: seq, Dests: dests}
}

func (e *Entry) key() Key {
	return Key{Origin: e.Origin, Seq: e.Seq}
}

func (e *Entry) destsIsEmpty() bool {
	return len(e.Dests) == 0
}

// clone returns an independent copy of e; mutating the clone's Dests
// never affects e's.
func (e *Entry) clone() *Entry {
	return &Entry{Origin: e.Origin, Seq: e.Seq, Dests: cloneSet(e.Dests)}
}

func emptySet() map[string]struct{} {
	return make(map[string]struct{})
}

func newSet(members ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// destsMinus returns a, but with every member of b removed. Pure: a and b
// are left untouched.
func destsMinus(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a))
	for k := range a {
		if _, in := b[k]; !in {
			out[k] = struct{}{}
		}
	}
	return out
}

// destsUnionWith returns a with x added. Pure: a is left untouched.
func destsUnionWith(a map[string]struct{}, x string) map[string]struct{} {
	out := cloneSet(a)
	out[x] = struct{}{}
	return out
}

// destsIntersect returns the intersection of a and b. Pure.
func destsIntersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, in := b[k]; in {
			out[k] = struct{}{}
		}
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, in := b[k]; !in {
			return false
		}
	}
	return true
}

// setMembers returns the members of s as a slice. Order is unspecified;
// the wire format treats destination sets as arrays with no ordering
// guarantee.
func setMembers(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
