// Package causal implements the Kshemkalyani-Singhal optimal causal
// ordering protocol for a decentralised group chat: the manager keeps a
// local log of outstanding dependency information, a per-source
// received-count vector, and the send/receive rules that piggy-back only
// the necessary causal metadata on each message.
//
// Grounded on original_source/artefact/causal.py (the algorithm) and on
// the teacher's pkg/mcast/core/peer.go (goroutine-per-message worker
// model, mutex-guarded state, pluggable Logger).
package causal

import (
	"context"
	"sync"
	"time"

	"github.com/ks-chat/chatcore/pkg/envelope"
	"github.com/ks-chat/chatcore/pkg/logging"
)

// Sender hands an encoded envelope to the transport sink for a single
// destination peer. Implemented by pkg/roster.Roster.
type Sender interface {
	SendTo(peerID string, env *envelope.Envelope, delay time.Duration) error
}

// Deliverer is invoked once a message clears the delivery condition.
// Implemented by pkg/controller.Controller.
type Deliverer interface {
	Deliver(payload string)
}

// Manager is the Causal Order Manager (COM): one instance per peer,
// owning that peer's clock, SR vector, and local log.
type Manager struct {
	mu sync.Mutex

	j     string
	clock uint64
	sr    map[string]uint64
	// removed marks peers that have been delPeer'd; distinguishes "no SR
	// entry because the peer was removed" (dependency satisfied) from
	// "no SR entry because the peer was never added" (treat SR as 0),
	// per spec's two distinct UnknownPeer rules.
	removed map[string]bool
	log     map[Key]*Entry

	// notify implements the condition variable as the standard Go
	// broadcast idiom: closed and replaced on every state-advancing
	// operation. A blocked receive selects on this channel (and on its
	// context) instead of parking on a sync.Cond.
	notify chan struct{}

	deliverer Deliverer
	sender    Sender
	logger    logging.Logger

	stopping  bool
	malformed uint64

	// stallWarnAfter is the optional duration a blocked Receive waits
	// before logging a StalledDependency warning; it keeps waiting
	// regardless. Zero disables the warning.
	stallWarnAfter time.Duration
}

// NewManager constructs a Manager for peer ownID. LOG_j is seeded with
// (ownID, 0, ∅) and SR_j[ownID] = 0, per the data model's lifecycle rule.
func NewManager(ownID string, deliverer Deliverer, sender Sender, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		j:         ownID,
		sr:        map[string]uint64{ownID: 0},
		removed:   map[string]bool{},
		log:       map[Key]*Entry{},
		notify:    make(chan struct{}),
		deliverer: deliverer,
		sender:    sender,
		logger:    logger,
	}
	m.log[Key{ownID, 0}] = newEntry(ownID, 0, emptySet())
	return m
}

// broadcastLocked closes the current notify channel (waking everyone
// selecting on it) and installs a fresh one. Must be called with mu held.
func (m *Manager) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Send implements the KS SEND rules. Dests must be non-empty and must not
// contain the manager's own id; a self-referencing element is stripped
// rather than rejected, and an empty Dests is a silent no-op.
func (m *Manager) Send(payload string, dests map[string]struct{}, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := cloneSet(dests)
	delete(targets, m.j)
	if len(targets) == 0 {
		m.logger.Debugf("send: empty destination set, no-op")
		return nil
	}

	// (1a)
	m.clock++
	seq := m.clock

	// (1b) build and send one piggy-back set per destination.
	for d := range targets {
		om := m.pruneForDest(d, targets)
		env := &envelope.Envelope{
			K:       m.j,
			TK:      seq,
			Payload: payload,
			Dests:   setMembers(targets),
			OM:      entriesToWire(om),
		}
		if err := m.sender.SendTo(d, env, delay); err != nil {
			// Transport send failure is surfaced by the transport layer;
			// the manager treats the send as completed (fire-and-forget),
			// per the spec's failure semantics.
			m.logger.Warnf("send to %s failed, treating as fire-and-forget: %v", d, err)
		}
	}

	// (1c) S-shrink-log: LOG_j no longer needs to carry dependency
	// information transitively covered by this send's Dests.
	for _, l := range m.log {
		l.Dests = destsMinus(l.Dests, targets)
	}
	m.purgeNullLocked()

	// (1d)
	m.log[Key{m.j, seq}] = newEntry(m.j, seq, cloneSet(targets))

	m.broadcastLocked()
	return nil
}

// pruneForDest builds the per-destination piggy-back set: a deep copy of
// LOG_j with rule S-prune-d applied for destination d, followed by
// S-drop-stale.
func (m *Manager) pruneForDest(d string, dests map[string]struct{}) map[Key]*Entry {
	om := m.cloneLogLocked()
	for _, o := range om {
		if _, in := o.Dests[d]; !in {
			o.Dests = destsMinus(o.Dests, dests)
		} else {
			o.Dests = destsUnionWith(destsMinus(o.Dests, dests), d)
		}
	}
	for k, o := range om {
		if o.destsIsEmpty() && newerEntryExists(o.Origin, o.Seq, om) {
			delete(om, k)
		}
	}
	return om
}

func (m *Manager) cloneLogLocked() map[Key]*Entry {
	out := make(map[Key]*Entry, len(m.log))
	for k, e := range m.log {
		out[k] = e.clone()
	}
	return out
}

// newerEntryExists reports whether some entry in set has the same origin
// as s and a strictly larger seq than seq.
func newerEntryExists(origin string, seq uint64, set map[Key]*Entry) bool {
	for _, x := range set {
		if x.Origin == origin && x.Seq > seq {
			return true
		}
	}
	return false
}

func (m *Manager) purgeNullLocked() {
	for k, e := range m.log {
		if e.destsIsEmpty() && newerEntryExists(e.Origin, e.Seq, m.log) {
			delete(m.log, k)
		}
	}
}

// Receive decodes frame and runs the KS RECEIVE rules, blocking until the
// delivery condition is satisfied. The caller (normally the roster,
// spawning one goroutine per inbound envelope, per the concurrency
// model) is expected to run this on its own goroutine since it can
// block.
func (m *Manager) Receive(ctx context.Context, frame []byte) error {
	env, err := envelope.Decode(frame)
	if err != nil {
		m.mu.Lock()
		m.malformed++
		m.mu.Unlock()
		m.logger.Warnf("dropping malformed envelope: %v", err)
		return err
	}
	return m.receiveEnvelope(ctx, env)
}

// SetStallWarnAfter sets the duration a blocked Receive waits before
// logging a StalledDependency warning (spec §7); the receive keeps
// waiting afterward regardless. Zero disables the warning. Safe to call
// at any point in the manager's lifetime.
func (m *Manager) SetStallWarnAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallWarnAfter = d
}

// MalformedCount returns the number of envelopes dropped for being
// malformed since construction. Exposed instead of a full metrics
// endpoint, per the decision recorded in DESIGN.md.
func (m *Manager) MalformedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.malformed
}

func (m *Manager) receiveEnvelope(ctx context.Context, env *envelope.Envelope) error {
	om := wireToEntries(env.OM)

	m.mu.Lock()
	for {
		if m.stopping {
			m.mu.Unlock()
			return ErrStopped
		}
		waitCh, ok := m.unmetDependencyLocked(om)
		if !ok {
			break
		}
		stallAfter := m.stallWarnAfter
		m.mu.Unlock()
		if stallAfter <= 0 {
			select {
			case <-waitCh:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			timer := time.NewTimer(stallAfter)
			select {
			case <-waitCh:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				m.logger.Warnf("receive from %s blocked on an unmet dependency for over %s", env.K, stallAfter)
			}
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	// (2b) Deliver M outside the lock: Deliver runs application code
	// (pkg/controller's header dispatch), and a JNG/CRG/LVG delivery
	// calls back into Send for its ack/broadcast on this same goroutine.
	// sync.Mutex is not reentrant, so m.mu must not be held here or that
	// callback deadlocks against the Lock at the top of Send.
	m.deliverer.Deliver(env.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Update SR_j now that delivery has happened. Another receive for
	// the same origin could only have unblocked past this point once
	// broadcastLocked below runs, so this still delivers in dependency
	// order despite the unlocked gap around Deliver.
	m.sr[env.K] = env.TK
	delete(m.removed, env.K)

	// (2c) incorporate this receive's own (k, t_k, Dests_m) entry, then
	// strip j from every entry's Dests since j has now delivered.
	om[Key{env.K, env.TK}] = newEntry(env.K, env.TK, newSet(env.Dests...))
	for _, o := range om {
		delete(o.Dests, m.j)
	}

	// (2d)/(2e) merge O_M into LOG_j, then purge stale null entries.
	m.mergeLocked(om)
	m.purgeNullLocked()

	m.broadcastLocked()
	return nil
}

// unmetDependencyLocked reports whether om still has a dependency on j
// that is not yet satisfied, returning the current notify channel to
// select on if so. Must be called with mu held; it is re-evaluated after
// every wakeup.
func (m *Manager) unmetDependencyLocked(om map[Key]*Entry) (chan struct{}, bool) {
	for _, o := range om {
		if _, needsJ := o.Dests[m.j]; !needsJ {
			continue
		}
		if m.removed[o.Origin] {
			// The dependency's origin was removed by delPeer; treat the
			// dependency as satisfied.
			continue
		}
		sr, known := m.sr[o.Origin]
		if !known {
			sr = 0 // UnknownPeer: treat as 0 (peer joined mid-stream).
		}
		if o.Seq > sr {
			return m.notify, true
		}
	}
	return nil, false
}

// mergeLocked implements R-merge and R-shrink: it eliminates redundant
// entries between om and LOG_j, absorbs shared information into LOG_j,
// and unions whatever remains of om into LOG_j (existing LOG_j entries
// win on identity collision).
func (m *Manager) mergeLocked(om map[Key]*Entry) {
	removeFromOM := map[Key]bool{}
	removeFromLog := map[Key]bool{}
	for ok, o := range om {
		for lk, l := range m.log {
			if o.Origin != l.Origin {
				continue
			}
			if o.Seq < l.Seq {
				if _, present := m.log[Key{o.Origin, o.Seq}]; !present {
					removeFromOM[ok] = true
				}
			}
			if l.Seq < o.Seq {
				if _, present := om[Key{l.Origin, l.Seq}]; !present {
					removeFromLog[lk] = true
				}
			}
		}
	}
	for k := range removeFromOM {
		delete(om, k)
	}
	for k := range removeFromLog {
		delete(m.log, k)
	}

	for _, l := range m.log {
		if o, ok := om[l.key()]; ok {
			l.Dests = destsIntersect(l.Dests, o.Dests)
			delete(om, l.key())
		}
	}

	for k, o := range om {
		if _, exists := m.log[k]; !exists {
			m.log[k] = o
		}
	}
}

// AddPeer includes peer p for causal-order tracking. Idempotent: calling
// it twice in a row has the same effect as once.
func (m *Manager) AddPeer(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sr[p] = 0
	delete(m.removed, p)
	if _, exists := m.log[Key{p, 0}]; !exists {
		m.log[Key{p, 0}] = newEntry(p, 0, emptySet())
	}
	m.broadcastLocked()
}

// DelPeer removes p from causal-order tracking. Any receive blocked on
// p's SR entry unblocks and treats that dependency as satisfied.
//
// This deliberately diverges from original_source/artefact/causal.py's
// delPeer, which discards every entry whose Dests merely contains p
// (erasing dependency information still relevant to other peers). Per
// the REDESIGN note in spec.md §9, we instead strip p from every entry's
// Dests and purge-null, only discarding entries whose Origin is p.
func (m *Manager) DelPeer(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sr, p)
	m.removed[p] = true

	for k, e := range m.log {
		if e.Origin == p {
			delete(m.log, k)
			continue
		}
		delete(e.Dests, p)
	}
	if _, ok := m.log[Key{m.j, 0}]; !ok {
		m.log[Key{m.j, 0}] = newEntry(m.j, 0, emptySet())
	}
	m.purgeNullLocked()
	m.broadcastLocked()
}

// Stop marks the manager as stopping and wakes every blocked receive,
// which return ErrStopped instead of delivering.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return
	}
	m.stopping = true
	m.broadcastLocked()
}

// Clock returns the manager's current logical clock value.
func (m *Manager) Clock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// Delivered returns SR_j[k], the highest sequence from peer k that this
// manager has delivered. Unknown peers report 0.
func (m *Manager) Delivered(k string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sr[k]
}

// LogSize returns the number of entries currently held in LOG_j. Exposed
// for tests asserting invariant (I1)/(I2)-shaped behaviour.
func (m *Manager) LogSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

func entriesToWire(om map[Key]*Entry) []envelope.CausalEntry {
	out := make([]envelope.CausalEntry, 0, len(om))
	for _, e := range om {
		out = append(out, envelope.CausalEntry{
			Origin: e.Origin,
			Seq:    e.Seq,
			Dests:  setMembers(e.Dests),
		})
	}
	return out
}

func wireToEntries(wire []envelope.CausalEntry) map[Key]*Entry {
	out := make(map[Key]*Entry, len(wire))
	for _, w := range wire {
		out[Key{w.Origin, w.Seq}] = newEntry(w.Origin, w.Seq, newSet(w.Dests...))
	}
	return out
}
