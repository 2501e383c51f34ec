package session

import (
	"sync"
	"time"

	"github.com/unixian97/openbmp/internal/bgp"
	"github.com/unixian97/openbmp/internal/bmp"
)

// key identifies a monitored session: the BMP sender plus the peer the
// routes were learned from. Loc-RIB instance peers carry an empty peer
// address, which is a valid key.
type key struct {
	router string
	peer   string
}

type family struct {
	afi  uint16
	safi uint8
}

type sessionState struct {
	addPath map[family]bool
	start   time.Time
}

// Registry tracks which sessions negotiated add-path encoding, learned
// from Peer Up messages in the stream. Each pipeline keeps its own
// instance: the two consumer groups progress through the topic at
// different offsets, and capability state must follow stream order.
type Registry struct {
	mu      sync.RWMutex
	assume  bool
	entries map[key]*sessionState
}

// NewRegistry returns an empty registry. With assumeAddPath set, every
// lookup reports add-path active regardless of negotiated state. That
// override exists for collectors that strip Peer Up messages from the
// feed.
func NewRegistry(assumeAddPath bool) *Registry {
	return &Registry{
		assume:  assumeAddPath,
		entries: make(map[key]*sessionState),
	}
}

// PeerUp records the negotiated add-path families for a session,
// replacing any state left over from a previous incarnation of the
// same router/peer pair. start becomes the session start marker used
// for End-of-RIB stale purges.
func (r *Registry) PeerUp(router, peer string, tuples []bmp.AddPathTuple, start time.Time) {
	s := &sessionState{addPath: make(map[family]bool, len(tuples)), start: start}
	for _, t := range tuples {
		s.addPath[family{afi: t.AFI, safi: t.SAFI}] = true
	}

	r.mu.Lock()
	r.entries[key{router: router, peer: peer}] = s
	r.mu.Unlock()
}

// PeerDown drops the state for one router/peer pair.
func (r *Registry) PeerDown(router, peer string) {
	r.mu.Lock()
	delete(r.entries, key{router: router, peer: peer})
	r.mu.Unlock()
}

// RouterDown drops every session belonging to a router. Called when
// the router's BMP feed sends Termination.
func (r *Registry) RouterDown(router string) {
	r.mu.Lock()
	for k := range r.entries {
		if k.router == router {
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()
}

// AddPathEnabled reports whether add-path encoding is active for an
// AFI/SAFI pair on the given session. Unknown sessions report false
// unless the assume override is on.
func (r *Registry) AddPathEnabled(router, peer string, afi uint16, safi uint8) bool {
	if r.assume {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.entries[key{router: router, peer: peer}]
	if !ok {
		return false
	}
	return s.addPath[family{afi: afi, safi: safi}]
}

// Lookup binds one session to an add-path lookup in the form the
// UPDATE decoder consumes.
func (r *Registry) Lookup(router, peer string) bgp.AddPathFunc {
	return func(afi uint16, safi uint8) bool {
		return r.AddPathEnabled(router, peer, afi, safi)
	}
}

// SessionStart returns the time the session's Peer Up was processed.
// The second return is false when no Peer Up has been seen, e.g. after
// joining the topic mid-stream.
func (r *Registry) SessionStart(router, peer string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.entries[key{router: router, peer: peer}]
	if !ok {
		return time.Time{}, false
	}
	return s.start, true
}
