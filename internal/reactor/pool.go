package reactor

import "github.com/nishisan-dev/vsocks/internal/reactor/readiness"

// DefaultPoolCapacity is the arena size used when no override is
// configured: enough concurrent relations for a single-core reactor to
// service without unbounded memory growth (spec.md §4, Component C).
const DefaultPoolCapacity = 256

// Pool is a fixed-capacity arena of Streams, addressed by index, with an
// insertion-order doubly-linked list over the allocated slots and a
// generation counter per slot guarding against stale StreamRefs (spec.md
// §9: replaces the original's raw cyclic pointers with an arena +
// generation scheme).
type Pool struct {
	slots []Stream
	head  *Stream
	tail  *Stream
	used  int
}

// NewPool allocates a Pool with the given capacity.
func NewPool(capacity int) *Pool {
	p := &Pool{slots: make([]Stream, capacity)}
	for i := range p.slots {
		p.slots[i].index = i
		p.slots[i].fd = -1
	}
	return p
}

// Cap reports the pool's total capacity.
func (p *Pool) Cap() int { return len(p.slots) }

// Len reports the number of currently allocated streams.
func (p *Pool) Len() int { return p.used }

// Acquire returns a free slot, force-evicting the oldest eligible stream
// first if the arena is full. Equivalent to AcquireExcluding(nil).
func (p *Pool) Acquire() (*Stream, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding returns a free slot, force-evicting under pressure,
// grounded on util.c:force_cleanup's two-pass scan, if the arena is full.
// Pass 1 evicts the oldest abandoned stream; pass 2, only reached if pass 1
// finds nothing, evicts the oldest non-listen stream regardless of level or
// abandoned state — this is what lets a new accept succeed by evicting the
// tail relation even when the pool holds nothing but active FORWARDING
// relations. excluding, when non-nil, is never evicted: the upstream-side
// half of a relation being set up passes its already-acquired client
// stream so the accept just made isn't undone by its own eviction.
// Returns ErrPoolExhausted if no slot is free and no stream is eligible.
func (p *Pool) AcquireExcluding(excluding *Stream) (*Stream, error) {
	if p.used >= len(p.slots) {
		victim := p.forceCleanup(excluding)
		if victim == nil {
			return nil, ErrPoolExhausted
		}
		p.evict(victim)
	}
	for i := range p.slots {
		if !p.slots[i].allocated {
			s := &p.slots[i]
			s.allocated = true
			s.abandoned = false
			p.linkTail(s)
			p.used++
			return s, nil
		}
	}
	return nil, ErrPoolExhausted
}

// forceCleanup picks an eviction victim under pool pressure, scanning
// oldest-to-tail first for an abandoned stream (pass 1), then, if none is
// abandoned, for any non-listen stream at all (pass 2).
func (p *Pool) forceCleanup(excluding *Stream) *Stream {
	if victim := p.oldestMatching(excluding, func(s *Stream) bool { return s.abandoned }); victim != nil {
		return victim
	}
	return p.oldestMatching(excluding, func(s *Stream) bool { return s.role != RoleListen })
}

// oldestMatching returns the head-most (oldest, by insertion order) stream
// satisfying match, skipping excluding, or nil if none qualifies.
func (p *Pool) oldestMatching(excluding *Stream, match func(*Stream) bool) *Stream {
	for s := p.head; s != nil; s = s.next {
		if s == excluding || !match(s) {
			continue
		}
		return s
	}
	return nil
}

// evict forces one stream out of the pool under pressure, grounded on
// util.c:remove_relation followed by remove_stream applied only to victim:
// both sides of victim's relation are marked abandoned, but only victim's
// slot is freed immediately, leaving its abandoned peer for the next sweep
// to close and reclaim.
func (p *Pool) evict(victim *Stream) {
	if victim.peer != nil {
		victim.peer.abandoned = true
	}
	p.Release(victim)
}

// Release returns a slot to the free list, bumping its generation so any
// outstanding StreamRef into it is invalidated.
func (p *Pool) Release(s *Stream) {
	if !s.allocated {
		return
	}
	p.unlink(s)
	s.generation++
	*s = Stream{index: s.index, generation: s.generation, fd: -1}
	p.used--
}

// MarkAbandoned flags a stream for reclamation without immediately freeing
// it: the next sweep closes and releases it, and until then it is the first
// choice for forced eviction under pressure (spec.md §6).
func (p *Pool) MarkAbandoned(s *Stream) { s.abandoned = true }

// Lookup resolves a StreamRef back to its Stream, returning false if the
// slot has since been reused (generation mismatch) or freed.
func (p *Pool) Lookup(ref StreamRef) (*Stream, bool) {
	if ref.Index < 0 || ref.Index >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[ref.Index]
	if !s.allocated || s.generation != ref.Generation {
		return nil, false
	}
	return s, true
}

// Each calls fn for every currently allocated stream, in insertion order.
// fn must not call Acquire or Release on p.
func (p *Pool) Each(fn func(*Stream)) {
	for s := p.head; s != nil; s = s.next {
		fn(s)
	}
}

// Pollables returns the currently allocated streams as readiness.Pollable
// values, for Backend.Build/Results.
func (p *Pool) Pollables() []readiness.Pollable {
	out := make([]readiness.Pollable, 0, p.used)
	for s := p.head; s != nil; s = s.next {
		out = append(out, s)
	}
	return out
}

func (p *Pool) linkTail(s *Stream) {
	s.prev = p.tail
	s.next = nil
	if p.tail != nil {
		p.tail.next = s
	} else {
		p.head = s
	}
	p.tail = s
}

func (p *Pool) unlink(s *Stream) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		p.tail = s.prev
	}
	s.prev = nil
	s.next = nil
}
