package reactor

import "testing"

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(4)
	if p.Cap() != 4 {
		t.Fatalf("expected capacity 4, got %d", p.Cap())
	}

	s1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected len 1, got %d", p.Len())
	}

	ref := s1.Ref()
	p.Release(s1)
	if p.Len() != 0 {
		t.Fatalf("expected len 0 after release, got %d", p.Len())
	}
	if _, ok := p.Lookup(ref); ok {
		t.Error("stale ref should not resolve after release")
	}
}

func TestPoolExhaustionWithoutAbandoned(t *testing.T) {
	p := NewPool(2)
	s1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	s2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	// Listen streams are never evicted, so neither pass finds a victim.
	s1.role = RoleListen
	s2.role = RoleListen
	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected ErrPoolExhausted, got nil")
	}
}

func TestPoolEvictsOldestAbandoned(t *testing.T) {
	p := NewPool(2)
	s1, _ := p.Acquire()
	_, _ = p.Acquire()
	p.MarkAbandoned(s1)

	if _, err := p.Acquire(); err != nil {
		t.Fatalf("Acquire after marking abandoned: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("expected len 2 (evict-then-acquire keeps capacity), got %d", p.Len())
	}
}

func TestPoolLookupGenerationMismatch(t *testing.T) {
	p := NewPool(1)
	s, _ := p.Acquire()
	ref := s.Ref()
	p.Release(s)
	s2, _ := p.Acquire()
	if s2.Ref() == ref {
		t.Fatal("reacquired slot should carry a bumped generation")
	}
	if _, ok := p.Lookup(ref); ok {
		t.Error("old ref must not resolve to the reused slot")
	}
	if got, ok := p.Lookup(s2.Ref()); !ok || got != s2 {
		t.Error("current ref must resolve to the reused slot")
	}
}

func TestPoolEachInsertionOrder(t *testing.T) {
	p := NewPool(3)
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	c, _ := p.Acquire()

	var order []*Stream
	p.Each(func(s *Stream) { order = append(order, s) })

	if len(order) != 3 || order[0] != a || order[1] != b || order[2] != c {
		t.Fatalf("expected insertion order [a b c], got %v", order)
	}
}
