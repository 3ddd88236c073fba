package singleflight

import (
	"errors"
	"sync"
	"testing"
)

func TestJoinOrStartFirstCallerInitiates(t *testing.T) {
	g := New()

	if !g.JoinOrStart("k", func(error) {}) {
		t.Fatal("first caller should be the initiator")
	}
	if g.JoinOrStart("k", func(error) {}) {
		t.Fatal("second caller should join, not initiate")
	}
	if g.Pending("k") != 2 {
		t.Errorf("expected 2 pending waiters, got %d", g.Pending("k"))
	}
}

func TestCompleteAllDeliversInRegistrationOrder(t *testing.T) {
	g := New()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		g.JoinOrStart("k", func(err error) {
			order = append(order, i)
		})
	}

	g.CompleteAll("k", nil)

	if len(order) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("delivery out of order at position %d: got %d", i, got)
		}
	}
}

func TestCompleteAllSharesOneOutcome(t *testing.T) {
	g := New()
	boom := errors.New("boom")

	var mu sync.Mutex
	var outcomes []error
	var wg sync.WaitGroup
	var initiators int

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isInitiator := g.JoinOrStart("k", func(err error) {
				mu.Lock()
				outcomes = append(outcomes, err)
				mu.Unlock()
			})
			if isInitiator {
				mu.Lock()
				initiators++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if initiators != 1 {
		t.Fatalf("expected exactly 1 initiator, got %d", initiators)
	}

	g.CompleteAll("k", boom)

	if len(outcomes) != 8 {
		t.Fatalf("expected 8 outcomes, got %d", len(outcomes))
	}
	for _, err := range outcomes {
		if err != boom {
			t.Errorf("waiter observed %v, want %v", err, boom)
		}
	}
}

func TestCompleteAllClearsFlight(t *testing.T) {
	g := New()

	delivered := 0
	g.JoinOrStart("k", func(error) { delivered++ })
	g.CompleteAll("k", nil)

	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if g.Pending("k") != 0 {
		t.Fatalf("waiter list should be cleared, got %d pending", g.Pending("k"))
	}

	// A registration after completion belongs to a fresh flight.
	if !g.JoinOrStart("k", func(error) {}) {
		t.Fatal("caller after CompleteAll should initiate a new flight")
	}

	// The earlier callback is not part of the new flight.
	g.CompleteAll("k", nil)
	if delivered != 1 {
		t.Errorf("callback from previous flight invoked again, deliveries=%d", delivered)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	g := New()

	if !g.JoinOrStart("a", func(error) {}) {
		t.Fatal("first caller for key a should initiate")
	}
	if !g.JoinOrStart("b", func(error) {}) {
		t.Fatal("first caller for key b should initiate despite flight on a")
	}

	g.CompleteAll("a", nil)
	if g.Pending("b") != 1 {
		t.Errorf("completing key a must not clear key b, got %d pending", g.Pending("b"))
	}
}
