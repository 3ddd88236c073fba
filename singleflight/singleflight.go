package singleflight

import "sync"

// Callback receives the terminal outcome of a start attempt. A nil error
// means the attempt succeeded.
type Callback func(err error)

// Group deduplicates concurrent start attempts by key. The first caller to
// register for a key becomes the initiator and is expected to perform the
// work and eventually call CompleteAll; everyone else joins the in-flight
// attempt and shares its outcome.
type Group struct {
	mu      sync.Mutex
	waiters map[string][]Callback
}

// New creates an empty Group.
func New() *Group {
	return &Group{waiters: make(map[string][]Callback)}
}

// JoinOrStart registers cb for key. It returns true if no attempt was in
// flight, in which case cb is the sole waiter and the caller must perform the
// work and later call CompleteAll. Otherwise cb is appended to the waiter
// list for the in-flight attempt and false is returned.
func (g *Group) JoinOrStart(key string, cb Callback) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.waiters[key]; ok {
		g.waiters[key] = append(existing, cb)
		return false
	}
	g.waiters[key] = []Callback{cb}
	return true
}

// CompleteAll invokes every callback registered for key exactly once, in
// registration order, with the same err value, then clears the waiter list.
// Callbacks registered after CompleteAll has taken the list belong to the
// next flight and are not included.
func (g *Group) CompleteAll(key string, err error) {
	g.mu.Lock()
	list := g.waiters[key]
	delete(g.waiters, key)
	g.mu.Unlock()

	for _, cb := range list {
		cb(err)
	}
}

// Pending returns the number of waiters currently registered for key.
func (g *Group) Pending(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters[key])
}
