// Package locks serializes all mutations touching one user's position on
// one symbol. The orchestrator and the stream reconciler share a registry,
// so an execution and a fill update never interleave.
package locks

import "sync"

// Registry hands out one mutex per (user, symbol) pair, created lazily and
// never reclaimed; the population is small (users x traded symbols).
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) get(userID, symbol string) *sync.Mutex {
	key := userID + "|" + symbol
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Lock acquires the pair's mutex and returns its unlock function.
func (r *Registry) Lock(userID, symbol string) func() {
	l := r.get(userID, symbol)
	l.Lock()
	return l.Unlock
}

// Len reports how many pair locks exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
