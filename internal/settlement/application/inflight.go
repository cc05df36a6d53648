package application

import "sync"

// InFlight is a keyed try-lock. A key held by one caller is reported busy to
// every other caller until released.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewInFlight constructs an empty set.
func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAcquire claims key and reports whether the claim succeeded.
func (f *InFlight) TryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// Release frees key.
func (f *InFlight) Release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

// Len returns the number of held keys.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
