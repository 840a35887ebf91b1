package keeper

import (
	"sync"
	"time"
)

// Backoff parks keys that recently failed so the keeper does not hammer the
// same (basket, asset) every pass. It is safe for concurrent use.
type Backoff struct {
	mu    sync.Mutex
	until map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

func NewBackoff(ttl time.Duration) *Backoff {
	return &Backoff{
		until: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Park blocks key for the configured ttl.
func (b *Backoff) Park(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until[key] = b.now().Add(b.ttl)
}

// Parked reports whether key is still blocked.
func (b *Backoff) Parked(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[key]
	return ok && b.now().Before(until)
}

// Clear lifts the block on key.
func (b *Backoff) Clear(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.until, key)
}

// Cleanup drops expired entries.
func (b *Backoff) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, until := range b.until {
		if !now.Before(until) {
			delete(b.until, k)
		}
	}
}

func (b *Backoff) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.until)
}
