package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Dedup remembers settled legs so a sell that already went through is never
// submitted twice within the TTL window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]dedupEntry
	ttl  time.Duration
	mu   sync.Mutex
}

type dedupEntry struct {
	at         time.Time
	settlement domain.Settlement
}

// NewDedup creates a Dedup that remembers a key for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]dedupEntry),
		ttl:  ttl,
	}
}

// Seen returns the settlement recorded for key if it is still inside the TTL
// window.
func (d *Dedup) Seen(key string) (domain.Settlement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.seen[key]
	if !ok || time.Since(e.at) >= d.ttl {
		return domain.Settlement{}, false
	}
	return e.settlement, true
}

// Mark records a successful settlement for key.
func (d *Dedup) Mark(key string, s domain.Settlement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = dedupEntry{at: time.Now(), settlement: s}
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, e := range d.seen {
		if now.Sub(e.at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len reports how many keys are remembered.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
