package dispatch

import (
	"sync"
	"time"
)

// keyedLocks serializes turns per conversation key. Each key gets its
// own mutex so distinct conversations proceed in parallel while events
// for one conversation queue up in arrival order. Idle entries are
// evicted after a TTL so a long-running process does not accumulate a
// lock per conversation it has ever seen.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	ttl     time.Duration
	// lastSweep throttles opportunistic eviction.
	lastSweep time.Time
}

type lockEntry struct {
	ch       chan struct{} // capacity 1; holding the token means holding the lock
	refs     int           // holders + waiters; never evict while > 0
	lastUsed time.Time
}

func newKeyedLocks(ttl time.Duration) *keyedLocks {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &keyedLocks{
		entries: make(map[string]*lockEntry),
		ttl:     ttl,
	}
}

// acquire blocks until the lock for key is held and returns the
// release function.
func (l *keyedLocks) acquire(key string) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		l.entries[key] = e
	}
	e.refs++
	l.maybeSweepLocked()
	l.mu.Unlock()

	<-e.ch // take the token

	return func() {
		e.ch <- struct{}{} // return the token
		l.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		l.mu.Unlock()
	}
}

// maybeSweepLocked evicts idle entries at most once per TTL interval.
// Caller holds l.mu.
func (l *keyedLocks) maybeSweepLocked() {
	now := time.Now()
	if now.Sub(l.lastSweep) < l.ttl {
		return
	}
	l.lastSweep = now
	l.evictLocked(now)
}

// evictIdle removes all entries idle longer than the TTL. Entries with
// holders or waiters are never removed.
func (l *keyedLocks) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(time.Now())
}

func (l *keyedLocks) evictLocked(now time.Time) {
	for key, e := range l.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= l.ttl {
			delete(l.entries, key)
		}
	}
}

// size returns the number of tracked locks.
func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
