package paper

import (
	"context"
	"sync"
	"time"
)

// accountLocks serializes mutations per account. Entries are created lazily and dropped
// by CleanupIdle once nobody holds or waits on them.
type accountLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastSeen time.Time
}

func newAccountLocks() *accountLocks {
	return &accountLocks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until accountID is exclusively held and returns the release func.
func (l *accountLocks) Lock(accountID string) func() {
	l.mu.Lock()
	e, ok := l.entries[accountID]
	if !ok {
		e = &lockEntry{}
		l.entries[accountID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		e.lastSeen = time.Now()
		l.mu.Unlock()
	}
}

// Len returns how many account locks are currently tracked.
func (l *accountLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// CleanupIdle removes entries unused for longer than ttl.
func (l *accountLocks) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if e.refs == 0 && e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// run prunes idle entries until ctx is done.
func (l *accountLocks) run(ctx context.Context, every, ttl time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CleanupIdle(ttl)
		}
	}
}
