package metrics

import (
	"sync"
	"time"
)

// SessionTracker records unique users and realtime session lengths.
// Process-wide state; constructed once in main and shared.
type SessionTracker struct {
	mu       sync.Mutex
	started  map[string]time.Time // connection id -> connect time
	userSeen map[string]struct{}
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		started:  make(map[string]time.Time),
		userSeen: make(map[string]struct{}),
	}
}

func (t *SessionTracker) OnConnected(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[connectionID] = time.Now()
}

func (t *SessionTracker) OnDisconnected(connectionID string) {
	t.mu.Lock()
	start, ok := t.started[connectionID]
	if ok {
		delete(t.started, connectionID)
	}
	t.mu.Unlock()
	if ok {
		UserSession.Observe(time.Since(start).Seconds())
	}
}

// TrackUserID counts each distinct user id once. Subsequent sightings
// of the same id are no-ops.
func (t *SessionTracker) TrackUserID(userID string) {
	t.mu.Lock()
	_, seen := t.userSeen[userID]
	if !seen {
		t.userSeen[userID] = struct{}{}
	}
	t.mu.Unlock()
	if !seen {
		Users.Inc()
	}
}
