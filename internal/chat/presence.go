package chat

import (
	"sort"
	"sync"
	"time"

	"adminchat/internal/metrics"
	"adminchat/internal/models"
)

// PresenceTracker keeps the online set and last-seen times. Mutations
// come from the event loop; reads may come from any goroutine.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceEntry
	now     func() time.Time
}

func NewPresenceTracker(now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		entries: make(map[string]models.PresenceEntry),
		now:     now,
	}
}

// OnSnapshot replaces the online set wholesale. Counterparts dropping out
// of the set are marked offline as of now.
func (t *PresenceTracker) OnSnapshot(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := t.now()
	online := make(map[string]bool, len(ids))
	for _, id := range ids {
		online[id] = true
	}

	for id, e := range t.entries {
		if e.Online && !online[id] {
			e.Online = false
			e.LastActiveAt = at
			t.entries[id] = e
		}
	}
	for id := range online {
		e := t.entries[id]
		e.CounterpartID = id
		e.Online = true
		t.entries[id] = e
	}

	t.publish()
}

// OnDelta applies one status change, last write wins. Going offline keeps
// the previous last-seen time when the event carries none.
func (t *PresenceTracker) OnDelta(id string, online bool, lastActive time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[id]
	e.CounterpartID = id
	e.Online = online
	switch {
	case !lastActive.IsZero():
		e.LastActiveAt = lastActive
	case !online && e.LastActiveAt.IsZero():
		e.LastActiveAt = t.now()
	}
	t.entries[id] = e

	t.publish()
}

func (t *PresenceTracker) publish() {
	n := 0
	for _, e := range t.entries {
		if e.Online {
			n++
		}
	}
	metrics.SetGauge("online_users", float64(n), nil, "Counterparts currently online")
}

func (t *PresenceTracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id].Online
}

func (t *PresenceTracker) Entry(id string) (models.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// Online returns the sorted ids of online counterparts
func (t *PresenceTracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if e.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns every known entry sorted by counterpart id
func (t *PresenceTracker) Snapshot() []models.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PresenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartID < out[j].CounterpartID })
	return out
}
