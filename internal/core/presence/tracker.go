// Package presence tracks online/offline intervals per hive member and
// derives uptime percentages over settlement windows. The local member is
// tracked through the same code path as remote members.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

// Journal receives append-only presence transitions for durability. A nil
// journal disables persistence (tests, dry runs).
type Journal interface {
	Append(member hive.PeerID, online bool, at time.Time) error
}

type transition struct {
	online bool
	at     time.Time
}

// Tracker maintains the presence log for all members including the local
// node. Writes are append-only and may proceed concurrently with settlement
// reads.
type Tracker struct {
	mu sync.RWMutex

	transitions map[hive.PeerID][]transition
	journal     Journal
	localID     hive.PeerID
}

// NewTracker creates a tracker and records the local member's startup as an
// implicit online transition, so local uptime is computed exactly like a
// remote member's instead of being special-cased to zero.
func NewTracker(local hive.PeerID, journal Journal, startedAt time.Time) *Tracker {
	t := &Tracker{
		transitions: make(map[hive.PeerID][]transition),
		journal:     journal,
		localID:     local,
	}
	t.RecordTransition(local, true, startedAt)
	return t
}

// LocalID returns the local member id the tracker was started with.
func (t *Tracker) LocalID() hive.PeerID { return t.localID }

// RecordTransition appends an online/offline transition for a member.
// Consecutive duplicates of the same state are collapsed.
func (t *Tracker) RecordTransition(member hive.PeerID, online bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.transitions[member]
	if n := len(log); n > 0 && log[n-1].online == online {
		return
	}
	t.transitions[member] = append(log, transition{online: online, at: at.UTC()})

	if t.journal != nil {
		// Journal failures must not block ingestion; the in-memory log
		// remains authoritative for the current process.
		_ = t.journal.Append(member, online, at.UTC())
	}
}

// EnsurePresence synthesizes a connection event for a member already
// believed connected that has no presence record yet, e.g. peers connected
// before this process started.
func (t *Tracker) EnsurePresence(member hive.PeerID, connected bool, at time.Time) {
	t.mu.RLock()
	_, known := t.transitions[member]
	t.mu.RUnlock()

	if known || !connected {
		return
	}
	t.RecordTransition(member, true, at)
}

// Known reports whether the member has any presence record.
func (t *Tracker) Known(member hive.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.transitions[member]
	return ok
}

// Members returns every member with a presence record.
func (t *Tracker) Members() []hive.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]hive.PeerID, 0, len(t.transitions))
	for id := range t.transitions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UptimePct integrates the member's online intervals over [start, end) and
// returns the percentage, clamped to [0,100]. A member with no presence
// record scores zero.
func (t *Tracker) UptimePct(member hive.PeerID, start, end time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start, end = start.UTC(), end.UTC()
	window := end.Sub(start)
	if window <= 0 {
		return 0
	}

	log := t.transitions[member]
	if len(log) == 0 {
		return 0
	}

	// State at window start is the state of the last transition at or
	// before it; offline if the log begins inside the window.
	online := false
	cursor := start
	idx := 0
	for i, tr := range log {
		if tr.at.After(start) {
			break
		}
		online = tr.online
		idx = i + 1
	}

	var total time.Duration
	for _, tr := range log[idx:] {
		if !tr.at.Before(end) {
			break
		}
		if online {
			total += tr.at.Sub(cursor)
		}
		online = tr.online
		cursor = tr.at
	}
	if online && cursor.Before(end) {
		total += end.Sub(cursor)
	}

	pct := float64(total) / float64(window) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
