package contribution

import (
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

// RemoteMetrics is the last self-reported metric set gossiped by a member.
type RemoteMetrics struct {
	CapacitySats int64
	FeesSats     int64
	ForwardsSats int64
	UpdatedAt    time.Time
}

// FleetState holds the gossip-derived view of every member's metrics.
// Updates arrive unordered and concurrently with settlement reads.
type FleetState struct {
	mu      sync.RWMutex
	members map[hive.PeerID]RemoteMetrics
}

// NewFleetState creates an empty fleet view.
func NewFleetState() *FleetState {
	return &FleetState{members: make(map[hive.PeerID]RemoteMetrics)}
}

// Update applies a gossiped metric report. Stale reports (older than the
// stored one) are ignored.
func (f *FleetState) Update(member hive.PeerID, m RemoteMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.members[member]; ok && m.UpdatedAt.Before(cur.UpdatedAt) {
		return
	}
	f.members[member] = m
}

// Get returns the stored metrics for a member.
func (f *FleetState) Get(member hive.PeerID) (RemoteMetrics, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.members[member]
	return m, ok
}

// Members returns all member ids currently known via gossip.
func (f *FleetState) Members() []hive.PeerID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]hive.PeerID, 0, len(f.members))
	for id := range f.members {
		out = append(out, id)
	}
	return out
}

// Remove drops a member after a confirmed fleet exit.
func (f *FleetState) Remove(member hive.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, member)
}
