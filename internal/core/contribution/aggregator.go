package contribution

import (
	"sort"
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/presence"
)

// carryEntry is a balance rolled into a later period from an expired or
// partially failed one.
type carryEntry struct {
	amountSats int64
	from       hive.PeriodID
}

// Aggregator assembles per-period contribution snapshots. Capacity and
// self-reported metrics come from gossip, fees/forwards for the local member
// come from the revenue ledger, and uptime comes from the presence tracker
// through one code path for every member.
type Aggregator struct {
	mu sync.Mutex

	presence *presence.Tracker
	revenue  *RevenueLedger
	fleet    *FleetState
	localID  hive.PeerID

	// carries holds additive carry-forward balances per target period.
	carries map[hive.PeriodID]map[hive.PeerID]carryEntry
}

// NewAggregator wires the aggregator's inputs.
func NewAggregator(p *presence.Tracker, r *RevenueLedger, f *FleetState, local hive.PeerID) *Aggregator {
	return &Aggregator{
		presence: p,
		revenue:  r,
		fleet:    f,
		localID:  local,
		carries:  make(map[hive.PeriodID]map[hive.PeerID]carryEntry),
	}
}

// AddCarryForward registers a balance from a prior period as an additive
// input to the target period's snapshot. Every carry is traceable to the
// period it originated in.
func (a *Aggregator) AddCarryForward(target hive.PeriodID, member hive.PeerID, amountSats int64, from hive.PeriodID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.carries[target]
	if !ok {
		m = make(map[hive.PeerID]carryEntry)
		a.carries[target] = m
	}
	e := m[member]
	e.amountSats += amountSats
	e.from = from
	m[member] = e
}

// CarryForwards returns the registered carries for a period.
func (a *Aggregator) CarryForwards(period hive.PeriodID) map[hive.PeerID]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[hive.PeerID]int64)
	for member, e := range a.carries[period] {
		out[member] = e.amountSats
	}
	return out
}

// Snapshot produces the frozen contribution records for a period window.
// Members missing a metric dimension contribute zero for that dimension
// rather than failing the snapshot.
func (a *Aggregator) Snapshot(period hive.PeriodID, start, end time.Time) map[hive.PeerID]hive.ContributionRecord {
	ids := make(map[hive.PeerID]struct{})
	for _, id := range a.fleet.Members() {
		ids[id] = struct{}{}
	}
	for _, id := range a.presence.Members() {
		ids[id] = struct{}{}
	}
	ids[a.localID] = struct{}{}

	a.mu.Lock()
	carries := a.carries[period]
	a.mu.Unlock()
	for member := range carries {
		ids[member] = struct{}{}
	}

	ordered := make([]hive.PeerID, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	records := make(map[hive.PeerID]hive.ContributionRecord, len(ordered))
	for _, id := range ordered {
		rec := hive.ContributionRecord{
			Period:    period,
			Member:    id,
			UptimePct: a.presence.UptimePct(id, start, end),
		}

		if m, ok := a.fleet.Get(id); ok {
			rec.CapacitySats = m.CapacitySats
			rec.FeesSats = m.FeesSats
			rec.ForwardsSats = m.ForwardsSats
		}

		// The local revenue ledger is authoritative for the local member,
		// regardless of what was (or was not) broadcast.
		if id == a.localID {
			rec.FeesSats, rec.ForwardsSats = a.revenue.Totals(period)
		}

		if c, ok := carries[id]; ok {
			rec.CarrySats = c.amountSats
			rec.CarryFrom = c.from
		}

		records[id] = rec
	}
	return records
}
