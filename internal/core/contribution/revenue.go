// Package contribution merges gossip-derived fleet metrics with the locally
// authoritative revenue ledger into per-period contribution snapshots.
package contribution

import (
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

// RevenueJournal persists local fee events. Persistence happens on every
// update cycle: gossip broadcast throttling is a transport optimization and
// must never gate local durability.
type RevenueJournal interface {
	AppendRevenue(period hive.PeriodID, feesSats, forwardsSats int64, at time.Time) error
}

type periodTotals struct {
	feesSats     int64
	forwardsSats int64
}

// RevenueLedger is the locally authoritative record of fees earned and
// volume forwarded by this node, bucketed by settlement period.
type RevenueLedger struct {
	mu      sync.RWMutex
	totals  map[hive.PeriodID]periodTotals
	journal RevenueJournal
}

// NewRevenueLedger creates an empty ledger. journal may be nil.
func NewRevenueLedger(journal RevenueJournal) *RevenueLedger {
	return &RevenueLedger{
		totals:  make(map[hive.PeriodID]periodTotals),
		journal: journal,
	}
}

// AddFeeEvent records a routing fee event. The event is classified into the
// period containing its own timestamp, never the period's nominal start, so
// boundary events land in the right window.
func (r *RevenueLedger) AddFeeEvent(feesSats, forwardsSats int64, at time.Time) error {
	period := hive.PeriodIDFor(at)

	r.mu.Lock()
	t := r.totals[period]
	t.feesSats += feesSats
	t.forwardsSats += forwardsSats
	r.totals[period] = t
	r.mu.Unlock()

	if r.journal != nil {
		return r.journal.AppendRevenue(period, feesSats, forwardsSats, at.UTC())
	}
	return nil
}

// Totals returns the accumulated fees and forwards for a period.
func (r *RevenueLedger) Totals(period hive.PeriodID) (feesSats, forwardsSats int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.totals[period]
	return t.feesSats, t.forwardsSats
}

// Restore replays persisted revenue totals, used at startup.
func (r *RevenueLedger) Restore(period hive.PeriodID, feesSats, forwardsSats int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.totals[period]
	t.feesSats += feesSats
	t.forwardsSats += forwardsSats
	r.totals[period] = t
}
