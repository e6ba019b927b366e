package contribution

import (
	"sync"
	"testing"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	windowStart = time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC) // Monday, 2026-W34
	windowEnd   = windowStart.AddDate(0, 0, 7)
	periodID    = hive.PeriodIDFor(windowStart)
)

type countingJournal struct {
	mu      sync.Mutex
	appends int
}

func (j *countingJournal) AppendRevenue(hive.PeriodID, int64, int64, time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appends++
	return nil
}

func TestFeeEventsPersistedOnEveryUpdate(t *testing.T) {
	j := &countingJournal{}
	ledger := NewRevenueLedger(j)

	// Low-traffic member: tiny fee events that would never clear a gossip
	// broadcast threshold still hit the journal every time.
	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.AddFeeEvent(1, 100, windowStart.Add(time.Duration(i)*time.Hour)))
	}
	assert.Equal(t, 5, j.appends)

	fees, forwards := ledger.Totals(periodID)
	assert.Equal(t, int64(5), fees)
	assert.Equal(t, int64(500), forwards)
}

func TestFeeEventClassifiedByEventTimestamp(t *testing.T) {
	ledger := NewRevenueLedger(nil)

	// One event just before the window boundary, one just after. Each must
	// land in the period of its own timestamp.
	require.NoError(t, ledger.AddFeeEvent(10, 0, windowStart.Add(-time.Second)))
	require.NoError(t, ledger.AddFeeEvent(20, 0, windowStart.Add(time.Second)))

	prevID := hive.PeriodIDFor(windowStart.Add(-time.Second))
	fees, _ := ledger.Totals(prevID)
	assert.Equal(t, int64(10), fees)

	fees, _ = ledger.Totals(periodID)
	assert.Equal(t, int64(20), fees)
}

func newTestAggregator() (*Aggregator, *RevenueLedger, *FleetState, *presence.Tracker) {
	tracker := presence.NewTracker("local", nil, windowStart)
	ledger := NewRevenueLedger(nil)
	fleet := NewFleetState()
	return NewAggregator(tracker, ledger, fleet, "local"), ledger, fleet, tracker
}

func TestSnapshotMergesLocalAndGossip(t *testing.T) {
	agg, ledger, fleet, tracker := newTestAggregator()

	fleet.Update("remote", RemoteMetrics{
		CapacitySats: 6_000_000, FeesSats: 400, ForwardsSats: 50_000, UpdatedAt: windowStart,
	})
	// Gossip also carries a (stale, throttled) report about the local node;
	// the revenue ledger must win.
	fleet.Update("local", RemoteMetrics{
		CapacitySats: 4_000_000, FeesSats: 0, ForwardsSats: 0, UpdatedAt: windowStart,
	})
	tracker.RecordTransition("remote", true, windowStart)
	require.NoError(t, ledger.AddFeeEvent(100, 100_000, windowStart.Add(time.Hour)))

	records := agg.Snapshot(periodID, windowStart, windowEnd)
	require.Len(t, records, 2)

	local := records["local"]
	assert.Equal(t, int64(100), local.FeesSats)
	assert.Equal(t, int64(100_000), local.ForwardsSats)
	assert.Equal(t, int64(4_000_000), local.CapacitySats)

	remote := records["remote"]
	assert.Equal(t, int64(400), remote.FeesSats)
	assert.InDelta(t, 100.0, remote.UptimePct, 0.001)
}

func TestSnapshotMissingDimensionsAreZero(t *testing.T) {
	agg, _, fleet, _ := newTestAggregator()

	// Member known only by gossip, never seen by the presence tracker.
	fleet.Update("quiet", RemoteMetrics{CapacitySats: 1_000_000, UpdatedAt: windowStart})

	records := agg.Snapshot(periodID, windowStart, windowEnd)
	rec, ok := records["quiet"]
	require.True(t, ok)
	assert.Zero(t, rec.UptimePct)
	assert.Zero(t, rec.FeesSats)
}

func TestCarryForwardInjection(t *testing.T) {
	agg, _, fleet, _ := newTestAggregator()
	fleet.Update("debtor", RemoteMetrics{CapacitySats: 1, UpdatedAt: windowStart})

	prev := hive.PeriodID("2026-W33")
	agg.AddCarryForward(periodID, "debtor", -150, prev)
	agg.AddCarryForward(periodID, "creditor", 150, prev)
	// Additive: a second carry for the same member accumulates.
	agg.AddCarryForward(periodID, "debtor", -50, prev)

	records := agg.Snapshot(periodID, windowStart, windowEnd)

	debtor := records["debtor"]
	assert.Equal(t, int64(-200), debtor.CarrySats)
	assert.Equal(t, prev, debtor.CarryFrom)

	// Carry target not otherwise known still appears in the snapshot.
	creditor, ok := records["creditor"]
	require.True(t, ok)
	assert.Equal(t, int64(150), creditor.CarrySats)
}

func TestStaleGossipIgnored(t *testing.T) {
	fleet := NewFleetState()
	fleet.Update("m", RemoteMetrics{FeesSats: 10, UpdatedAt: windowStart.Add(time.Hour)})
	fleet.Update("m", RemoteMetrics{FeesSats: 5, UpdatedAt: windowStart})

	m, ok := fleet.Get("m")
	require.True(t, ok)
	assert.Equal(t, int64(10), m.FeesSats)
}
