package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveroute/hived/internal/core/contribution"
	"github.com/hiveroute/hived/internal/core/credit"
	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/presence"
	"github.com/hiveroute/hived/internal/crypto"
	"github.com/hiveroute/hived/internal/payment"
	"github.com/hiveroute/hived/internal/storage"
)

var (
	windowStart = time.Date(2026, time.August, 17, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.AddDate(0, 0, 7)
	periodID    = hive.PeriodIDFor(windowStart)
)

type harness struct {
	orch     *Orchestrator
	agg      *contribution.Aggregator
	registry *payment.OfferRegistry
	collab   *payment.FakeCollaborator
	revenue  *contribution.RevenueLedger
	credit   *credit.Manager
	keys     map[hive.PeerID][2]string // priv, pub
}

// newHarness builds a three-member fleet where the local member A earned all
// the fees while B did all the forwarding, so A ends up the sole payer with
// legs to both B and C.
func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith is newHarness with a custom payment rail; rail nil wires
// the registry-backed fake.
func newHarnessWith(t *testing.T, cfg Config, rail payment.Collaborator) *harness {
	t.Helper()

	store, err := storage.NewStore(storage.NewMemoryDB())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tracker := presence.NewTracker("A", nil, windowStart)
	tracker.RecordTransition("B", true, windowStart)
	tracker.RecordTransition("C", true, windowStart)

	revenue := contribution.NewRevenueLedger(nil)
	require.NoError(t, revenue.AddFeeEvent(600, 0, windowStart.Add(time.Hour)))

	fleet := contribution.NewFleetState()
	fleet.Update("A", contribution.RemoteMetrics{CapacitySats: 1_000_000, UpdatedAt: windowStart})
	fleet.Update("B", contribution.RemoteMetrics{CapacitySats: 1_000_000, ForwardsSats: 200_000, UpdatedAt: windowStart})
	fleet.Update("C", contribution.RemoteMetrics{CapacitySats: 1_000_000, UpdatedAt: windowStart})

	agg := contribution.NewAggregator(tracker, revenue, fleet, "A")

	cm := credit.NewManager(180, 48*time.Hour, nil)
	for _, id := range []hive.PeerID{"A", "B", "C"} {
		cm.UpsertMember(hive.Member{PeerID: id})
	}

	registry := payment.NewOfferRegistry()
	collab := payment.NewFakeCollaborator(registry)
	if rail == nil {
		rail = collab
	}
	exec := NewExecutor(rail, "A", time.Second)

	keys := make(map[hive.PeerID][2]string)
	provider := crypto.ProviderFor(crypto.ED25519)
	for _, id := range []hive.PeerID{"A", "B", "C"} {
		priv, pub, err := provider.GenerateKeypair([]byte("seed-" + id))
		require.NoError(t, err)
		keys[id] = [2]string{priv, pub}
	}

	return &harness{
		orch:     NewOrchestrator(store, agg, exec, cm, cfg),
		agg:      agg,
		registry: registry,
		collab:   collab,
		revenue:  revenue,
		credit:   cm,
		keys:     keys,
	}
}

func (h *harness) ack(t *testing.T, id hive.PeerID, at time.Time) *hive.SettlementPeriod {
	t.Helper()
	provider := crypto.ProviderFor(crypto.ED25519)
	sig, err := provider.Sign(hive.AckSigningPayload(periodID, id), h.keys[id][0])
	require.NoError(t, err)
	p, err := h.orch.HandleAck(context.Background(), periodID, id, h.keys[id][1], sig, at)
	require.NoError(t, err)
	return p
}

func defaultConfig() Config {
	return Config{
		QuorumFraction:  0.51,
		QuorumWindow:    24 * time.Hour,
		DustFloorSats:   0,
		MaxCarryPeriods: 6,
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	h.registry.Register("B", "lno1-b", windowStart)
	h.registry.Register("C", "lno1-c", windowStart)

	p, err := h.orch.StartPeriod(ctx, windowStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.StatusCollecting, p.Status)
	assert.Equal(t, periodID, p.ID)

	// Starting again inside the same window returns the open period.
	again, err := h.orch.StartPeriod(ctx, windowStart.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	p, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusQuorumPending, p.Status)
	require.Len(t, p.Payments, 2)

	// A is the only payer; all its balance routes to B then C.
	var total int64
	for _, leg := range p.Payments {
		assert.Equal(t, hive.PeerID("A"), leg.From)
		total += leg.AmountSats
	}
	var sum int64
	for _, b := range p.Balances {
		sum += b.BalanceSats
	}
	assert.Zero(t, sum)

	// Two of three acks crosses the 51% quorum.
	p = h.ack(t, "A", windowEnd.Add(time.Hour))
	assert.Equal(t, hive.StatusQuorumPending, p.Status)
	p = h.ack(t, "B", windowEnd.Add(time.Hour))
	assert.Equal(t, hive.StatusReady, p.Status)
	assert.Equal(t, 2, p.AcksReceived)

	p, err = h.orch.Execute(ctx, periodID, false, windowEnd.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.StatusSettled, p.Status)
	for _, leg := range p.Payments {
		assert.Equal(t, hive.LegSettled, leg.Status)
		assert.NotEmpty(t, leg.ProofReference)
	}
	assert.Len(t, h.collab.Paid, 2)
	assert.Empty(t, p.CarriedInto)

	// Settled periods are immutable.
	_, err = h.orch.Execute(ctx, periodID, false, windowEnd.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrPeriodTerminal)
}

func TestMissingOfferFailsOnlyItsLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	// Only B published an offer; the leg to C cannot resolve.
	h.registry.Register("B", "lno1-b", windowStart)

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	h.ack(t, "A", windowEnd.Add(time.Hour))
	h.ack(t, "B", windowEnd.Add(time.Hour))

	p, err := h.orch.Execute(ctx, periodID, false, windowEnd.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.StatusSettled, p.Status)

	byPayee := make(map[hive.PeerID]hive.NettedPayment)
	var failedAmount int64
	for _, leg := range p.Payments {
		byPayee[leg.To] = leg
		if leg.Status == hive.LegFailed {
			failedAmount = leg.AmountSats
		}
	}
	assert.Equal(t, hive.LegSettled, byPayee["B"].Status)
	assert.Equal(t, hive.LegFailed, byPayee["C"].Status)
	assert.Contains(t, byPayee["C"].FailureReason, "no payment offer")

	// The failed leg carries both sides into the next window, balanced.
	next, err := hive.NextPeriod(periodID)
	require.NoError(t, err)
	assert.Equal(t, next, p.CarriedInto)

	carries := h.agg.CarryForwards(next)
	assert.Equal(t, -failedAmount, carries["A"])
	assert.Equal(t, failedAmount, carries["C"])
}

func TestQuorumExpiryCarriesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	p, err := h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)

	// One of three acks stays below the 51% quorum.
	p = h.ack(t, "B", windowEnd.Add(time.Hour))
	assert.Equal(t, hive.StatusQuorumPending, p.Status)

	// Not due yet.
	expired, err := h.orch.ExpireIfDue(ctx, periodID, windowEnd.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = h.orch.ExpireIfDue(ctx, periodID, windowEnd.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	p, err = h.orch.Period(ctx, periodID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusExpired, p.Status)

	next, err := hive.NextPeriod(periodID)
	require.NoError(t, err)
	assert.Equal(t, next, p.CarriedInto)

	// Every nonzero balance rolled forward; the carried set sums to zero.
	carries := h.agg.CarryForwards(next)
	var sum int64
	for _, amount := range carries {
		sum += amount
	}
	assert.Zero(t, sum)
	assert.Negative(t, carries["A"])

	// Execution against an expired period is rejected.
	_, err = h.orch.Execute(ctx, periodID, false, windowEnd.Add(26*time.Hour))
	assert.ErrorIs(t, err, ErrPeriodTerminal)
}

func TestAckValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)

	// Signature from the wrong key.
	provider := crypto.ProviderFor(crypto.ED25519)
	sig, err := provider.Sign(hive.AckSigningPayload(periodID, "B"), h.keys["C"][0])
	require.NoError(t, err)
	_, err = h.orch.HandleAck(ctx, periodID, "B", h.keys["B"][1], sig, windowEnd.Add(time.Hour))
	assert.ErrorIs(t, err, ErrBadSignature)

	// Peer outside the frozen member set.
	sig, err = provider.Sign(hive.AckSigningPayload(periodID, "Z"), h.keys["A"][0])
	require.NoError(t, err)
	_, err = h.orch.HandleAck(ctx, periodID, "Z", h.keys["A"][1], sig, windowEnd.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotEligible)

	// Valid ack after the deadline.
	sig, err = provider.Sign(hive.AckSigningPayload(periodID, "B"), h.keys["B"][0])
	require.NoError(t, err)
	_, err = h.orch.HandleAck(ctx, periodID, "B", h.keys["B"][1], sig, windowEnd.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrAckWindowClosed)
}

func TestExecuteRequiresReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, periodID, false, windowEnd)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestDryRunExecuteDoesNotPay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	h.registry.Register("B", "lno1-b", windowStart)
	h.registry.Register("C", "lno1-c", windowStart)

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)

	p, err := h.orch.Execute(ctx, periodID, true, windowEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.StatusQuorumPending, p.Status)
	assert.Empty(t, h.collab.Paid)

	stored, err := h.orch.Period(ctx, periodID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusQuorumPending, stored.Status)
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	h := newHarness(t, defaultConfig())

	balances, payments, err := h.orch.Preview(periodID)
	require.NoError(t, err)
	require.Len(t, balances, 3)
	assert.NotEmpty(t, payments)

	next, err := hive.NextPeriod(periodID)
	require.NoError(t, err)
	assert.Empty(t, h.agg.CarryForwards(next))
}

func TestFailedLegEscrowsExcessOverCreditLine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	// Raise total fees to 200,000 so A's failed leg to C is 40,000 sats,
	// well past the newcomer credit line.
	require.NoError(t, h.revenue.AddFeeEvent(199_400, 0, windowStart.Add(time.Hour)))
	h.registry.Register("B", "lno1-b", windowStart)

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	h.ack(t, "A", windowEnd.Add(time.Hour))
	h.ack(t, "B", windowEnd.Add(time.Hour))

	p, err := h.orch.Execute(ctx, periodID, false, windowEnd.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.StatusSettled, p.Status)

	line := credit.CreditLineSats(hive.TierNewcomer)
	var failedAmount int64
	for _, leg := range p.Payments {
		if leg.Status == hive.LegFailed {
			failedAmount = leg.AmountSats
		}
	}
	require.Greater(t, failedAmount, line)

	// The line's worth defers; the excess is escrowed immediately.
	member, ok := h.credit.Member("A")
	require.True(t, ok)
	assert.Equal(t, line, member.AccumulatedObligationSats)

	require.Len(t, h.collab.Escrowed, 1)
	assert.Equal(t, hive.PeerID("C"), h.collab.Escrowed[0].To)
	assert.Equal(t, failedAmount-line, h.collab.Escrowed[0].AmountSats)

	// The carried set is unchanged by escrow: both sides still roll forward.
	next, err := hive.NextPeriod(periodID)
	require.NoError(t, err)
	carries := h.agg.CarryForwards(next)
	assert.Equal(t, -failedAmount, carries["A"])
	assert.Equal(t, failedAmount, carries["C"])
}

func TestExpiryAppliesObligationsToCreditLines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	p, err := h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)

	var owed int64
	for _, leg := range p.Payments {
		require.Equal(t, hive.PeerID("A"), leg.From)
		owed += leg.AmountSats
	}

	expired, err := h.orch.ExpireIfDue(ctx, periodID, windowEnd.Add(25*time.Hour))
	require.NoError(t, err)
	require.True(t, expired)

	// A's deferred legs fit inside the newcomer line: recorded, no escrow.
	member, ok := h.credit.Member("A")
	require.True(t, ok)
	assert.Equal(t, owed, member.AccumulatedObligationSats)
	assert.Empty(t, h.collab.Escrowed)
}

func TestRepeatedFailureDoesNotDoubleCountObligation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	// No offers at all: both of A's legs fail and the full balance carries.
	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	h.ack(t, "A", windowEnd.Add(time.Hour))
	h.ack(t, "B", windowEnd.Add(time.Hour))
	_, err = h.orch.Execute(ctx, periodID, false, windowEnd.Add(2*time.Hour))
	require.NoError(t, err)

	member, _ := h.credit.Member("A")
	firstAccrual := member.AccumulatedObligationSats
	require.Positive(t, firstAccrual)

	// The next window re-nets the carry into fresh legs, which fail again.
	next, err := hive.NextPeriod(periodID)
	require.NoError(t, err)
	_, err = h.orch.StartPeriod(ctx, windowEnd.Add(time.Hour))
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, next, windowEnd.AddDate(0, 0, 7))
	require.NoError(t, err)

	nextEnd := windowEnd.AddDate(0, 0, 7)
	provider := crypto.ProviderFor(crypto.ED25519)
	for _, id := range []hive.PeerID{"A", "B"} {
		sig, serr := provider.Sign(hive.AckSigningPayload(next, id), h.keys[id][0])
		require.NoError(t, serr)
		_, aerr := h.orch.HandleAck(ctx, next, id, h.keys[id][1], sig, nextEnd.Add(time.Hour))
		require.NoError(t, aerr)
	}
	_, err = h.orch.Execute(ctx, next, false, nextEnd.Add(2*time.Hour))
	require.NoError(t, err)

	// The prior deferral was released before the re-carry was applied.
	member, _ = h.credit.Member("A")
	assert.Equal(t, firstAccrual, member.AccumulatedObligationSats)
}

func TestCarryAgedPastBoundForcesEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	// A has been carrying 5,000 sats for eight windows, past the bound of 6.
	from := hive.PeriodIDFor(windowStart.AddDate(0, 0, -8*7))
	h.agg.AddCarryForward(periodID, "A", -5_000, from)

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)

	require.NoError(t, h.orch.CheckCarryAge(ctx, periodID))
	require.Len(t, h.collab.Escrowed, 1)
	assert.Equal(t, int64(5_000), h.collab.Escrowed[0].AmountSats)

	// The periodic check never escrows the same carry twice.
	require.NoError(t, h.orch.CheckCarryAge(ctx, periodID))
	assert.Len(t, h.collab.Escrowed, 1)
}

// gateCollaborator blocks payment legs until released, so a dispute can be
// raised while the period is executing.
type gateCollaborator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateCollaborator) PayLeg(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "proof-" + string(to), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gateCollaborator) Escrow(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	return "escrow-" + string(to), nil
}

func TestViolationDuringExecutionMarksDisputed(t *testing.T) {
	ctx := context.Background()
	gate := &gateCollaborator{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, defaultConfig(), gate)

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	h.ack(t, "A", windowEnd.Add(time.Hour))
	h.ack(t, "B", windowEnd.Add(time.Hour))

	type result struct {
		p   *hive.SettlementPeriod
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, execErr := h.orch.Execute(ctx, periodID, false, windowEnd.Add(2*time.Hour))
		done <- result{p, execErr}
	}()

	<-gate.started
	_, err = h.orch.MarkDisputed(ctx, periodID, "case-7", windowEnd.Add(2*time.Hour))
	require.NoError(t, err)
	close(gate.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, hive.StatusDisputed, res.p.Status)
	for _, leg := range res.p.Payments {
		assert.Equal(t, hive.LegSettled, leg.Status)
	}

	stored, err := h.orch.Period(ctx, periodID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusDisputed, stored.Status)

	// A disputed period is held for arbitration, not re-executed.
	_, err = h.orch.Execute(ctx, periodID, false, windowEnd.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestMarkDisputedRequiresExecuting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	_, err := h.orch.StartPeriod(ctx, windowStart)
	require.NoError(t, err)
	_, err = h.orch.MarkDisputed(ctx, periodID, "case-1", windowEnd)
	assert.ErrorIs(t, err, ErrBadTransition)

	_, err = h.orch.Calculate(ctx, periodID, windowEnd)
	require.NoError(t, err)
	_, err = h.orch.MarkDisputed(ctx, periodID, "case-1", windowEnd)
	assert.ErrorIs(t, err, ErrBadTransition)
}
