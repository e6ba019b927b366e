package netting

import (
	"testing"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBilateralCollapse(t *testing.T) {
	obligations := []hive.Obligation{
		{ID: "o1", Kind: hive.KindRoutingRevenue, Payer: "alice", Payee: "bob", AmountSats: 5000},
		{ID: "o2", Kind: hive.KindRebalancingCost, Payer: "bob", Payee: "alice", AmountSats: 2000},
	}

	p := BilateralNet("bob", "alice", obligations)
	require.NotNil(t, p)
	assert.Equal(t, hive.PeerID("alice"), p.From)
	assert.Equal(t, hive.PeerID("bob"), p.To)
	assert.Equal(t, int64(3000), p.AmountSats)
	assert.ElementsMatch(t, []string{"o1", "o2"}, p.SourceObligationIDs)
}

func TestBilateralExactOffsetIsNil(t *testing.T) {
	obligations := []hive.Obligation{
		{ID: "o1", Payer: "a", Payee: "b", AmountSats: 700},
		{ID: "o2", Payer: "b", Payee: "a", AmountSats: 700},
	}
	assert.Nil(t, BilateralNet("a", "b", obligations))
}

func TestPositionsFoldObligations(t *testing.T) {
	obligations := []hive.Obligation{
		{Payer: "a", Payee: "b", AmountSats: 100},
		{Payer: "b", Payee: "c", AmountSats: 40},
		{Payer: "c", Payee: "a", AmountSats: 10},
	}

	pos := Positions(obligations)
	assert.Equal(t, int64(-90), pos["a"])
	assert.Equal(t, int64(60), pos["b"])
	assert.Equal(t, int64(30), pos["c"])

	var sum int64
	for _, v := range pos {
		sum += v
	}
	assert.Zero(t, sum)
}

func TestNetScenarioSinglePayerTwoReceivers(t *testing.T) {
	// Balances from the three-member fair-share example: B owes, A and C
	// are owed. Exactly two payments sized to B's split.
	balances := map[hive.PeerID]int64{
		"A": 137,
		"B": -202,
		"C": 65,
	}

	res := Net(balances, 0)
	require.Len(t, res.Payments, 2)

	assert.Equal(t, hive.PeerID("B"), res.Payments[0].From)
	assert.Equal(t, hive.PeerID("A"), res.Payments[0].To)
	assert.Equal(t, int64(137), res.Payments[0].AmountSats)

	assert.Equal(t, hive.PeerID("B"), res.Payments[1].From)
	assert.Equal(t, hive.PeerID("C"), res.Payments[1].To)
	assert.Equal(t, int64(65), res.Payments[1].AmountSats)
}

func TestNetPaymentCountBound(t *testing.T) {
	cases := []map[hive.PeerID]int64{
		{"a": -10, "b": 10},
		{"a": -10, "b": -20, "c": 30},
		{"a": -100, "b": 40, "c": 35, "d": 25},
		{"a": -7, "b": -13, "c": -80, "d": 50, "e": 50},
		{"a": -1000, "b": -1000, "c": -1000, "d": 1500, "e": 1500},
	}

	for i, balances := range cases {
		var payers, receivers int
		for _, v := range balances {
			if v < 0 {
				payers++
			} else if v > 0 {
				receivers++
			}
		}

		res := Net(balances, 0)
		assert.LessOrEqual(t, len(res.Payments), MaxPayments(payers, receivers), "case %d", i)

		// Every balance fully routed: per-member flow matches the input.
		flow := make(map[hive.PeerID]int64)
		for _, p := range res.Payments {
			flow[p.From] -= p.AmountSats
			flow[p.To] += p.AmountSats
		}
		for member, want := range balances {
			assert.Equal(t, want, flow[member], "case %d member %s", i, member)
		}
	}
}

func TestNetDustDeferred(t *testing.T) {
	balances := map[hive.PeerID]int64{
		"big-payer":    -100_000,
		"big-receiver": 99_500,
		"dust":         500,
	}

	res := Net(balances, 1000)
	require.Len(t, res.Payments, 1)
	assert.Equal(t, int64(99_500), res.Payments[0].AmountSats)

	// The sub-floor residue carries forward on both sides, nothing lost.
	assert.Equal(t, int64(-500), res.Deferred["big-payer"])
	assert.Equal(t, int64(500), res.Deferred["dust"])

	// Deferred amounts are themselves a balanced set.
	var deferredSum int64
	for _, d := range res.Deferred {
		deferredSum += d
	}
	assert.Zero(t, deferredSum)
}

func TestNetDeterministicOrdering(t *testing.T) {
	balances := map[hive.PeerID]int64{
		"p1": -50, "p2": -50, "r1": 50, "r2": 50,
	}

	first := Net(balances, 0)
	for i := 0; i < 10; i++ {
		again := Net(balances, 0)
		require.Equal(t, first.Payments, again.Payments)
	}
}

func TestNetEmptyAndOneSided(t *testing.T) {
	assert.Empty(t, Net(nil, 0).Payments)
	assert.Empty(t, Net(map[hive.PeerID]int64{"a": 0}, 0).Payments)
	assert.Zero(t, MaxPayments(0, 3))
}
