package credit

import (
	"testing"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierLadder(t *testing.T) {
	cases := []struct {
		name   string
		member hive.Member
		want   hive.CreditTier
	}{
		{"fresh join", hive.Member{TenureDays: 0}, hive.TierNewcomer},
		{"one month clean", hive.Member{TenureDays: 31, Reputation: 0}, hive.TierRecognized},
		{"three months reputable", hive.Member{TenureDays: 95, Reputation: 12}, hive.TierTrusted},
		{"three months low rep", hive.Member{TenureDays: 95, Reputation: 3}, hive.TierRecognized},
		{"senior", hive.Member{TenureDays: 200, Reputation: 30}, hive.TierSenior},
		{"founding", hive.Member{TenureDays: 400, Reputation: 60}, hive.TierFounding},
		{"founding with a lost dispute", hive.Member{TenureDays: 400, Reputation: 60, DisputeCount: 1}, hive.TierSenior},
		{"too many disputes", hive.Member{TenureDays: 400, Reputation: 60, DisputeCount: 3}, hive.TierNewcomer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TierFor(&tc.member))
		})
	}
}

func TestEffectiveBondRampsWithTenure(t *testing.T) {
	m := NewManager(180, 7*24*time.Hour, nil)
	now := time.Now().UTC()

	m.UpsertMember(hive.Member{PeerID: "n1", TenureDays: 0})
	_, err := m.PostBond("n1", 180_000, "2-of-3 multisig", now)
	require.NoError(t, err)

	assert.Zero(t, m.EffectiveBond("n1"))

	member, ok := m.Member("n1")
	require.True(t, ok)
	member.TenureDays = 90
	assert.Equal(t, int64(90_000), m.EffectiveBond("n1"))

	member.TenureDays = 180
	assert.Equal(t, int64(180_000), m.EffectiveBond("n1"))

	member.TenureDays = 999
	assert.Equal(t, int64(180_000), m.EffectiveBond("n1"))
}

func TestEffectiveMinimumTracksMedian(t *testing.T) {
	m := NewManager(180, 7*24*time.Hour, nil)
	now := time.Now().UTC()

	// Base minimum applies while bonds are small.
	assert.Equal(t, int64(100_000), m.EffectiveMinimum(hive.TierNewcomer))

	for id, amount := range map[hive.PeerID]int64{
		"a": 400_000,
		"b": 600_000,
		"c": 1_000_000,
	} {
		_, err := m.PostBond(id, amount, "", now)
		require.NoError(t, err)
	}

	// Median is 600k, half of that beats every base minimum.
	assert.Equal(t, int64(300_000), m.EffectiveMinimum(hive.TierNewcomer))
	assert.Equal(t, int64(300_000), m.EffectiveMinimum(hive.TierFounding))
}

func TestCanDeferBoundary(t *testing.T) {
	m := NewManager(180, 7*24*time.Hour, nil)
	m.UpsertMember(hive.Member{PeerID: "n1", TenureDays: 40}) // recognized: 50k line

	assert.True(t, m.CanDefer("n1", 50_000))
	assert.False(t, m.CanDefer("n1", 50_001))

	escrow, err := m.ApplyObligation("n1", 45_000)
	require.NoError(t, err)
	assert.Zero(t, escrow)

	assert.True(t, m.CanDefer("n1", 5_000))
	assert.False(t, m.CanDefer("n1", 5_001))
}

func TestApplyObligationEscrowsExcess(t *testing.T) {
	m := NewManager(180, 7*24*time.Hour, nil)
	m.UpsertMember(hive.Member{PeerID: "n1"}) // newcomer: 10k line

	escrow, err := m.ApplyObligation("n1", 25_000)
	require.NoError(t, err)
	assert.Equal(t, int64(15_000), escrow)

	member, ok := m.Member("n1")
	require.True(t, ok)
	assert.Equal(t, int64(10_000), member.AccumulatedObligationSats)

	// Line is full: everything further escrows immediately.
	escrow, err = m.ApplyObligation("n1", 700)
	require.NoError(t, err)
	assert.Equal(t, int64(700), escrow)

	require.NoError(t, m.SettleObligation("n1", 10_000))
	assert.Zero(t, member.AccumulatedObligationSats)
}

func TestSlashRequiresQuorumAndIsIrreversible(t *testing.T) {
	m := NewManager(180, 7*24*time.Hour, nil)
	now := time.Now().UTC()

	_, err := m.PostBond("n1", 200_000, "", now)
	require.NoError(t, err)
	_, err = m.ApplyObligation("n1", 5_000)
	require.NoError(t, err)

	err = m.Slash("n1", 50_000, "case-1", "falsified forwards", false)
	assert.ErrorIs(t, err, ErrNoQuorum)

	require.NoError(t, m.Slash("n1", 50_000, "case-1", "falsified forwards", true))

	bond, ok := m.Bond("n1")
	require.True(t, ok)
	assert.Equal(t, int64(150_000), bond.AmountSats)
	require.Len(t, bond.SlashEvents, 1)
	assert.Equal(t, "case-1", bond.SlashEvents[0].CaseID)

	member, _ := m.Member("n1")
	assert.Equal(t, int64(150_000), member.BondSats)
	assert.Equal(t, 1, member.DisputeCount)
	assert.Equal(t, -10, member.Reputation)
	// Slashing never touches the obligation ledger.
	assert.Equal(t, int64(5_000), member.AccumulatedObligationSats)

	// Slash is capped at the remaining bond.
	require.NoError(t, m.Slash("n1", 999_999_999, "case-2", "repeat offense", true))
	bond, _ = m.Bond("n1")
	assert.Zero(t, bond.AmountSats)
}

func TestExitProtocol(t *testing.T) {
	m := NewManager(180, 48*time.Hour, nil)
	now := time.Now().UTC()

	_, err := m.PostBond("n1", 100_000, "", now)
	require.NoError(t, err)
	_, err = m.ApplyObligation("n1", 2_000)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release("n1", now), ErrReleasePending)

	require.NoError(t, m.RequestRelease("n1", now))
	assert.ErrorIs(t, m.Release("n1", now.Add(time.Hour)), ErrReleasePending)

	// Window elapsed but obligations remain.
	assert.ErrorIs(t, m.Release("n1", now.Add(72*time.Hour)), ErrObligationsOutstanding)

	require.NoError(t, m.SettleObligation("n1", 2_000))
	require.NoError(t, m.Release("n1", now.Add(72*time.Hour)))

	bond, _ := m.Bond("n1")
	assert.True(t, bond.Released)
}
