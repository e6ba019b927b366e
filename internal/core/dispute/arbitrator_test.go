package dispute

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveroute/hived/internal/core/credit"
	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/crypto"
)

func fleetOf(n int) []hive.PeerID {
	out := make([]hive.PeerID, n)
	for i := range out {
		out[i] = hive.PeerID(fmt.Sprintf("node-%02d", i))
	}
	return out
}

type testKeys map[hive.PeerID][2]string // priv, pub

func keysFor(t *testing.T, members []hive.PeerID) testKeys {
	t.Helper()
	provider := crypto.ProviderFor(crypto.ED25519)
	keys := make(testKeys, len(members))
	for _, id := range members {
		priv, pub, err := provider.GenerateKeypair([]byte("seed-" + id))
		require.NoError(t, err)
		keys[id] = [2]string{priv, pub}
	}
	return keys
}

func castVote(t *testing.T, a *Arbitrator, keys testKeys, caseID string, voter hive.PeerID, uphold bool, at time.Time) error {
	t.Helper()
	provider := crypto.ProviderFor(crypto.ED25519)
	sig, err := provider.Sign(hive.VoteSigningPayload(caseID, voter, uphold), keys[voter][0])
	require.NoError(t, err)
	return a.CastVote(caseID, voter, uphold, keys[voter][1], sig, at)
}

func TestPanelDrawExcludesPartiesAndIsDeterministic(t *testing.T) {
	members := fleetOf(10)
	a := NewArbitrator(nil, nil, 5, 48*time.Hour)
	now := time.Now().UTC()

	c, err := a.OpenCase("node-00", "node-01", "2026-W34", nil, members, 10_000, now)
	require.NoError(t, err)
	require.Len(t, c.Panel, 5)

	for _, p := range c.Panel {
		assert.NotEqual(t, hive.PeerID("node-00"), p)
		assert.NotEqual(t, hive.PeerID("node-01"), p)
	}

	// Same case id redraws the identical panel on another node.
	b := NewArbitrator(nil, nil, 5, 48*time.Hour)
	redraw, err := b.drawPanel(c.ID, "node-00", "node-01", members)
	require.NoError(t, err)
	assert.Equal(t, c.Panel, redraw)
}

func TestPanelTooSmall(t *testing.T) {
	a := NewArbitrator(nil, nil, 5, 48*time.Hour)
	// Excluding the two parties leaves four eligible members for a panel
	// of five.
	_, err := a.OpenCase("node-00", "node-01", "", nil, fleetOf(6), 0, time.Now())
	assert.ErrorIs(t, err, ErrPanelTooSmall)
}

func TestMajorityUpholdSlashes(t *testing.T) {
	members := fleetOf(10)
	keys := keysFor(t, members)
	now := time.Now().UTC()

	bonds := credit.NewManager(180, 48*time.Hour, nil)
	for _, id := range members {
		_, err := bonds.PostBond(id, 200_000, "", now.AddDate(0, 0, -365))
		require.NoError(t, err)
		m, _ := bonds.Member(id)
		m.TenureDays = 365
	}

	a := NewArbitrator(bonds, nil, 5, 48*time.Hour)
	evidence := []hive.Evidence{{
		SubmittedBy: "node-00",
		Description: "reported forwards exceed channel capacity",
		SubmittedAt: now,
	}}
	c, err := a.OpenCase("node-00", "node-01", "2026-W34", evidence, members, 50_000, now)
	require.NoError(t, err)

	// Three upholds, one reject, one panelist never votes.
	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[0], true, now.Add(time.Hour)))
	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[1], true, now.Add(time.Hour)))
	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[2], false, now.Add(time.Hour)))
	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[3], true, now.Add(time.Hour)))

	// Not resolvable yet: votes outstanding and window open.
	c, err = a.Resolve(c.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.VerdictPending, c.Verdict)

	c, err = a.Resolve(c.ID, now.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.VerdictUpheld, c.Verdict)
	assert.False(t, c.TimedOut)

	bond, ok := bonds.Bond("node-01")
	require.True(t, ok)
	assert.Equal(t, int64(150_000), bond.AmountSats)
	require.Len(t, bond.SlashEvents, 1)
	assert.Equal(t, c.ID, bond.SlashEvents[0].CaseID)

	respondent, _ := bonds.Member("node-01")
	assert.Negative(t, respondent.Reputation)
	claimant, _ := bonds.Member("node-00")
	assert.Positive(t, claimant.Reputation)
}

func TestNoMajorityDefaultsToRejected(t *testing.T) {
	members := fleetOf(10)
	keys := keysFor(t, members)
	now := time.Now().UTC()

	a := NewArbitrator(nil, nil, 5, 48*time.Hour)
	c, err := a.OpenCase("node-00", "node-01", "", nil, members, 10_000, now)
	require.NoError(t, err)

	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[0], true, now.Add(time.Hour)))
	require.NoError(t, castVote(t, a, keys, c.ID, c.Panel[1], false, now.Add(time.Hour)))

	c, err = a.Resolve(c.ID, now.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.VerdictRejected, c.Verdict)
	assert.True(t, c.TimedOut)

	// Resolution is final.
	err = castVote(t, a, keys, c.ID, c.Panel[2], true, now.Add(50*time.Hour))
	assert.ErrorIs(t, err, ErrCaseResolved)
}

func TestFullParticipationResolvesEarly(t *testing.T) {
	members := fleetOf(10)
	keys := keysFor(t, members)
	now := time.Now().UTC()

	a := NewArbitrator(nil, nil, 5, 48*time.Hour)
	c, err := a.OpenCase("node-00", "node-01", "", nil, members, 10_000, now)
	require.NoError(t, err)

	for _, p := range c.Panel {
		require.NoError(t, castVote(t, a, keys, c.ID, p, false, now.Add(time.Hour)))
	}

	c, err = a.Resolve(c.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, hive.VerdictRejected, c.Verdict)
	assert.False(t, c.TimedOut)
}

func TestVoteValidation(t *testing.T) {
	members := fleetOf(10)
	keys := keysFor(t, members)
	now := time.Now().UTC()

	a := NewArbitrator(nil, nil, 5, 48*time.Hour)
	c, err := a.OpenCase("node-00", "node-01", "", nil, members, 10_000, now)
	require.NoError(t, err)

	// The disputing parties are never panelists.
	err = castVote(t, a, keys, c.ID, "node-00", true, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotPanelist)

	// Signature over the wrong verdict bit fails verification.
	provider := crypto.ProviderFor(crypto.ED25519)
	voter := c.Panel[0]
	sig, err := provider.Sign(hive.VoteSigningPayload(c.ID, voter, false), keys[voter][0])
	require.NoError(t, err)
	err = a.CastVote(c.ID, voter, true, keys[voter][1], sig, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrVoteSignature)

	err = castVote(t, a, keys, c.ID, c.Panel[0], true, now.Add(72*time.Hour))
	assert.ErrorContains(t, err, "vote window closed")
}
