// Package dispute runs panel arbitration over contested settlement outcomes:
// random stake-weighted panel selection, signed voting within a fixed window,
// and quorum-gated penalty application.
package dispute

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/crypto"
)

var (
	// ErrCaseNotFound is returned for votes or resolution on an unknown case.
	ErrCaseNotFound = errors.New("dispute case not found")

	// ErrCaseResolved is returned for votes on an already resolved case.
	ErrCaseResolved = errors.New("dispute case already resolved")

	// ErrNotPanelist rejects votes from members outside the drawn panel.
	ErrNotPanelist = errors.New("voter is not on the case panel")

	// ErrVoteSignature is returned when a vote's signature does not verify.
	ErrVoteSignature = errors.New("vote signature does not verify")

	// ErrPanelTooSmall is returned when the fleet cannot seat a full panel
	// after excluding the parties.
	ErrPanelTooSmall = errors.New("not enough eligible members to seat a panel")
)

// BondSlasher applies upheld penalties. The quorum flag asserts the panel
// majority that authorizes the irreversible slash.
type BondSlasher interface {
	Slash(id hive.PeerID, amountSats int64, caseID, evidence string, quorum bool) error
	AddReputation(id hive.PeerID, delta int)
	EffectiveBond(id hive.PeerID) int64
}

// Persister receives resolved and mutated cases for durability. May be nil.
type Persister interface {
	SaveDispute(c *hive.DisputeCase) error
}

// Arbitrator owns the dispute case lifecycle for this node.
type Arbitrator struct {
	mu sync.Mutex

	cases map[string]*hive.DisputeCase

	credit     BondSlasher
	persist    Persister
	panelSize  int
	voteWindow time.Duration
}

// NewArbitrator creates an arbitrator. panelSize must be odd so a strict
// majority always exists when every panelist votes.
func NewArbitrator(credit BondSlasher, persist Persister, panelSize int, voteWindow time.Duration) *Arbitrator {
	if panelSize%2 == 0 {
		panelSize++
	}
	return &Arbitrator{
		cases:      make(map[string]*hive.DisputeCase),
		credit:     credit,
		persist:    persist,
		panelSize:  panelSize,
		voteWindow: voteWindow,
	}
}

// OpenCase opens a dispute and draws its panel from the candidate members,
// excluding both parties. The draw is stake-weighted by effective bond and
// seeded from the case id, so every member derives the identical panel.
func (a *Arbitrator) OpenCase(claimant, respondent hive.PeerID, period hive.PeriodID, evidence []hive.Evidence, candidates []hive.PeerID, penaltySats int64, at time.Time) (*hive.DisputeCase, error) {
	caseID := uuid.NewString()

	panel, err := a.drawPanel(caseID, claimant, respondent, candidates)
	if err != nil {
		return nil, err
	}

	c := &hive.DisputeCase{
		ID:           caseID,
		Claimant:     claimant,
		Respondent:   respondent,
		Period:       period,
		Evidence:     evidence,
		Panel:        panel,
		Verdict:      hive.VerdictPending,
		PenaltySats:  penaltySats,
		OpenedAt:     at.UTC(),
		VoteDeadline: at.UTC().Add(a.voteWindow),
	}

	a.mu.Lock()
	a.cases[caseID] = c
	a.mu.Unlock()

	a.save(c)
	log.Printf("dispute: case %s opened, %s vs %s, panel %v", caseID, claimant, respondent, panel)
	return c, nil
}

// drawPanel samples panelSize members without replacement, weighted by
// effective bond. Members with no effective bond still get weight one so a
// young fleet can seat panels.
func (a *Arbitrator) drawPanel(caseID string, claimant, respondent hive.PeerID, candidates []hive.PeerID) ([]hive.PeerID, error) {
	type weighted struct {
		member hive.PeerID
		stake  int64
	}
	var pool []weighted
	for _, id := range candidates {
		if id == claimant || id == respondent {
			continue
		}
		stake := int64(1)
		if a.credit != nil {
			if b := a.credit.EffectiveBond(id); b > 0 {
				stake = b
			}
		}
		pool = append(pool, weighted{member: id, stake: stake})
	}
	if len(pool) < a.panelSize {
		return nil, fmt.Errorf("%w: %d eligible, %d needed", ErrPanelTooSmall, len(pool), a.panelSize)
	}
	// Deterministic candidate order before the seeded draw.
	sort.Slice(pool, func(i, j int) bool { return pool[i].member < pool[j].member })

	sum := sha256.Sum256([]byte(caseID))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	panel := make([]hive.PeerID, 0, a.panelSize)
	for len(panel) < a.panelSize {
		var total int64
		for _, w := range pool {
			total += w.stake
		}
		pick := rng.Int63n(total)
		for i, w := range pool {
			pick -= w.stake
			if pick < 0 {
				panel = append(panel, w.member)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	sort.Slice(panel, func(i, j int) bool { return panel[i] < panel[j] })
	return panel, nil
}

// CastVote records a signed panel vote. Duplicate votes from the same
// panelist replace the earlier one.
func (a *Arbitrator) CastVote(caseID string, voter hive.PeerID, uphold bool, publicKeyHex, signatureHex string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if c.Verdict != hive.VerdictPending {
		return ErrCaseResolved
	}
	if at.After(c.VoteDeadline) {
		return fmt.Errorf("case %s: vote window closed at %s", caseID, c.VoteDeadline.Format(time.RFC3339))
	}

	onPanel := false
	for _, p := range c.Panel {
		if p == voter {
			onPanel = true
			break
		}
	}
	if !onPanel {
		return ErrNotPanelist
	}

	payload := hive.VoteSigningPayload(caseID, voter, uphold)
	if !crypto.ProviderForKey(publicKeyHex).Verify(payload, publicKeyHex, signatureHex) {
		return ErrVoteSignature
	}

	vote := hive.PanelVote{Voter: voter, Uphold: uphold, Signature: signatureHex, CastAt: at.UTC()}
	for i, v := range c.Votes {
		if v.Voter == voter {
			c.Votes[i] = vote
			a.save(c)
			return nil
		}
	}
	c.Votes = append(c.Votes, vote)
	a.save(c)
	return nil
}

// Resolve finalizes a case once the panel has fully voted or the window has
// closed: upheld on a strict majority of cast votes, rejected otherwise.
// A window that closes without a strict uphold majority defaults to
// rejected, flagged for manual review. Before either condition, the case
// stays pending.
func (a *Arbitrator) Resolve(caseID string, now time.Time) (*hive.DisputeCase, error) {
	a.mu.Lock()
	c, ok := a.cases[caseID]
	if !ok {
		a.mu.Unlock()
		return nil, ErrCaseNotFound
	}
	if c.Verdict != hive.VerdictPending {
		a.mu.Unlock()
		return c, nil
	}

	expired := !now.Before(c.VoteDeadline)
	if !expired && len(c.Votes) < len(c.Panel) {
		a.mu.Unlock()
		return c, nil
	}

	var upholds, rejects int
	for _, v := range c.Votes {
		if v.Uphold {
			upholds++
		} else {
			rejects++
		}
	}

	if upholds*2 > len(c.Votes) {
		c.Verdict = hive.VerdictUpheld
	} else {
		// Explicit default, never silence: the losing claimant sees a
		// rejected verdict and the case stays in the history.
		c.Verdict = hive.VerdictRejected
		if expired && rejects*2 <= len(c.Votes) {
			c.TimedOut = true
			log.Printf("dispute: case %s window closed with %d/%d votes cast and no majority, defaulting to rejected",
				caseID, len(c.Votes), len(c.Panel))
		}
	}
	c.ResolvedAt = now.UTC()
	a.mu.Unlock()

	a.save(c)

	if c.Verdict == hive.VerdictUpheld && a.credit != nil {
		if err := a.credit.Slash(c.Respondent, c.PenaltySats, c.ID, describeEvidence(c.Evidence), true); err != nil {
			log.Printf("dispute: case %s upheld but slash failed: %v", c.ID, err)
		}
		a.credit.AddReputation(c.Claimant, 5)
	}
	log.Printf("dispute: case %s resolved %s", c.ID, c.Verdict)
	return c, nil
}

// Case returns a case by id.
func (a *Arbitrator) Case(caseID string) (*hive.DisputeCase, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cases[caseID]
	return c, ok
}

// Pending returns all unresolved cases, oldest first.
func (a *Arbitrator) Pending() []*hive.DisputeCase {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*hive.DisputeCase
	for _, c := range a.cases {
		if c.Verdict == hive.VerdictPending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ResolveDue resolves every pending case whose deadline has passed.
func (a *Arbitrator) ResolveDue(now time.Time) {
	for _, c := range a.Pending() {
		if !now.Before(c.VoteDeadline) {
			_, _ = a.Resolve(c.ID, now)
		}
	}
}

func (a *Arbitrator) save(c *hive.DisputeCase) {
	if a.persist != nil {
		_ = a.persist.SaveDispute(c)
	}
}

func describeEvidence(evidence []hive.Evidence) string {
	if len(evidence) == 0 {
		return "no evidence attached"
	}
	return evidence[0].Description
}
