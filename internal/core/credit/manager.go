package credit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

var (
	// ErrUnknownMember is returned for operations on members never seen.
	ErrUnknownMember = errors.New("unknown member")

	// ErrNoQuorum is returned when a slash is attempted without an
	// arbitration quorum signal.
	ErrNoQuorum = errors.New("slash requires a quorum signal")

	// ErrObligationsOutstanding blocks bond release while the owner still
	// has unsettled obligations.
	ErrObligationsOutstanding = errors.New("unsettled obligations outstanding")

	// ErrReleasePending is returned when the exit window has not elapsed.
	ErrReleasePending = errors.New("bond release window has not elapsed")
)

// Persister receives member and bond mutations for durability. May be nil.
type Persister interface {
	SaveMember(m *hive.Member) error
	SaveBond(b *hive.Bond) error
}

// Manager is the credit ledger and bond manager: one shared view of every
// member's bond, tier and accumulated obligation.
type Manager struct {
	mu sync.Mutex

	members map[hive.PeerID]*hive.Member
	bonds   map[hive.PeerID]*hive.Bond

	bondMaturityDays int
	releaseWindow    time.Duration
	persist          Persister
}

// NewManager creates a credit manager. bondMaturityDays controls the
// effective-bond ramp; releaseWindow is the exit-protocol hold.
func NewManager(bondMaturityDays int, releaseWindow time.Duration, persist Persister) *Manager {
	return &Manager{
		members:          make(map[hive.PeerID]*hive.Member),
		bonds:            make(map[hive.PeerID]*hive.Bond),
		bondMaturityDays: bondMaturityDays,
		releaseWindow:    releaseWindow,
		persist:          persist,
	}
}

// UpsertMember registers or refreshes a member record and re-evaluates its
// tier. Returns the stored record.
func (m *Manager) UpsertMember(member hive.Member) *hive.Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.members[member.PeerID]
	if !ok {
		cp := member
		if cp.JoinedAt.IsZero() {
			cp.JoinedAt = time.Now().UTC()
		}
		cur = &cp
		m.members[member.PeerID] = cur
	} else {
		cur.CapacitySats = member.CapacitySats
		cur.UptimePct = member.UptimePct
		cur.ForwardsSats = member.ForwardsSats
		cur.FeesEarnedSats = member.FeesEarnedSats
		if member.TenureDays > cur.TenureDays {
			cur.TenureDays = member.TenureDays
		}
	}

	cur.Tier = TierFor(cur)
	m.save(cur)
	return cur
}

// Member returns the stored record for a peer.
func (m *Manager) Member(id hive.PeerID) (*hive.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	return member, ok
}

// PostBond records a bond posting for a member, creating the member on
// first sighting. Posting more adds to the existing bond.
func (m *Manager) PostBond(owner hive.PeerID, amountSats int64, lockConditions string, at time.Time) (*hive.Bond, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("bond amount must be positive, got %d", amountSats)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[owner]
	if !ok {
		member = &hive.Member{PeerID: owner, JoinedAt: at.UTC()}
		m.members[owner] = member
	}

	bond, ok := m.bonds[owner]
	if !ok {
		bond = &hive.Bond{Owner: owner, PostedAt: at.UTC(), LockConditions: lockConditions}
		m.bonds[owner] = bond
	}
	bond.AmountSats += amountSats
	member.BondSats = bond.AmountSats
	member.Tier = TierFor(member)

	m.save(member)
	m.saveBond(bond)
	return bond, nil
}

// Bond returns the bond record for a member.
func (m *Manager) Bond(owner hive.PeerID) (*hive.Bond, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bonds[owner]
	return b, ok
}

// EffectiveMinimum returns the minimum bond required of a tier right now:
// max(base minimum, median existing bond × 0.5). Because the median moves
// with fleet membership, late joiners cannot under-bond relative to fleet
// size.
func (m *Manager) EffectiveMinimum(tier hive.CreditTier) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := ParamsFor(tier).BaseMinimumBondSats
	median := m.medianBondLocked()
	if half := median / 2; half > base {
		return half
	}
	return base
}

// medianBondLocked computes the median posted bond across members with an
// unreleased bond. Caller must hold the lock.
func (m *Manager) medianBondLocked() int64 {
	amounts := make([]int64, 0, len(m.bonds))
	for _, b := range m.bonds {
		if !b.Released && b.AmountSats > 0 {
			amounts = append(amounts, b.AmountSats)
		}
	}
	if len(amounts) == 0 {
		return 0
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	mid := len(amounts) / 2
	if len(amounts)%2 == 1 {
		return amounts[mid]
	}
	return (amounts[mid-1] + amounts[mid]) / 2
}

// EffectiveBond returns the member's bond scaled by tenure maturity.
func (m *Manager) EffectiveBond(id hive.PeerID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return 0
	}
	bond, ok := m.bonds[id]
	if !ok {
		return 0
	}
	return bond.EffectiveBond(member.TenureDays, m.bondMaturityDays)
}

// CanDefer reports whether amountSats more obligation fits inside the
// member's credit line without forcing escrow.
func (m *Manager) CanDefer(id hive.PeerID, amountSats int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return false
	}
	return member.AccumulatedObligationSats+amountSats <= CreditLineSats(member.Tier)
}

// ApplyObligation accrues an obligation against the member's credit line.
// The returned escrowNow is the excess over the line that must be escrowed
// immediately through the payment collaborator; the accumulated obligation
// never silently exceeds the line.
func (m *Manager) ApplyObligation(id hive.PeerID, amountSats int64) (escrowNow int64, err error) {
	if amountSats < 0 {
		return 0, fmt.Errorf("obligation amount must be non-negative, got %d", amountSats)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return 0, ErrUnknownMember
	}

	line := CreditLineSats(member.Tier)
	room := line - member.AccumulatedObligationSats
	if room < 0 {
		room = 0
	}

	deferred := amountSats
	if deferred > room {
		deferred = room
	}
	member.AccumulatedObligationSats += deferred
	m.save(member)
	return amountSats - deferred, nil
}

// SettleObligation reduces a member's accumulated obligation after a
// settlement clears it.
func (m *Manager) SettleObligation(id hive.PeerID, amountSats int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return ErrUnknownMember
	}
	member.AccumulatedObligationSats -= amountSats
	if member.AccumulatedObligationSats < 0 {
		member.AccumulatedObligationSats = 0
	}
	m.save(member)
	return nil
}

// Slash irreversibly reduces a member's bond following an upheld dispute.
// It requires a quorum signal from arbitration and never touches the
// accumulated obligation.
func (m *Manager) Slash(id hive.PeerID, amountSats int64, caseID, evidence string, quorum bool) error {
	if !quorum {
		return ErrNoQuorum
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return ErrUnknownMember
	}
	bond, ok := m.bonds[id]
	if !ok {
		return fmt.Errorf("member %s has no bond to slash", id)
	}

	if amountSats > bond.AmountSats {
		amountSats = bond.AmountSats
	}
	bond.AmountSats -= amountSats
	bond.SlashEvents = append(bond.SlashEvents, hive.SlashEvent{
		AmountSats: amountSats,
		CaseID:     caseID,
		Evidence:   evidence,
		AppliedAt:  time.Now().UTC(),
	})

	member.BondSats = bond.AmountSats
	member.DisputeCount++
	member.Reputation -= 10
	member.Tier = TierFor(member)

	m.save(member)
	m.saveBond(bond)
	return nil
}

// AddReputation adjusts a member's reputation score and re-evaluates the
// tier (settlement reliability and dispute outcomes both feed this).
func (m *Manager) AddReputation(id hive.PeerID, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[id]
	if !ok {
		return
	}
	member.Reputation += delta
	member.Tier = TierFor(member)
	m.save(member)
}

// RequestRelease starts the exit protocol for a member's bond.
func (m *Manager) RequestRelease(id hive.PeerID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bond, ok := m.bonds[id]
	if !ok {
		return ErrUnknownMember
	}
	t := at.UTC()
	bond.ReleaseRequestedAt = &t
	m.saveBond(bond)
	return nil
}

// Release completes the exit protocol: the hold window must have elapsed
// and the owner must have no unsettled obligations. Only after release may
// the member be removed from the fleet.
func (m *Manager) Release(id hive.PeerID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bond, ok := m.bonds[id]
	if !ok {
		return ErrUnknownMember
	}
	if bond.ReleaseRequestedAt == nil || at.UTC().Sub(*bond.ReleaseRequestedAt) < m.releaseWindow {
		return ErrReleasePending
	}
	if member, ok := m.members[id]; ok && member.AccumulatedObligationSats > 0 {
		return ErrObligationsOutstanding
	}

	bond.Released = true
	m.saveBond(bond)
	return nil
}

// Members returns a copy of all member records.
func (m *Manager) Members() []*hive.Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*hive.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *Manager) save(member *hive.Member) {
	if m.persist != nil {
		_ = m.persist.SaveMember(member)
	}
}

func (m *Manager) saveBond(b *hive.Bond) {
	if m.persist != nil {
		_ = m.persist.SaveBond(b)
	}
}
