// Package hive defines the shared data model for the hive settlement engine:
// members, bonds, obligations, contribution records, settlement periods and
// dispute cases. Subpackages implement the behavior; this package holds only
// the records they exchange and persist.
package hive

import "time"

// PeerID uniquely identifies a hive member (the node's public identity).
type PeerID string

// CreditTier is a member's trust level. Higher tiers allow more unsettled
// obligation to accrue before escrow becomes mandatory.
type CreditTier int

const (
	TierNewcomer CreditTier = iota
	TierRecognized
	TierTrusted
	TierSenior
	TierFounding
)

// String returns the lowercase tier name.
func (t CreditTier) String() string {
	switch t {
	case TierNewcomer:
		return "newcomer"
	case TierRecognized:
		return "recognized"
	case TierTrusted:
		return "trusted"
	case TierSenior:
		return "senior"
	case TierFounding:
		return "founding"
	default:
		return "unknown"
	}
}

// Member is the per-peer view the engine maintains. It is created on first
// gossip sighting or bond posting, mutated each cycle by the presence tracker
// and contribution aggregator, and removed only after a confirmed fleet exit
// once the bond has been released.
type Member struct {
	// PeerID is the member's unique identity.
	PeerID PeerID `json:"peer_id"`

	// CapacitySats is the member's total routing capacity.
	CapacitySats int64 `json:"capacity_sats"`

	// UptimePct is the member's uptime percentage in [0,100].
	UptimePct float64 `json:"uptime_pct"`

	// ForwardsSats is the volume forwarded during the current window.
	ForwardsSats int64 `json:"forwards_sats"`

	// FeesEarnedSats is the routing fee revenue earned during the window.
	FeesEarnedSats int64 `json:"fees_earned_sats"`

	// BondSats is the posted bond collateral. Slashing only ever reduces it.
	BondSats int64 `json:"bond_sats"`

	// TenureDays is how long the member has participated in the hive.
	TenureDays int `json:"tenure_days"`

	// Tier is the member's current credit tier.
	Tier CreditTier `json:"credit_tier"`

	// AccumulatedObligationSats is the unsettled obligation currently
	// deferred against the member's credit line.
	AccumulatedObligationSats int64 `json:"accumulated_obligation_sats"`

	// DisputeCount is the number of dispute cases lost by this member.
	DisputeCount int `json:"dispute_count"`

	// Reputation is a signed score fed by dispute outcomes and settlement
	// reliability. New members start at zero.
	Reputation int `json:"reputation"`

	// JoinedAt is when the member was first seen.
	JoinedAt time.Time `json:"joined_at"`
}

// Bond is escrowed collateral posted by a member as a condition of
// participation. It is released only through the exit protocol.
type Bond struct {
	Owner          PeerID       `json:"owner"`
	AmountSats     int64        `json:"amount_sats"`
	LockConditions string       `json:"lock_conditions"`
	PostedAt       time.Time    `json:"posted_at"`
	SlashEvents    []SlashEvent `json:"slash_events,omitempty"`

	// ReleaseRequestedAt is set when the owner starts the exit protocol.
	// The bond is held until the pending window elapses and the owner has
	// no unsettled obligations.
	ReleaseRequestedAt *time.Time `json:"release_requested_at,omitempty"`
	Released           bool       `json:"released"`
}

// SlashEvent records an irreversible bond reduction applied by arbitration.
type SlashEvent struct {
	AmountSats int64     `json:"amount_sats"`
	CaseID     string    `json:"case_id"`
	Evidence   string    `json:"evidence"`
	AppliedAt  time.Time `json:"applied_at"`
}

// EffectiveBond returns the bond amount scaled by tenure maturity:
// bond × min(1, tenure/maturityDays). A freshly posted bond carries less
// weight than one that has been at risk for the full maturity window.
func (b *Bond) EffectiveBond(tenureDays, maturityDays int) int64 {
	if maturityDays <= 0 || tenureDays >= maturityDays {
		return b.AmountSats
	}
	if tenureDays < 0 {
		tenureDays = 0
	}
	return b.AmountSats * int64(tenureDays) / int64(maturityDays)
}
