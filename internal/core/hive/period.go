package hive

import (
	"fmt"
	"time"
)

// PeriodStatus is the settlement-period state machine position. Transitions
// are monotonic forward except quorum_pending -> expired and
// executing -> disputed.
type PeriodStatus string

const (
	StatusCollecting    PeriodStatus = "collecting"
	StatusCalculating   PeriodStatus = "calculating"
	StatusProposed      PeriodStatus = "proposed"
	StatusQuorumPending PeriodStatus = "quorum_pending"
	StatusReady         PeriodStatus = "ready"
	StatusExecuting     PeriodStatus = "executing"
	StatusSettled       PeriodStatus = "settled"
	StatusDisputed      PeriodStatus = "disputed"
	StatusExpired       PeriodStatus = "expired"
)

// forwardOrder assigns each forward state its rank for monotonicity checks.
var forwardOrder = map[PeriodStatus]int{
	StatusCollecting:    0,
	StatusCalculating:   1,
	StatusProposed:      2,
	StatusQuorumPending: 3,
	StatusReady:         4,
	StatusExecuting:     5,
	StatusSettled:       6,
}

// CanTransition reports whether moving from -> to is a legal state-machine
// edge. Settled and expired periods are immutable.
func CanTransition(from, to PeriodStatus) bool {
	// Exceptional edges first.
	if from == StatusQuorumPending && to == StatusExpired {
		return true
	}
	if from == StatusExecuting && to == StatusDisputed {
		return true
	}
	fi, fok := forwardOrder[from]
	ti, tok := forwardOrder[to]
	if !fok || !tok {
		return false
	}
	return ti == fi+1
}

// Terminal reports whether a period in this status is immutable.
func (s PeriodStatus) Terminal() bool {
	return s == StatusSettled || s == StatusExpired
}

// PeriodID identifies a settlement window, derived from the ISO calendar
// week of the window start, e.g. "2026-W34".
type PeriodID string

// PeriodIDFor returns the period id for the window containing t.
func PeriodIDFor(t time.Time) PeriodID {
	year, week := t.UTC().ISOWeek()
	return PeriodID(fmt.Sprintf("%04d-W%02d", year, week))
}

// WindowFor returns the [start, end) settlement window containing t:
// Monday 00:00 UTC through the following Monday.
func WindowFor(t time.Time) (start, end time.Time) {
	t = t.UTC()
	// time.Weekday numbers Sunday as 0; shift so Monday is 0.
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	start = day.AddDate(0, 0, -offset)
	end = start.AddDate(0, 0, 7)
	return start, end
}

// WindowForPeriod inverts PeriodIDFor: the [start, end) window for a period
// id. January 4 always falls in ISO week 1, which anchors the calculation.
func WindowForPeriod(id PeriodID) (start, end time.Time, err error) {
	var year, week int
	if _, err := fmt.Sscanf(string(id), "%d-W%d", &year, &week); err != nil || week < 1 || week > 53 {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed period id %q", id)
	}
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	week1Start, _ := WindowFor(jan4)
	start = week1Start.AddDate(0, 0, (week-1)*7)
	return start, start.AddDate(0, 0, 7), nil
}

// WeeksBetween returns how many whole settlement windows separate two period
// ids (positive when b is after a).
func WeeksBetween(a, b PeriodID) (int, error) {
	as, _, err := WindowForPeriod(a)
	if err != nil {
		return 0, err
	}
	bs, _, err := WindowForPeriod(b)
	if err != nil {
		return 0, err
	}
	return int(bs.Sub(as) / (7 * 24 * time.Hour)), nil
}

// NextPeriod returns the id of the window immediately after id.
func NextPeriod(id PeriodID) (PeriodID, error) {
	_, end, err := WindowForPeriod(id)
	if err != nil {
		return "", err
	}
	return PeriodIDFor(end), nil
}

// ContributionRecord is the frozen per-(period, member) calculation input.
// It is immutable once the period leaves collecting.
type ContributionRecord struct {
	Period       PeriodID `json:"period"`
	Member       PeerID   `json:"member"`
	CapacitySats int64    `json:"capacity_sats"`
	UptimePct    float64  `json:"uptime_pct"`
	ForwardsSats int64    `json:"forwards_sats"`
	FeesSats     int64    `json:"fees_sats"`

	// CarrySats is the balance carried forward from a prior expired or
	// partially failed period. Positive means the member is still owed,
	// negative means it still owes.
	CarrySats int64 `json:"carry_sats,omitempty"`

	// CarryFrom names the period the carried balance originated in, so no
	// obligation is ever lost silently.
	CarryFrom PeriodID `json:"carry_from,omitempty"`
}

// MemberBalance is a member's computed fair-share outcome for a period.
type MemberBalance struct {
	Member        PeerID  `json:"member"`
	WeightedScore float64 `json:"weighted_score"`
	FairShareSats int64   `json:"fair_share_sats"`
	// BalanceSats is fair share minus fees earned, plus any carry-forward.
	// Positive means the member is owed; negative means it owes.
	BalanceSats int64 `json:"balance_sats"`
}

// SettlementPeriod is the persisted record of one settlement window.
// Exactly one period is active per window.
type SettlementPeriod struct {
	ID          PeriodID     `json:"id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Status      PeriodStatus `json:"status"`

	// Balances holds the computed fair-share balances once the period has
	// been calculated.
	Balances []MemberBalance `json:"balances,omitempty"`

	// Payments holds the netted legs once the period reached ready.
	Payments []NettedPayment `json:"payments,omitempty"`

	// QuorumDeadline is the absolute expiry for the quorum wait.
	QuorumDeadline time.Time `json:"quorum_deadline,omitempty"`

	// AcksReceived counts acknowledgments collected while quorum_pending.
	AcksReceived int `json:"acks_received,omitempty"`

	// CarriedInto names the successor period that received this period's
	// unresolved balances, if any.
	CarriedInto PeriodID `json:"carried_into,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
