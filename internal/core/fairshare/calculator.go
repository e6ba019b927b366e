// Package fairshare converts contribution records into weighted scores,
// fair shares and balances for a settlement period.
package fairshare

import (
	"errors"
	"math"

	"github.com/hiveroute/hived/internal/core/hive"
)

// Contribution weights. They sum to exactly 1.0.
const (
	WeightCapacity = 0.30
	WeightForwards = 0.60
	WeightUptime   = 0.10
)

// ConservationEpsilonPerMember is the tolerated rounding drift per member
// before the remainder is explicitly reassigned.
const ConservationEpsilonPerMember int64 = 1

// ErrNoActivity is returned when no fair share can be computed at all: zero
// total fees and zero total forwards across the fleet. This is systemic and
// reported to the operator rather than absorbed.
var ErrNoActivity = errors.New("no fees and no forwards across the fleet")

// Compute derives each member's weighted score, fair share and balance from
// the period's frozen contribution records. A zero denominator on any
// dimension excludes that dimension (score 0) instead of failing. The
// returned balances sum to exactly zero: any rounding drift beyond the
// epsilon is assigned to the member with the largest positive balance.
func Compute(records map[hive.PeerID]hive.ContributionRecord) (map[hive.PeerID]hive.MemberBalance, error) {
	var totalCapacity, totalForwards, totalFees int64
	for _, rec := range records {
		totalCapacity += rec.CapacitySats
		totalForwards += rec.ForwardsSats
		totalFees += rec.FeesSats
	}

	if totalFees == 0 && totalForwards == 0 {
		return nil, ErrNoActivity
	}

	out := make(map[hive.PeerID]hive.MemberBalance, len(records))
	for id, rec := range records {
		var capacityScore, forwardsScore float64
		if totalCapacity > 0 {
			capacityScore = float64(rec.CapacitySats) / float64(totalCapacity)
		}
		if totalForwards > 0 {
			forwardsScore = float64(rec.ForwardsSats) / float64(totalForwards)
		}
		uptimeScore := rec.UptimePct / 100

		score := WeightCapacity*capacityScore + WeightForwards*forwardsScore + WeightUptime*uptimeScore
		fairShare := int64(math.Round(float64(totalFees) * score))
		balance := fairShare - rec.FeesSats + rec.CarrySats

		out[id] = hive.MemberBalance{
			Member:        id,
			WeightedScore: score,
			FairShareSats: fairShare,
			BalanceSats:   balance,
		}
	}

	enforceConservation(out)
	return out, nil
}

// enforceConservation keeps the sum of balances within the conservation
// epsilon. Drift up to one sat per member is tolerated rounding noise; any
// larger remainder is assigned to the member with the largest positive
// balance, making the sum exactly zero.
func enforceConservation(balances map[hive.PeerID]hive.MemberBalance) {
	var drift int64
	for _, b := range balances {
		drift += b.BalanceSats
	}

	epsilon := ConservationEpsilonPerMember * int64(len(balances))
	if drift >= -epsilon && drift <= epsilon {
		return
	}

	var target hive.PeerID
	best := int64(math.MinInt64)
	for id, b := range balances {
		if b.BalanceSats > best {
			best = b.BalanceSats
			target = id
		}
	}

	b := balances[target]
	b.BalanceSats -= drift
	balances[target] = b
}
