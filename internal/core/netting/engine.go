// Package netting reduces a set of member balances into a minimal set of
// net payments. Obligations form a directed weighted graph keyed by member
// pairs; netting is graph reduction over maps, not an object graph.
package netting

import (
	"sort"

	"github.com/hiveroute/hived/internal/core/hive"
)

// Result is the outcome of netting one period's balances.
type Result struct {
	// Payments are the legs to execute, largest first.
	Payments []hive.NettedPayment

	// Deferred holds per-member amounts below the dust floor, to be carried
	// into the next period instead of executed.
	Deferred map[hive.PeerID]int64
}

// Positions folds raw obligations into per-member net positions: payees
// accumulate positive amounts, payers negative. Bilateral opposing
// obligations collapse implicitly.
func Positions(obligations []hive.Obligation) map[hive.PeerID]int64 {
	positions := make(map[hive.PeerID]int64)
	for _, o := range obligations {
		positions[o.Payer] -= o.AmountSats
		positions[o.Payee] += o.AmountSats
	}
	return positions
}

// BilateralNet collapses the obligations between exactly two members into a
// single payment. The returned payment is nil when the pair nets to zero.
func BilateralNet(a, b hive.PeerID, obligations []hive.Obligation) *hive.NettedPayment {
	var net int64 // positive: b pays a
	var sources []string
	for _, o := range obligations {
		switch {
		case o.Payer == b && o.Payee == a:
			net += o.AmountSats
			sources = append(sources, o.ID)
		case o.Payer == a && o.Payee == b:
			net -= o.AmountSats
			sources = append(sources, o.ID)
		}
	}
	if net == 0 {
		return nil
	}
	p := &hive.NettedPayment{Status: hive.LegPending, SourceObligationIDs: sources}
	if net > 0 {
		p.From, p.To, p.AmountSats = b, a, net
	} else {
		p.From, p.To, p.AmountSats = a, b, -net
	}
	return p
}

type position struct {
	member hive.PeerID
	amount int64
}

// Net reduces a balanced set of member balances into at most
// #payers + #receivers − 1 payments by greedily matching the largest payer
// against the largest receiver. Legs below dustFloorSats are deferred to the
// next period rather than executed.
func Net(balances map[hive.PeerID]int64, dustFloorSats int64) Result {
	var payers, receivers []position
	for member, bal := range balances {
		switch {
		case bal < 0:
			payers = append(payers, position{member: member, amount: -bal})
		case bal > 0:
			receivers = append(receivers, position{member: member, amount: bal})
		}
	}

	// Largest first; ties broken by member id for determinism across the
	// fleet (every member must derive the identical proposal).
	byAmount := func(s []position) func(i, j int) bool {
		return func(i, j int) bool {
			if s[i].amount != s[j].amount {
				return s[i].amount > s[j].amount
			}
			return s[i].member < s[j].member
		}
	}
	sort.Slice(payers, byAmount(payers))
	sort.Slice(receivers, byAmount(receivers))

	res := Result{Deferred: make(map[hive.PeerID]int64)}
	pi, ri := 0, 0
	for pi < len(payers) && ri < len(receivers) {
		p, r := &payers[pi], &receivers[ri]

		amount := p.amount
		if r.amount < amount {
			amount = r.amount
		}

		if amount < dustFloorSats {
			// The smaller side can no longer form an executable leg; defer
			// its residue and keep matching the other side.
			if p.amount <= r.amount {
				res.Deferred[p.member] -= p.amount
				pi++
			} else {
				res.Deferred[r.member] += r.amount
				ri++
			}
			continue
		}

		res.Payments = append(res.Payments, hive.NettedPayment{
			From:       p.member,
			To:         r.member,
			AmountSats: amount,
			Status:     hive.LegPending,
		})
		p.amount -= amount
		r.amount -= amount
		if p.amount == 0 {
			pi++
		}
		if r.amount == 0 {
			ri++
		}
	}

	// One side exhausted: whatever remains on the other side is rounding
	// residue or dust; defer it so nothing is lost silently.
	for ; pi < len(payers); pi++ {
		if payers[pi].amount != 0 {
			res.Deferred[payers[pi].member] -= payers[pi].amount
		}
	}
	for ; ri < len(receivers); ri++ {
		if receivers[ri].amount != 0 {
			res.Deferred[receivers[ri].member] += receivers[ri].amount
		}
	}

	return res
}

// MaxPayments is the greedy upper bound on payment count for a balanced set.
func MaxPayments(payers, receivers int) int {
	if payers == 0 || receivers == 0 {
		return 0
	}
	return payers + receivers - 1
}
