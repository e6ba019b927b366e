package hive

// ObligationKind discriminates the nine settlement obligation types. The
// netting and credit logic is kind-agnostic; only downstream reporting cares
// about the discriminant.
type ObligationKind string

const (
	KindRoutingRevenue      ObligationKind = "routing_revenue"
	KindRebalancingCost     ObligationKind = "rebalancing_cost"
	KindChannelLeasing      ObligationKind = "channel_leasing"
	KindSplicing            ObligationKind = "splicing"
	KindSharedOpen          ObligationKind = "shared_open"
	KindPheromoneMarket     ObligationKind = "pheromone_market"
	KindIntelligenceSharing ObligationKind = "intelligence_sharing"
	KindPenalty             ObligationKind = "penalty"
	KindAdvisorFee          ObligationKind = "advisor_fee"
)

// Valid reports whether k is one of the nine settlement kinds.
func (k ObligationKind) Valid() bool {
	switch k {
	case KindRoutingRevenue, KindRebalancingCost, KindChannelLeasing,
		KindSplicing, KindSharedOpen, KindPheromoneMarket,
		KindIntelligenceSharing, KindPenalty, KindAdvisorFee:
		return true
	}
	return false
}

// Obligation is a single who-owes-whom entry produced by a type-specific
// producer outside the settlement core and consumed as raw netting input.
type Obligation struct {
	ID       string         `json:"id"`
	Kind     ObligationKind `json:"kind"`
	Payer    PeerID         `json:"payer"`
	Payee    PeerID         `json:"payee"`
	// AmountSats is always positive; direction is payer -> payee.
	AmountSats int64 `json:"amount_sats"`

	// ProofReference is an opaque pointer to a signed receipt chain.
	ProofReference string `json:"proof_reference,omitempty"`
}

// LegStatus is the execution state of a single netted payment leg.
type LegStatus string

const (
	LegPending LegStatus = "pending"
	LegSettled LegStatus = "settled"
	LegFailed  LegStatus = "failed"
	// LegDeferred marks a leg below the dust floor, rolled into the next
	// period instead of executed.
	LegDeferred LegStatus = "deferred"
)

// NettedPayment is one payment leg produced by the netting engine. It is
// derived state, recomputed each period, and never persisted before the
// period reaches ready.
type NettedPayment struct {
	From       PeerID    `json:"from"`
	To         PeerID    `json:"to"`
	AmountSats int64     `json:"amount_sats"`
	Status     LegStatus `json:"status"`

	// SourceObligationIDs traces the leg back to the raw obligations it
	// settles, when obligation-level input was provided.
	SourceObligationIDs []string `json:"source_obligation_ids,omitempty"`

	// ProofReference is the payment proof returned by the collaborator
	// once the leg settles.
	ProofReference string `json:"proof_reference,omitempty"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
}
