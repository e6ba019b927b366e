package hive

import "time"

// Verdict is the outcome of a dispute case.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictUpheld   Verdict = "upheld"
	VerdictRejected Verdict = "rejected"
)

// Evidence is one item submitted in support of a dispute.
type Evidence struct {
	SubmittedBy PeerID    `json:"submitted_by"`
	Description string    `json:"description"`
	ProofRef    string    `json:"proof_ref,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PanelVote is a single arbitration vote cast by a panel member.
type PanelVote struct {
	Voter     PeerID    `json:"voter"`
	Uphold    bool      `json:"uphold"`
	Signature string    `json:"signature,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// DisputeCase is a contested settlement outcome under panel arbitration.
type DisputeCase struct {
	ID string `json:"id"`

	// Claimant contests the outcome; Respondent is the party whose bond is
	// at risk if the case is upheld.
	Claimant   PeerID `json:"claimant"`
	Respondent PeerID `json:"respondent"`

	// Period links the case to the settlement period it contests.
	Period PeriodID `json:"period,omitempty"`

	Evidence []Evidence  `json:"evidence"`
	Panel    []PeerID    `json:"panel"`
	Votes    []PanelVote `json:"votes"`

	Verdict Verdict `json:"verdict"`

	// PenaltySats is the bond slash applied on an upheld verdict.
	PenaltySats int64 `json:"penalty_sats,omitempty"`

	OpenedAt     time.Time `json:"opened_at"`
	VoteDeadline time.Time `json:"vote_deadline"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`

	// TimedOut is set when the case resolved to rejected because the vote
	// window elapsed without a strict majority. Logged for manual review.
	TimedOut bool `json:"timed_out,omitempty"`
}
