// Package gossip defines the settlement wire messages members exchange and
// the ingestor that applies them to local state. Transport is out of scope:
// messages arrive as JSON payloads from whatever fleet channel carries them.
package gossip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

// Message is a settlement gossip payload.
type Message interface {
	// Type returns the wire type identifier.
	Type() MessageType
}

// MessageType identifies the wire type of a gossip message.
type MessageType string

const (
	// TypeSettlementSummary carries a member's contribution metrics and net
	// obligation for the current window.
	TypeSettlementSummary MessageType = "settlement_summary"

	// TypeNettingProposal carries the proposing member's netted payment set.
	TypeNettingProposal MessageType = "netting_proposal"

	// TypeNettingAck is a signed acknowledgment of a netting proposal.
	TypeNettingAck MessageType = "netting_ack"

	// TypeBondPosting announces posted bond collateral.
	TypeBondPosting MessageType = "bond_posting"

	// TypeViolationReport opens a dispute against a member.
	TypeViolationReport MessageType = "violation_report"

	// TypeArbitrationVote is a signed panel vote on an open dispute.
	TypeArbitrationVote MessageType = "arbitration_vote"

	// TypePaymentOffer publishes a member's settlement payment target.
	TypePaymentOffer MessageType = "payment_offer"

	// TypePresence announces a connectivity transition for uptime tracking.
	TypePresence MessageType = "presence"
)

// SettlementSummary is a member's self-reported contribution for a period.
type SettlementSummary struct {
	From              hive.PeerID   `json:"from"`
	Period            hive.PeriodID `json:"period"`
	CapacitySats      int64         `json:"capacity_sats"`
	FeesSats          int64         `json:"fees_sats"`
	ForwardsSats      int64         `json:"forwards_sats"`
	NetObligationSats int64         `json:"net_obligation_sats"`
	Timestamp         time.Time     `json:"timestamp"`
}

func (m *SettlementSummary) Type() MessageType { return TypeSettlementSummary }

// NettingProposal is the proposer's derived payment set for a period. Every
// member derives the same set independently; the proposal exists so members
// can detect divergence before acking.
type NettingProposal struct {
	From     hive.PeerID          `json:"from"`
	Period   hive.PeriodID        `json:"period"`
	Payments []hive.NettedPayment `json:"payments"`
}

func (m *NettingProposal) Type() MessageType { return TypeNettingProposal }

// NettingAck is a member's signed approval of a netting proposal.
type NettingAck struct {
	From      hive.PeerID   `json:"from"`
	Period    hive.PeriodID `json:"period"`
	PublicKey string        `json:"public_key"`
	Signature string        `json:"signature"`
}

func (m *NettingAck) Type() MessageType { return TypeNettingAck }

// SigningPayload returns the bytes the ack signature covers.
func (m *NettingAck) SigningPayload() []byte {
	return hive.AckSigningPayload(m.Period, m.From)
}

// BondPosting announces bond collateral locked by a member.
type BondPosting struct {
	From           hive.PeerID `json:"from"`
	AmountSats     int64       `json:"amount_sats"`
	LockConditions string      `json:"lock_conditions"`
	Timestamp      time.Time   `json:"timestamp"`
}

func (m *BondPosting) Type() MessageType { return TypeBondPosting }

// ViolationReport opens a dispute case against a member.
type ViolationReport struct {
	From        hive.PeerID   `json:"from"`
	Against     hive.PeerID   `json:"against"`
	Period      hive.PeriodID `json:"period"`
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	ProofRefs   []string      `json:"proof_refs,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (m *ViolationReport) Type() MessageType { return TypeViolationReport }

// ArbitrationVote is one panel member's signed verdict on a case.
type ArbitrationVote struct {
	From      hive.PeerID `json:"from"`
	CaseID    string      `json:"case_id"`
	Uphold    bool        `json:"uphold"`
	PublicKey string      `json:"public_key"`
	Signature string      `json:"signature"`
}

func (m *ArbitrationVote) Type() MessageType { return TypeArbitrationVote }

// SigningPayload returns the bytes the vote signature covers.
func (m *ArbitrationVote) SigningPayload() []byte {
	return hive.VoteSigningPayload(m.CaseID, m.From, m.Uphold)
}

// PaymentOffer publishes the member's settlement payment target.
type PaymentOffer struct {
	From      hive.PeerID `json:"from"`
	Reference string      `json:"reference"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m *PaymentOffer) Type() MessageType { return TypePaymentOffer }

// Presence announces a connectivity transition.
type Presence struct {
	From      hive.PeerID `json:"from"`
	Online    bool        `json:"online"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m *Presence) Type() MessageType { return TypePresence }

// Envelope frames a message with its type for wire transport.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap frames a message into an envelope.
func Wrap(m Message) (Envelope, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Payload: payload}, nil
}

// Unwrap decodes an envelope back into its concrete message.
func Unwrap(e Envelope) (Message, error) {
	var m Message
	switch e.Type {
	case TypeSettlementSummary:
		m = &SettlementSummary{}
	case TypeNettingProposal:
		m = &NettingProposal{}
	case TypeNettingAck:
		m = &NettingAck{}
	case TypeBondPosting:
		m = &BondPosting{}
	case TypeViolationReport:
		m = &ViolationReport{}
	case TypeArbitrationVote:
		m = &ArbitrationVote{}
	case TypePaymentOffer:
		m = &PaymentOffer{}
	case TypePresence:
		m = &Presence{}
	default:
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return m, nil
}
