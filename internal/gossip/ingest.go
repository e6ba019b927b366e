package gossip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hiveroute/hived/internal/core/contribution"
	"github.com/hiveroute/hived/internal/core/credit"
	"github.com/hiveroute/hived/internal/core/dispute"
	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/presence"
	"github.com/hiveroute/hived/internal/core/settlement"
	"github.com/hiveroute/hived/internal/payment"
)

// Ingestor applies incoming gossip messages to local settlement state.
// Ingestion is unordered and concurrent with the settlement cycle; each
// component serializes its own writes.
type Ingestor struct {
	tracker    *presence.Tracker
	fleet      *contribution.FleetState
	orch       *settlement.Orchestrator
	arbitrator *dispute.Arbitrator
	credit     *credit.Manager
	offers     *payment.OfferRegistry
}

// NewIngestor wires the ingestor to the components it feeds.
func NewIngestor(tracker *presence.Tracker, fleet *contribution.FleetState, orch *settlement.Orchestrator, arbitrator *dispute.Arbitrator, cm *credit.Manager, offers *payment.OfferRegistry) *Ingestor {
	return &Ingestor{
		tracker:    tracker,
		fleet:      fleet,
		orch:       orch,
		arbitrator: arbitrator,
		credit:     cm,
		offers:     offers,
	}
}

// Apply dispatches one decoded message. Unknown senders are created on
// first sighting; malformed or stale content is rejected per component.
func (in *Ingestor) Apply(ctx context.Context, msg Message, now time.Time) error {
	switch m := msg.(type) {
	case *SettlementSummary:
		return in.applySummary(m)
	case *NettingProposal:
		return in.applyProposal(m)
	case *NettingAck:
		_, err := in.orch.HandleAck(ctx, m.Period, m.From, m.PublicKey, m.Signature, now)
		// Late acks are expected around the deadline; they are not a fault
		// of the link.
		if errors.Is(err, settlement.ErrAckWindowClosed) {
			log.Printf("gossip: discarding late ack from %s for %s", m.From, m.Period)
			return nil
		}
		return err
	case *BondPosting:
		_, err := in.credit.PostBond(m.From, m.AmountSats, m.LockConditions, m.Timestamp)
		return err
	case *ViolationReport:
		return in.applyViolation(ctx, m)
	case *ArbitrationVote:
		return in.arbitrator.CastVote(m.CaseID, m.From, m.Uphold, m.PublicKey, m.Signature, now)
	case *PaymentOffer:
		in.offers.Register(m.From, m.Reference, m.Timestamp)
		return nil
	case *Presence:
		in.tracker.RecordTransition(m.From, m.Online, m.Timestamp)
		return nil
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type())
	}
}

// ApplyEnvelope decodes and dispatches a framed wire message.
func (in *Ingestor) ApplyEnvelope(ctx context.Context, e Envelope, now time.Time) error {
	msg, err := Unwrap(e)
	if err != nil {
		return err
	}
	return in.Apply(ctx, msg, now)
}

func (in *Ingestor) applySummary(m *SettlementSummary) error {
	in.fleet.Update(m.From, contribution.RemoteMetrics{
		CapacitySats: m.CapacitySats,
		FeesSats:     m.FeesSats,
		ForwardsSats: m.ForwardsSats,
		UpdatedAt:    m.Timestamp,
	})
	// A member reporting metrics is evidently online even if no presence
	// record exists yet.
	in.tracker.EnsurePresence(m.From, true, m.Timestamp)
	in.credit.UpsertMember(hive.Member{
		PeerID:         m.From,
		CapacitySats:   m.CapacitySats,
		FeesEarnedSats: m.FeesSats,
		ForwardsSats:   m.ForwardsSats,
	})
	return nil
}

// applyProposal cross-checks a peer's proposal against the locally derived
// payment set. Divergence means the inputs disagree and must be surfaced
// before anyone acks.
func (in *Ingestor) applyProposal(m *NettingProposal) error {
	_, local, err := in.orch.Preview(m.Period)
	if err != nil {
		return fmt.Errorf("deriving local proposal for %s: %w", m.Period, err)
	}
	if !samePayments(local, m.Payments) {
		log.Printf("gossip: proposal for %s from %s diverges from local derivation (%d vs %d legs)",
			m.Period, m.From, len(m.Payments), len(local))
		return fmt.Errorf("proposal for %s from %s diverges from local derivation", m.Period, m.From)
	}
	return nil
}

func (in *Ingestor) applyViolation(ctx context.Context, m *ViolationReport) error {
	candidates := make([]hive.PeerID, 0)
	for _, member := range in.credit.Members() {
		candidates = append(candidates, member.PeerID)
	}

	evidence := []hive.Evidence{{
		SubmittedBy: m.From,
		Description: m.Description,
		SubmittedAt: m.Timestamp,
	}}
	for _, ref := range m.ProofRefs {
		evidence = append(evidence, hive.Evidence{
			SubmittedBy: m.From,
			ProofRef:    ref,
			SubmittedAt: m.Timestamp,
		})
	}

	penalty := violationPenalty(in.credit, m.Against)
	c, err := in.arbitrator.OpenCase(m.From, m.Against, m.Period, evidence, candidates, penalty, m.Timestamp)
	if err != nil {
		return err
	}
	log.Printf("gossip: violation report from %s opened case %s against %s", m.From, c.ID, m.Against)

	// A report naming a period that is mid-execution contests its outcome in
	// place. Any other state just opens the case.
	if m.Period != "" {
		if _, derr := in.orch.MarkDisputed(ctx, m.Period, c.ID, m.Timestamp); derr != nil {
			log.Printf("gossip: case %s: period %s not marked disputed: %v", c.ID, m.Period, derr)
		}
	}
	return nil
}

// violationPenalty sizes the proposed slash at a tenth of the respondent's
// effective bond, floored at one dust-sized unit so a verdict always bites.
func violationPenalty(cm *credit.Manager, respondent hive.PeerID) int64 {
	penalty := cm.EffectiveBond(respondent) / 10
	if penalty < 1000 {
		penalty = 1000
	}
	return penalty
}

func samePayments(a, b []hive.NettedPayment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].From != b[i].From || a[i].To != b[i].To || a[i].AmountSats != b[i].AmountSats {
			return false
		}
	}
	return true
}
