// Package payment abstracts the node's payment rail. Settlement execution
// never constructs routes or invoices itself: it asks the collaborator for a
// registered offer and pays it, receiving back a proof reference (preimage
// hash or txid) it can attach to the settled leg.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

var (
	// ErrOfferMissing is returned when the payee never registered an offer,
	// so the leg cannot be attempted at all.
	ErrOfferMissing = errors.New("no payment offer registered for payee")

	// ErrPaymentTimeout is returned when a leg does not resolve within the
	// per-payment deadline.
	ErrPaymentTimeout = errors.New("payment timed out")
)

// Offer is a reusable payment target published by a member for receiving
// settlement legs.
type Offer struct {
	Owner     hive.PeerID `json:"owner"`
	Reference string      `json:"reference"`
	CreatedAt time.Time   `json:"created_at"`
}

// Collaborator executes individual settlement legs over the payment rail.
type Collaborator interface {
	// PayLeg pays amountSats from the local node to the offer registered by
	// to, returning a proof reference on success. Blocks until resolved or
	// ctx expires.
	PayLeg(ctx context.Context, to hive.PeerID, amountSats int64) (proofRef string, err error)

	// Escrow locks amountSats owed by the local node when the credit line is
	// exhausted, returning a proof reference for the escrow commitment. An
	// empty to means the amount is owed to the fleet as a whole rather than
	// one payee.
	Escrow(ctx context.Context, to hive.PeerID, amountSats int64) (proofRef string, err error)
}

// OfferRegistry tracks the payment offers published across the fleet.
type OfferRegistry struct {
	mu     sync.RWMutex
	offers map[hive.PeerID]Offer
}

// NewOfferRegistry creates an empty registry.
func NewOfferRegistry() *OfferRegistry {
	return &OfferRegistry{offers: make(map[hive.PeerID]Offer)}
}

// Register stores or replaces the offer for a member.
func (r *OfferRegistry) Register(owner hive.PeerID, reference string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers[owner] = Offer{Owner: owner, Reference: reference, CreatedAt: at.UTC()}
}

// OfferFor returns the registered offer for a member.
func (r *OfferRegistry) OfferFor(owner hive.PeerID) (Offer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offers[owner]
	return o, ok
}

// List returns all registered offers sorted by owner.
func (r *OfferRegistry) List() []Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Offer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// FakeCollaborator is an in-memory collaborator for tests and dry runs. It
// resolves legs against the registry: a registered offer succeeds, a missing
// one fails with ErrOfferMissing, and payees listed in FailWith fail with
// the configured error.
type FakeCollaborator struct {
	Registry *OfferRegistry

	mu       sync.Mutex
	seq      int
	FailWith map[hive.PeerID]error

	// Paid records every successful leg for assertions.
	Paid []PaidLeg
	// Escrowed records every escrow commitment.
	Escrowed []PaidLeg
}

// PaidLeg is one resolved fake payment.
type PaidLeg struct {
	To         hive.PeerID
	AmountSats int64
	ProofRef   string
}

// NewFakeCollaborator creates a fake backed by the given registry.
func NewFakeCollaborator(registry *OfferRegistry) *FakeCollaborator {
	return &FakeCollaborator{
		Registry: registry,
		FailWith: make(map[hive.PeerID]error),
	}
}

// PayLeg implements Collaborator.
func (f *FakeCollaborator) PayLeg(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.FailWith[to]; ok {
		return "", err
	}
	if _, ok := f.Registry.OfferFor(to); !ok {
		return "", fmt.Errorf("paying %s: %w", to, ErrOfferMissing)
	}

	f.seq++
	proof := fmt.Sprintf("proof-%s-%d", to, f.seq)
	f.Paid = append(f.Paid, PaidLeg{To: to, AmountSats: amountSats, ProofRef: proof})
	return proof, nil
}

// Escrow implements Collaborator.
func (f *FakeCollaborator) Escrow(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	proof := fmt.Sprintf("escrow-%s-%d", to, f.seq)
	f.Escrowed = append(f.Escrowed, PaidLeg{To: to, AmountSats: amountSats, ProofRef: proof})
	return proof, nil
}
