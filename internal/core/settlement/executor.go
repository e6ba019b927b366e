package settlement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/payment"
)

// Executor pays the local node's legs of an approved netting result. Legs
// are independent: one failed leg never blocks the others. A leg gets
// exactly one attempt per period; failure rolls into the next period's
// carry-forward instead of retrying in place.
type Executor struct {
	collab     payment.Collaborator
	localID    hive.PeerID
	legTimeout time.Duration
}

// NewExecutor wires the executor to the payment rail.
func NewExecutor(collab payment.Collaborator, localID hive.PeerID, legTimeout time.Duration) *Executor {
	return &Executor{
		collab:     collab,
		localID:    localID,
		legTimeout: legTimeout,
	}
}

// Run executes every leg payable by the local node and returns the full
// payment set with statuses resolved. Legs owed by other members stay
// pending here; their payers resolve them and gossip the outcome. Each
// (payer, payee) pair appears at most once in a netting result, so no pair
// ever has more than one outstanding payment.
func (e *Executor) Run(ctx context.Context, payments []hive.NettedPayment) ([]hive.NettedPayment, error) {
	out := make([]hive.NettedPayment, len(payments))
	copy(out, payments)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i := range out {
		if out[i].From != e.localID || out[i].Status != hive.LegPending {
			continue
		}
		i := i
		g.Go(func() error {
			leg := e.payOnce(gctx, out[i])
			mu.Lock()
			out[i] = leg
			mu.Unlock()
			// Leg failures are recorded, not propagated: the remaining legs
			// must still run.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Escrow locks amountSats with the collaborator under the per-leg timeout.
// Used when an obligation crosses the payer's credit line and can no longer
// defer.
func (e *Executor) Escrow(ctx context.Context, to hive.PeerID, amountSats int64) (string, error) {
	escrowCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
	defer cancel()
	return e.collab.Escrow(escrowCtx, to, amountSats)
}

// payOnce attempts one leg under the per-leg timeout. Timeout and
// cancellation mark the leg failed, never settled.
func (e *Executor) payOnce(ctx context.Context, leg hive.NettedPayment) hive.NettedPayment {
	legCtx, cancel := context.WithTimeout(ctx, e.legTimeout)
	defer cancel()

	proof, err := e.collab.PayLeg(legCtx, leg.To, leg.AmountSats)
	if err != nil {
		leg.Status = hive.LegFailed
		leg.FailureReason = err.Error()
		return leg
	}
	leg.Status = hive.LegSettled
	leg.ProofReference = proof
	return leg
}
