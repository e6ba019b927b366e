// Package settlement drives the per-period state machine: freezing
// contribution snapshots, deriving fair-share balances and netted payments,
// collecting quorum acknowledgments, and executing the resulting legs.
package settlement

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/crypto"
)

var (
	// ErrBadSignature is returned for an acknowledgment whose signature does
	// not verify against the sender's public key.
	ErrBadSignature = errors.New("acknowledgment signature does not verify")

	// ErrNotEligible is returned for an acknowledgment from a peer outside
	// the period's frozen member set.
	ErrNotEligible = errors.New("acker is not in the period member set")

	// ErrAckWindowClosed is returned for acknowledgments arriving after the
	// quorum deadline.
	ErrAckWindowClosed = errors.New("quorum window has closed")
)

// AckTracker collects signed netting acknowledgments for one period and
// decides when quorum is reached. Duplicate acks from the same member are
// idempotent.
type AckTracker struct {
	mu sync.Mutex

	period   hive.PeriodID
	members  map[hive.PeerID]struct{}
	acks     map[hive.PeerID]struct{}
	fraction float64
	deadline time.Time
}

// NewAckTracker starts tracking acknowledgments for a period over the given
// eligible member set.
func NewAckTracker(period hive.PeriodID, members []hive.PeerID, fraction float64, deadline time.Time) *AckTracker {
	eligible := make(map[hive.PeerID]struct{}, len(members))
	for _, m := range members {
		eligible[m] = struct{}{}
	}
	return &AckTracker{
		period:   period,
		members:  eligible,
		acks:     make(map[hive.PeerID]struct{}),
		fraction: fraction,
		deadline: deadline,
	}
}

// Record verifies and records one acknowledgment, returning whether quorum
// is now reached.
func (t *AckTracker) Record(from hive.PeerID, publicKeyHex, signatureHex string, now time.Time) (quorum bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.After(t.deadline) {
		return false, ErrAckWindowClosed
	}
	if _, ok := t.members[from]; !ok {
		return false, ErrNotEligible
	}

	payload := hive.AckSigningPayload(t.period, from)
	if !crypto.ProviderForKey(publicKeyHex).Verify(payload, publicKeyHex, signatureHex) {
		return false, ErrBadSignature
	}

	t.acks[from] = struct{}{}
	return t.quorumLocked(), nil
}

// Count returns how many distinct members have acked.
func (t *AckTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks)
}

// Quorum reports whether the ack fraction has been reached.
func (t *AckTracker) Quorum() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quorumLocked()
}

// Deadline returns the absolute quorum expiry.
func (t *AckTracker) Deadline() time.Time {
	return t.deadline
}

// quorumLocked applies the fraction against the frozen member set. Caller
// must hold the lock.
func (t *AckTracker) quorumLocked() bool {
	if len(t.members) == 0 {
		return false
	}
	needed := int(math.Ceil(t.fraction * float64(len(t.members))))
	if needed < 1 {
		needed = 1
	}
	return len(t.acks) >= needed
}
