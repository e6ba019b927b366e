package hive

import "fmt"

// AckSigningPayload is the canonical byte string a netting acknowledgment
// signature covers. Every member derives it identically.
func AckSigningPayload(period PeriodID, from PeerID) []byte {
	return []byte(fmt.Sprintf("netting_ack:%s:%s", period, from))
}

// VoteSigningPayload is the canonical byte string an arbitration vote
// signature covers.
func VoteSigningPayload(caseID string, voter PeerID, uphold bool) []byte {
	return []byte(fmt.Sprintf("arbitration_vote:%s:%s:%t", caseID, voter, uphold))
}
