// Package credit tracks bonds, tenure, credit tiers and accumulated
// unsettled obligations per peer, and decides whether escrow is required
// now or can be deferred.
package credit

import (
	"time"

	"github.com/hiveroute/hived/internal/core/hive"
)

// TierParams are the monotonic requirements and allowances of one credit
// tier. Requirements never loosen as tiers rise.
type TierParams struct {
	// Requirements
	MinTenureDays int
	MaxDisputes   int
	MinReputation int

	// Allowances
	CreditLineSats      int64
	SettlementWindow    time.Duration
	BaseMinimumBondSats int64
}

// tierTable orders tiers lowest to highest.
var tierTable = []struct {
	tier   hive.CreditTier
	params TierParams
}{
	{hive.TierNewcomer, TierParams{
		MinTenureDays: 0, MaxDisputes: 1 << 30, MinReputation: -1 << 30,
		CreditLineSats: 10_000, SettlementWindow: 24 * time.Hour, BaseMinimumBondSats: 100_000,
	}},
	{hive.TierRecognized, TierParams{
		MinTenureDays: 30, MaxDisputes: 2, MinReputation: 0,
		CreditLineSats: 50_000, SettlementWindow: 3 * 24 * time.Hour, BaseMinimumBondSats: 150_000,
	}},
	{hive.TierTrusted, TierParams{
		MinTenureDays: 90, MaxDisputes: 1, MinReputation: 10,
		CreditLineSats: 200_000, SettlementWindow: 7 * 24 * time.Hour, BaseMinimumBondSats: 200_000,
	}},
	{hive.TierSenior, TierParams{
		MinTenureDays: 180, MaxDisputes: 1, MinReputation: 25,
		CreditLineSats: 500_000, SettlementWindow: 14 * 24 * time.Hour, BaseMinimumBondSats: 250_000,
	}},
	{hive.TierFounding, TierParams{
		MinTenureDays: 365, MaxDisputes: 0, MinReputation: 50,
		CreditLineSats: 1_000_000, SettlementWindow: 30 * 24 * time.Hour, BaseMinimumBondSats: 300_000,
	}},
}

// ParamsFor returns the tier's parameters.
func ParamsFor(tier hive.CreditTier) TierParams {
	for _, row := range tierTable {
		if row.tier == tier {
			return row.params
		}
	}
	return tierTable[0].params
}

// TierFor returns the highest tier whose requirements the member meets.
func TierFor(m *hive.Member) hive.CreditTier {
	tier := hive.TierNewcomer
	for _, row := range tierTable {
		p := row.params
		if m.TenureDays >= p.MinTenureDays &&
			m.DisputeCount <= p.MaxDisputes &&
			m.Reputation >= p.MinReputation {
			tier = row.tier
		}
	}
	return tier
}

// CreditLineSats returns the deferral allowance for a tier.
func CreditLineSats(tier hive.CreditTier) int64 {
	return ParamsFor(tier).CreditLineSats
}

// SettlementWindow returns how long a tier may defer settlement.
func SettlementWindow(tier hive.CreditTier) time.Duration {
	return ParamsFor(tier).SettlementWindow
}
