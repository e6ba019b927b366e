package config

import (
	"fmt"

	"github.com/hiveroute/hived/internal/payment"
	"github.com/hiveroute/hived/internal/storage"
)

// ValidateConfig checks the complete configuration for values the daemon
// cannot run with.
func ValidateConfig(cfg *Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch cfg.Node.KeyAlgorithm {
	case "ed25519", "secp256k1":
	default:
		return fmt.Errorf("node.key_algorithm must be ed25519 or secp256k1, got %q", cfg.Node.KeyAlgorithm)
	}

	if cfg.Settlement.QuorumFraction <= 0 || cfg.Settlement.QuorumFraction > 1 {
		return fmt.Errorf("settlement.quorum_fraction must be in (0,1], got %g", cfg.Settlement.QuorumFraction)
	}
	if cfg.Settlement.QuorumWindow <= 0 {
		return fmt.Errorf("settlement.quorum_window must be positive")
	}
	if cfg.Settlement.DustFloorSats < 0 {
		return fmt.Errorf("settlement.dust_floor_sats cannot be negative")
	}
	if cfg.Settlement.MaxCarryPeriods < 1 {
		return fmt.Errorf("settlement.max_carry_periods must be at least 1")
	}
	if cfg.Settlement.PaymentTimeout <= 0 {
		return fmt.Errorf("settlement.payment_timeout must be positive")
	}

	if cfg.Credit.BondMaturityDays < 1 {
		return fmt.Errorf("credit.bond_maturity_days must be at least 1")
	}
	if cfg.Credit.ReleaseWindow <= 0 {
		return fmt.Errorf("credit.release_window must be positive")
	}

	if cfg.Dispute.PanelSize < 3 {
		return fmt.Errorf("dispute.panel_size must be at least 3, got %d", cfg.Dispute.PanelSize)
	}
	if cfg.Dispute.PanelSize%2 == 0 {
		return fmt.Errorf("dispute.panel_size must be odd, got %d", cfg.Dispute.PanelSize)
	}
	if cfg.Dispute.VoteWindow <= 0 {
		return fmt.Errorf("dispute.vote_window must be positive")
	}

	if !payment.ValidBackend(cfg.Payment.Backend) {
		return fmt.Errorf("payment.backend must be fake or http, got %q", cfg.Payment.Backend)
	}
	if cfg.Payment.Backend == payment.BackendHTTP && cfg.Payment.Endpoint == "" {
		return fmt.Errorf("payment.endpoint is required for the http payment backend")
	}

	if !storage.ValidBackend(cfg.Storage.Backend) {
		return fmt.Errorf("storage.backend must be bbolt, pebble or memory, got %q", cfg.Storage.Backend)
	}

	if cfg.History.Enabled && cfg.History.DSN == "" {
		return fmt.Errorf("history.dsn is required when history.enabled is set")
	}

	if cfg.RPC.ListenAddr == "" {
		return fmt.Errorf("rpc.listen_addr is required")
	}
	if cfg.RPC.RequestTimeout <= 0 {
		return fmt.Errorf("rpc.request_timeout must be positive")
	}

	return nil
}
