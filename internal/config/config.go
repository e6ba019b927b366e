// Package config loads and validates the hived configuration from defaults,
// a TOML file and HIVED_ environment variables, in that priority order.
package config

import (
	"time"

	"github.com/hiveroute/hived/internal/crypto"
)

// Config is the complete hived configuration.
type Config struct {
	Node       NodeConfig       `toml:"node" mapstructure:"node"`
	Settlement SettlementConfig `toml:"settlement" mapstructure:"settlement"`
	Credit     CreditConfig     `toml:"credit" mapstructure:"credit"`
	Dispute    DisputeConfig    `toml:"dispute" mapstructure:"dispute"`
	Payment    PaymentConfig    `toml:"payment" mapstructure:"payment"`
	Storage    StorageConfig    `toml:"storage" mapstructure:"storage"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	RPC        RPCConfig        `toml:"rpc" mapstructure:"rpc"`

	configPath string `toml:"-" mapstructure:"-"`
}

// NodeConfig identifies the local member.
type NodeConfig struct {
	// ID is the stable peer identity used in settlement records.
	ID string `toml:"id" mapstructure:"id"`

	// KeySeed seeds the signing keypair. Empty generates an ephemeral key.
	KeySeed string `toml:"key_seed" mapstructure:"key_seed"`

	// KeyAlgorithm selects the signing scheme: ed25519 or secp256k1.
	KeyAlgorithm string `toml:"key_algorithm" mapstructure:"key_algorithm"`

	// DataDir is the base directory for persistent state.
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
}

// SettlementConfig carries the period lifecycle tunables.
type SettlementConfig struct {
	QuorumFraction  float64       `toml:"quorum_fraction" mapstructure:"quorum_fraction"`
	QuorumWindow    time.Duration `toml:"quorum_window" mapstructure:"quorum_window"`
	DustFloorSats   int64         `toml:"dust_floor_sats" mapstructure:"dust_floor_sats"`
	MaxCarryPeriods int           `toml:"max_carry_periods" mapstructure:"max_carry_periods"`
	PaymentTimeout  time.Duration `toml:"payment_timeout" mapstructure:"payment_timeout"`

	// TickInterval is how often the scheduler checks for due transitions.
	TickInterval time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
}

// CreditConfig carries the bond and credit ledger tunables.
type CreditConfig struct {
	BondMaturityDays int           `toml:"bond_maturity_days" mapstructure:"bond_maturity_days"`
	ReleaseWindow    time.Duration `toml:"release_window" mapstructure:"release_window"`
}

// DisputeConfig carries the arbitration tunables.
type DisputeConfig struct {
	PanelSize  int           `toml:"panel_size" mapstructure:"panel_size"`
	VoteWindow time.Duration `toml:"vote_window" mapstructure:"vote_window"`
}

// PaymentConfig selects the payment rail that executes settlement legs.
type PaymentConfig struct {
	// Backend is fake (in-memory, no real payments; automatic execution is
	// refused) or http (external payment processor).
	Backend string `toml:"backend" mapstructure:"backend"`

	// Endpoint is the processor base URL, required for the http backend.
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	// Backend is one of bbolt, pebble or memory.
	Backend string `toml:"backend" mapstructure:"backend"`

	// Path overrides the backend's location under DataDir.
	Path string `toml:"path" mapstructure:"path"`
}

// HistoryConfig configures the optional PostgreSQL period archive.
type HistoryConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	DSN             string        `toml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// RPCConfig configures the operator HTTP surface.
type RPCConfig struct {
	ListenAddr     string        `toml:"listen_addr" mapstructure:"listen_addr"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

// GetConfigPath returns the path the configuration was loaded from, or empty
// when only defaults and environment variables were used.
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// KeyType maps the configured algorithm name to the crypto key type.
func (n NodeConfig) KeyType() crypto.KeyType {
	if n.KeyAlgorithm == "secp256k1" {
		return crypto.SECP256K1
	}
	return crypto.ED25519
}
