package config

import "github.com/spf13/viper"

// setDefaults sets every default value the daemon runs with when the
// configuration file is absent or partial.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.id", "")
	v.SetDefault("node.key_seed", "")
	v.SetDefault("node.key_algorithm", "ed25519")
	v.SetDefault("node.data_dir", "/var/lib/hived")

	// Settlement defaults
	v.SetDefault("settlement.quorum_fraction", 0.51)
	v.SetDefault("settlement.quorum_window", "24h")
	v.SetDefault("settlement.dust_floor_sats", 1000)
	v.SetDefault("settlement.max_carry_periods", 6)
	v.SetDefault("settlement.payment_timeout", "90s")
	v.SetDefault("settlement.tick_interval", "1m")

	// Credit defaults
	v.SetDefault("credit.bond_maturity_days", 180)
	v.SetDefault("credit.release_window", "336h") // two settlement windows

	// Dispute defaults
	v.SetDefault("dispute.panel_size", 5)
	v.SetDefault("dispute.vote_window", "48h")

	// Payment rail defaults. The fake backend keeps a fresh node runnable,
	// but the daemon refuses automatic execution until a real rail is set.
	v.SetDefault("payment.backend", "fake")
	v.SetDefault("payment.endpoint", "")

	// Storage defaults
	v.SetDefault("storage.backend", "bbolt")
	v.SetDefault("storage.path", "")

	// History archive defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.max_open_conns", 10)
	v.SetDefault("history.max_idle_conns", 5)
	v.SetDefault("history.conn_max_lifetime", "30m")

	// RPC defaults
	v.SetDefault("rpc.listen_addr", "127.0.0.1:8632")
	v.SetDefault("rpc.request_timeout", "30s")
}
