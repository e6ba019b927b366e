// Package history archives settled and expired settlement periods to
// PostgreSQL for long-term fleet accounting queries. The key-value store
// remains the operational source of truth; the archive is write-once per
// terminal period.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/hiveroute/hived/internal/core/hive"
)

// Config is the archive connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Archive is a PostgreSQL-backed period archive.
type Archive struct {
	db  *sql.DB
	cfg Config
}

// Open connects to PostgreSQL and initializes the schema.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening archive connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging archive: %w", err)
	}

	a := &Archive{db: db, cfg: cfg}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the archive connection.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Archive) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settlement_periods (
			period_id VARCHAR(16) PRIMARY KEY,
			window_start TIMESTAMP WITH TIME ZONE NOT NULL,
			window_end TIMESTAMP WITH TIME ZONE NOT NULL,
			status VARCHAR(20) NOT NULL,
			acks_received INTEGER NOT NULL DEFAULT 0,
			carried_into VARCHAR(16),
			archived_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS member_balances (
			period_id VARCHAR(16) NOT NULL,
			member VARCHAR(128) NOT NULL,
			weighted_score DOUBLE PRECISION NOT NULL,
			fair_share_sats BIGINT NOT NULL,
			balance_sats BIGINT NOT NULL,
			PRIMARY KEY (period_id, member)
		)`,

		`CREATE TABLE IF NOT EXISTS payment_legs (
			period_id VARCHAR(16) NOT NULL,
			payer VARCHAR(128) NOT NULL,
			payee VARCHAR(128) NOT NULL,
			amount_sats BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			proof_reference TEXT,
			failure_reason TEXT,
			PRIMARY KEY (period_id, payer, payee)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_member_balances_member ON member_balances(member)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_legs_payer ON payment_legs(payer)`,
		`CREATE INDEX IF NOT EXISTS idx_periods_status ON settlement_periods(status)`,
	}

	for _, query := range queries {
		if _, err := a.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("initializing archive schema: %w", err)
		}
	}
	return nil
}

// ArchivePeriod writes a terminal period with its balances and legs.
// Re-archiving is an idempotent upsert.
func (a *Archive) ArchivePeriod(ctx context.Context, p *hive.SettlementPeriod) error {
	if a.db == nil {
		return fmt.Errorf("archive closed")
	}
	if !p.Status.Terminal() {
		return fmt.Errorf("period %s is %s, only terminal periods archive", p.ID, p.Status)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO settlement_periods (period_id, window_start, window_end, status, acks_received, carried_into)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		 ON CONFLICT (period_id) DO UPDATE SET
		 status = EXCLUDED.status,
		 acks_received = EXCLUDED.acks_received,
		 carried_into = EXCLUDED.carried_into`,
		p.ID, p.WindowStart, p.WindowEnd, p.Status, p.AcksReceived, string(p.CarriedInto))
	if err != nil {
		return fmt.Errorf("archiving period %s: %w", p.ID, err)
	}

	for _, b := range p.Balances {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO member_balances (period_id, member, weighted_score, fair_share_sats, balance_sats)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (period_id, member) DO UPDATE SET
			 weighted_score = EXCLUDED.weighted_score,
			 fair_share_sats = EXCLUDED.fair_share_sats,
			 balance_sats = EXCLUDED.balance_sats`,
			p.ID, b.Member, b.WeightedScore, b.FairShareSats, b.BalanceSats)
		if err != nil {
			return fmt.Errorf("archiving balance for %s: %w", b.Member, err)
		}
	}

	for _, leg := range p.Payments {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO payment_legs (period_id, payer, payee, amount_sats, status, proof_reference, failure_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (period_id, payer, payee) DO UPDATE SET
			 status = EXCLUDED.status,
			 proof_reference = EXCLUDED.proof_reference,
			 failure_reason = EXCLUDED.failure_reason`,
			p.ID, leg.From, leg.To, leg.AmountSats, leg.Status, leg.ProofReference, leg.FailureReason)
		if err != nil {
			return fmt.Errorf("archiving leg %s->%s: %w", leg.From, leg.To, err)
		}
	}

	return tx.Commit()
}

// PeriodSummary is one archived period row.
type PeriodSummary struct {
	ID           hive.PeriodID
	WindowStart  time.Time
	WindowEnd    time.Time
	Status       hive.PeriodStatus
	AcksReceived int
	CarriedInto  hive.PeriodID
}

// Periods returns archived periods newest first, up to limit.
func (a *Archive) Periods(ctx context.Context, limit int) ([]PeriodSummary, error) {
	if a.db == nil {
		return nil, fmt.Errorf("archive closed")
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT period_id, window_start, window_end, status, acks_received, COALESCE(carried_into, '')
		 FROM settlement_periods ORDER BY period_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archived periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodSummary
	for rows.Next() {
		var s PeriodSummary
		if err := rows.Scan(&s.ID, &s.WindowStart, &s.WindowEnd, &s.Status, &s.AcksReceived, &s.CarriedInto); err != nil {
			return nil, fmt.Errorf("scanning archived period: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MemberHistory returns a member's archived balances newest first.
func (a *Archive) MemberHistory(ctx context.Context, member hive.PeerID, limit int) ([]hive.MemberBalance, error) {
	if a.db == nil {
		return nil, fmt.Errorf("archive closed")
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT member, weighted_score, fair_share_sats, balance_sats
		 FROM member_balances WHERE member = $1 ORDER BY period_id DESC LIMIT $2`, member, limit)
	if err != nil {
		return nil, fmt.Errorf("querying member history: %w", err)
	}
	defer rows.Close()

	var out []hive.MemberBalance
	for rows.Next() {
		var b hive.MemberBalance
		if err := rows.Scan(&b.Member, &b.WeightedScore, &b.FairShareSats, &b.BalanceSats); err != nil {
			return nil, fmt.Errorf("scanning member balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
