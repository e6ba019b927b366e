package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hiveroute/hived/internal/core/hive"
)

// Key prefixes for the record families of the settlement engine.
const (
	prefixPeriod   = "period/"
	prefixSnapshot = "snap/"
	prefixPayments = "pay/"
	prefixBond     = "bond/"
	prefixMember   = "member/"
	prefixDispute  = "dispute/"
	prefixPresence = "presence/"
	prefixRevenue  = "revenue/"
	prefixJournal  = "journal/"
)

// periodCacheSize bounds the LRU cache of decoded period records.
const periodCacheSize = 128

// Store provides typed persistence for settlement records on top of a DB
// backend. Blobs are JSON-encoded and LZ4-compressed. Reads of period and
// snapshot records go through an LRU cache.
type Store struct {
	db DB

	periods   *lru.Cache[hive.PeriodID, *hive.SettlementPeriod]
	snapshots *lru.Cache[hive.PeriodID, map[hive.PeerID]hive.ContributionRecord]
}

// NewStore wraps a DB backend.
func NewStore(db DB) (*Store, error) {
	periods, err := lru.New[hive.PeriodID, *hive.SettlementPeriod](periodCacheSize)
	if err != nil {
		return nil, err
	}
	snapshots, err := lru.New[hive.PeriodID, map[hive.PeerID]hive.ContributionRecord](periodCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, periods: periods, snapshots: snapshots}, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	blob, err := Compress(raw)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, []byte(key), blob)
}

func (s *Store) get(ctx context.Context, key string, v interface{}) error {
	blob, err := s.db.Read(ctx, []byte(key))
	if err != nil {
		return err
	}
	raw, err := Decompress(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// scan iterates all keys under prefix, decoding each value into a fresh T
// via the decode callback.
func (s *Store) scan(ctx context.Context, prefix string, decode func(key string, raw []byte) error) error {
	start := []byte(prefix)
	end := []byte(prefix + "\xff")
	it, err := s.db.Iterator(ctx, start, end)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		raw, err := Decompress(it.Value())
		if err != nil {
			return err
		}
		if err := decode(string(it.Key()), raw); err != nil {
			return err
		}
	}
	return it.Error()
}

// SavePeriod persists a settlement period record.
func (s *Store) SavePeriod(ctx context.Context, p *hive.SettlementPeriod) error {
	if err := s.put(ctx, prefixPeriod+string(p.ID), p); err != nil {
		return err
	}
	s.periods.Add(p.ID, p)
	return nil
}

// GetPeriod loads a settlement period by id.
func (s *Store) GetPeriod(ctx context.Context, id hive.PeriodID) (*hive.SettlementPeriod, error) {
	if p, ok := s.periods.Get(id); ok {
		return p, nil
	}
	var p hive.SettlementPeriod
	if err := s.get(ctx, prefixPeriod+string(id), &p); err != nil {
		return nil, err
	}
	s.periods.Add(id, &p)
	return &p, nil
}

// ListPeriods returns all persisted periods ordered by id.
func (s *Store) ListPeriods(ctx context.Context) ([]*hive.SettlementPeriod, error) {
	var out []*hive.SettlementPeriod
	err := s.scan(ctx, prefixPeriod, func(_ string, raw []byte) error {
		var p hive.SettlementPeriod
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// SaveSnapshot persists the frozen contribution records for a period, one
// entry per member.
func (s *Store) SaveSnapshot(ctx context.Context, id hive.PeriodID, records map[hive.PeerID]hive.ContributionRecord) error {
	ops := make([]BatchOperation, 0, len(records))
	for member, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		blob, err := Compress(raw)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%s/%s", prefixSnapshot, id, member)
		ops = append(ops, BatchOperation{Type: BatchPut, Key: []byte(key), Value: blob})
	}
	if err := s.db.Batch(ctx, ops); err != nil {
		return err
	}
	s.snapshots.Add(id, records)
	return nil
}

// GetSnapshot loads the contribution snapshot for a period.
func (s *Store) GetSnapshot(ctx context.Context, id hive.PeriodID) (map[hive.PeerID]hive.ContributionRecord, error) {
	if snap, ok := s.snapshots.Get(id); ok {
		return snap, nil
	}
	records := make(map[hive.PeerID]hive.ContributionRecord)
	prefix := fmt.Sprintf("%s%s/", prefixSnapshot, id)
	err := s.scan(ctx, prefix, func(_ string, raw []byte) error {
		var rec hive.ContributionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		records[rec.Member] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrKeyNotFound
	}
	s.snapshots.Add(id, records)
	return records, nil
}

// SavePayments persists the netted payments for a period. Only called once
// the period has reached ready.
func (s *Store) SavePayments(ctx context.Context, id hive.PeriodID, payments []hive.NettedPayment) error {
	return s.put(ctx, prefixPayments+string(id), payments)
}

// GetPayments loads the netted payments for a period.
func (s *Store) GetPayments(ctx context.Context, id hive.PeriodID) ([]hive.NettedPayment, error) {
	var out []hive.NettedPayment
	if err := s.get(ctx, prefixPayments+string(id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveBond persists a member's bond record.
func (s *Store) SaveBond(ctx context.Context, b *hive.Bond) error {
	return s.put(ctx, prefixBond+string(b.Owner), b)
}

// GetBond loads a member's bond record.
func (s *Store) GetBond(ctx context.Context, owner hive.PeerID) (*hive.Bond, error) {
	var b hive.Bond
	if err := s.get(ctx, prefixBond+string(owner), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveMember persists a member record.
func (s *Store) SaveMember(ctx context.Context, m *hive.Member) error {
	return s.put(ctx, prefixMember+string(m.PeerID), m)
}

// GetMember loads a member record.
func (s *Store) GetMember(ctx context.Context, id hive.PeerID) (*hive.Member, error) {
	var m hive.Member
	if err := s.get(ctx, prefixMember+string(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns all persisted member records.
func (s *Store) ListMembers(ctx context.Context) ([]*hive.Member, error) {
	var out []*hive.Member
	err := s.scan(ctx, prefixMember, func(_ string, raw []byte) error {
		var m hive.Member
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

// SaveDispute persists a dispute case.
func (s *Store) SaveDispute(ctx context.Context, c *hive.DisputeCase) error {
	return s.put(ctx, prefixDispute+c.ID, c)
}

// GetDispute loads a dispute case by id.
func (s *Store) GetDispute(ctx context.Context, id string) (*hive.DisputeCase, error) {
	var c hive.DisputeCase
	if err := s.get(ctx, prefixDispute+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PresenceEntry is one append-only presence log record.
type PresenceEntry struct {
	Member hive.PeerID `json:"member"`
	Online bool        `json:"online"`
	At     time.Time   `json:"at"`
}

// AppendPresence appends a presence transition to the log.
func (s *Store) AppendPresence(ctx context.Context, e PresenceEntry) error {
	key := fmt.Sprintf("%s%s/%020d", prefixPresence, e.Member, e.At.UnixNano())
	return s.put(ctx, key, e)
}

// RevenueEntry is one locally-observed fee event. Persisted on every update
// cycle regardless of gossip broadcast throttling.
type RevenueEntry struct {
	Period       hive.PeriodID `json:"period"`
	FeesSats     int64         `json:"fees_sats"`
	ForwardsSats int64         `json:"forwards_sats"`
	At           time.Time     `json:"at"`
}

// AppendRevenue appends a revenue entry under its period.
func (s *Store) AppendRevenue(ctx context.Context, e RevenueEntry) error {
	key := fmt.Sprintf("%s%s/%020d", prefixRevenue, e.Period, e.At.UnixNano())
	return s.put(ctx, key, e)
}

// RevenueForPeriod replays the revenue log for one period.
func (s *Store) RevenueForPeriod(ctx context.Context, id hive.PeriodID) ([]RevenueEntry, error) {
	var out []RevenueEntry
	prefix := fmt.Sprintf("%s%s/", prefixRevenue, id)
	err := s.scan(ctx, prefix, func(_ string, raw []byte) error {
		var e RevenueEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// JournalEvent is one append-only settlement event, enabling history queries
// and carry-forward traceability.
type JournalEvent struct {
	At     time.Time     `json:"at"`
	Period hive.PeriodID `json:"period,omitempty"`
	Kind   string        `json:"kind"`
	Detail string        `json:"detail,omitempty"`
}

// AppendJournal appends a settlement event.
func (s *Store) AppendJournal(ctx context.Context, e JournalEvent) error {
	key := fmt.Sprintf("%s%020d", prefixJournal, e.At.UnixNano())
	return s.put(ctx, key, e)
}

// Journal returns all events for a period, or all events when period is
// empty.
func (s *Store) Journal(ctx context.Context, period hive.PeriodID) ([]JournalEvent, error) {
	var out []JournalEvent
	err := s.scan(ctx, prefixJournal, func(key string, raw []byte) error {
		var e JournalEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if period != "" && e.Period != period {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
