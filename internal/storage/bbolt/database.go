package bbolt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hiveroute/hived/internal/storage"
	"go.etcd.io/bbolt"
)

// DB wraps a bbolt database with a single bucket behind the storage.DB
// interface. bbolt is the default backend for the settlement store.
type DB struct {
	db     *bbolt.DB
	bucket []byte
}

// NewDB wraps an already-open bbolt database.
func NewDB(db *bbolt.DB, bucket []byte) *DB {
	return &DB{db: db, bucket: bucket}
}

func (b *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	if b.db == nil {
		return nil, storage.ErrDBClosed
	}

	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", string(b.bucket))
		}

		v := bucket.Get(key)
		if v == nil {
			return storage.ErrKeyNotFound
		}

		// bbolt values are only valid inside the transaction.
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *DB) Write(ctx context.Context, key, value []byte) error {
	if b.db == nil {
		return storage.ErrDBClosed
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", string(b.bucket))
		}
		return bucket.Put(key, value)
	})
}

func (b *DB) Delete(ctx context.Context, key []byte) error {
	if b.db == nil {
		return storage.ErrDBClosed
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", string(b.bucket))
		}
		return bucket.Delete(key)
	})
}

func (b *DB) Batch(ctx context.Context, ops []storage.BatchOperation) error {
	if b.db == nil {
		return storage.ErrDBClosed
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", string(b.bucket))
		}
		for _, op := range ops {
			switch op.Type {
			case storage.BatchPut:
				if err := bucket.Put(op.Key, op.Value); err != nil {
					return err
				}
			case storage.BatchDelete:
				if err := bucket.Delete(op.Key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown batch operation type: %d", op.Type)
			}
		}
		return nil
	})
}

func (b *DB) Iterator(ctx context.Context, start, end []byte) (storage.Iterator, error) {
	if b.db == nil {
		return nil, storage.ErrDBClosed
	}

	// bbolt cursors are transaction-scoped, so snapshot the range up front.
	var entries []entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", string(b.bucket))
		}

		c := bucket.Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			entries = append(entries, entry{key: kc, value: vc})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &iterator{entries: entries, pos: -1}, nil
}

func (b *DB) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

type entry struct {
	key, value []byte
}

type iterator struct {
	entries []entry
	pos     int
}

func (it *iterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil
	}
	return it.entries[it.pos].key
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil
	}
	return it.entries[it.pos].value
}

func (it *iterator) Error() error { return nil }
func (it *iterator) Close() error { return nil }
