package bbolt

import (
	"fmt"
	"path/filepath"

	"github.com/hiveroute/hived/internal/storage"
	"go.etcd.io/bbolt"
)

// Open opens (or creates) the named bbolt database under path, ensuring the
// default bucket exists.
func Open(path, name string) (storage.DB, error) {
	dbPath := filepath.Join(path, name+".db")
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket for %s: %w", name, err)
	}

	return NewDB(db, []byte(name)), nil
}
