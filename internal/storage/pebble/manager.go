package pebble

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/hiveroute/hived/internal/storage"
)

// Open opens (or creates) the named pebble database under path.
func Open(path, name string) (storage.DB, error) {
	dbPath := filepath.Join(path, name+".db")

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}
	return NewDB(db), nil
}
