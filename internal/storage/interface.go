// Package storage provides the key-value persistence layer for the
// settlement engine, with interchangeable backends behind the DB interface.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrDBClosed is returned by operations on a closed database.
	ErrDBClosed = errors.New("database is closed")
)

// DB defines the basic operations any backend must support.
type DB interface {
	// Basic operations
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Batch applies a set of operations atomically.
	Batch(ctx context.Context, ops []BatchOperation) error

	// Iterator traverses keys in [start, end).
	Iterator(ctx context.Context, start, end []byte) (Iterator, error)

	// Close releases backend resources.
	Close() error
}

// Iterator allows traversing over entries.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BatchOperation represents a single operation in a batch.
type BatchOperation struct {
	Type  BatchOpType
	Key   []byte
	Value []byte
}

type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)
