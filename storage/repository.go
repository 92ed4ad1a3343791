// Package storage provides the persistence layer for sealed identity and
// session records.
//
// Records are addressed by (namespace, recordType, recordID). Every record is
// stored as an Envelope so backends never see plaintext.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record was ever written to a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction scoped to one namespace.
type BatchTx interface {
	Put(recordType, recordID string, envelope *Envelope) error
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for sealed record storage.
//
// PutCAS with expectedVersion 0 only succeeds when the record does not exist.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record or its namespace is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
