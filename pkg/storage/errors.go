package storage

import "errors"

var (
	// ErrBlockNotFound is returned when a named block has no registry entry.
	ErrBlockNotFound = errors.New("storage: block not found")
	// ErrRegistryFull is returned when every registry slot is taken.
	ErrRegistryFull = errors.New("storage: registry full")
	// ErrFileSizeCap is returned when growing the file would exceed the
	// configured hard cap.
	ErrFileSizeCap = errors.New("storage: file size cap reached")
	// ErrNoSpace is returned when the allocator cannot satisfy a request
	// and the file cannot grow.
	ErrNoSpace = errors.New("storage: out of space")
	// ErrTxActive is returned when an operation requires no open transaction.
	ErrTxActive = errors.New("storage: transaction already active")
	// ErrNoTx is returned when commit or rollback is called without an open
	// transaction.
	ErrNoTx = errors.New("storage: no active transaction")
	// ErrBatchActive is returned on nested BeginBatch; registry batches do
	// not nest.
	ErrBatchActive = errors.New("storage: registry batch already active")
	// ErrNoBatch is returned by EndBatch without a matching BeginBatch.
	ErrNoBatch = errors.New("storage: no registry batch active")
	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("storage: engine closed")
	// ErrLocked is returned when another process holds the file lock.
	ErrLocked = errors.New("storage: file locked by another process")
)
