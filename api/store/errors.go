package store

import flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"

// Errors returned by the store. Match them with errors.Is; most are wrapped
// with the table, page or key they concern.
var (
	ErrIO                  = flushmanager.ErrIO
	ErrCorrupted           = flushmanager.ErrCorrupted
	ErrChecksumMismatch    = flushmanager.ErrChecksumMismatch
	ErrUpgradeRequired     = flushmanager.ErrUpgradeRequired
	ErrAllocationExhausted = flushmanager.ErrAllocationExhausted
	ErrKeyTooLarge         = flushmanager.ErrKeyTooLarge
	ErrValueTooLarge       = flushmanager.ErrValueTooLarge
	ErrDatabaseClosed      = flushmanager.ErrDatabaseClosed
	ErrDatabaseLocked      = flushmanager.ErrDatabaseLocked

	ErrTransactionResolved    = flushmanager.ErrTransactionResolved
	ErrInvalidSavepoint       = flushmanager.ErrInvalidSavepoint
	ErrTransactionsInProgress = flushmanager.ErrTransactionsInProgress

	ErrTableDoesNotExist  = flushmanager.ErrTableDoesNotExist
	ErrTableExists        = flushmanager.ErrTableExists
	ErrTableTypeMismatch  = flushmanager.ErrTableTypeMismatch
	ErrInvalidTableName   = flushmanager.ErrInvalidTableName
	ErrUnsupportedBackend = flushmanager.ErrUnsupportedBackend
)
