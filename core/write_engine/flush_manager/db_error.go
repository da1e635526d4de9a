package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO                  = errors.New("i/o error")
	ErrCorrupted           = errors.New("database file is corrupted")
	ErrChecksumMismatch    = errors.New("page checksum mismatch, data corruption suspected")
	ErrUpgradeRequired     = errors.New("database file format is older than this engine supports, upgrade required")
	ErrAllocationExhausted = errors.New("page allocation failed, the file cannot grow")
	ErrKeyTooLarge         = errors.New("key too large")
	ErrValueTooLarge       = errors.New("value too large")
	ErrDatabaseClosed      = errors.New("database is closed")
	ErrDatabaseLocked      = errors.New("database file is locked by another process")
	ErrInvalidPageData     = errors.New("invalid page data")
	// --- Transaction Errors ---
	ErrTransactionResolved    = errors.New("transaction has already been committed or aborted")
	ErrReadOnlyTransaction    = errors.New("operation requires a write transaction")
	ErrInvalidSavepoint       = errors.New("savepoint is no longer valid")
	ErrTransactionsInProgress = errors.New("transactions are still in progress")
	// --- Table Errors ---
	ErrTableDoesNotExist  = errors.New("table does not exist")
	ErrTableExists        = errors.New("table already exists")
	ErrTableTypeMismatch  = errors.New("table exists with a different type")
	ErrInvalidTableName   = errors.New("invalid table name")
	ErrIteratorInvalid    = errors.New("iterator is invalid or exhausted")
	ErrSimulatedCrash     = errors.New("simulated crash: backend no longer accepts writes")
	ErrUnsupportedBackend = errors.New("backend type not supported")
)

// IsCorruption reports whether err signals damaged on-disk data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorrupted) || errors.Is(err, ErrChecksumMismatch)
}
