// Package transaction coordinates snapshots of the table forest: any number of
// read transactions, one write transaction at a time, savepoints, deferred page
// reclamation and the commit protocol.
package transaction

import "fmt"

// TransactionState is the lifecycle state of a transaction. A transaction
// leaves TxnStateActive exactly once.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Operations are being applied
	TxnStateCommitted                         // Commit returned successfully
	TxnStateAborted                           // Aborted explicitly or by a failed commit
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Durability selects what a commit guarantees once it returns.
type Durability int

const (
	// DurabilityImmediate flushes the commit to stable storage before Commit
	// returns.
	DurabilityImmediate Durability = iota
	// DurabilityNone makes the commit visible to later transactions without
	// flushing it. A crash loses it; the next immediate commit persists it.
	DurabilityNone
)

func (d Durability) String() string {
	switch d {
	case DurabilityImmediate:
		return "immediate"
	case DurabilityNone:
		return "none"
	}
	return fmt.Sprintf("durability(%d)", int(d))
}
