// Package database provides SQLite connection management and schema
// migrations for labfleet-core.
//
// The database opens in WAL mode with foreign keys enforced and a
// single writer connection, which serialises writes without explicit
// locking in the repositories. Migrations are embedded via the
// migrations package and applied in version order at startup, each in
// its own transaction.
//
// WithTx wraps a function in a transaction with rollback on any error
// path; repositories use it for multi-statement state transitions.
package database
