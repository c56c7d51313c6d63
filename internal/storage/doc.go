// Package storage persists jobs.
//
// Drivers:
//   - memory: process-local map, the default
//   - file: JSON Lines journal plus periodic snapshot, no external deps
//   - sqlite: single-file database (modernc.org/sqlite, pure Go)
//   - postgres: shared database through pgx
//
// Every driver implements the claim and cancel transitions as a single
// compare-and-set, so an execution and a cancellation can never both win.
package storage
