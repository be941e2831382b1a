// Package storage is the append-only run journal.
//
// Every finished run and every job change is appended as a record. The
// journal is for operators and audits; jobloop never reads it back to
// restore state.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": SQLite database (build with -tags sqlite)
package storage
