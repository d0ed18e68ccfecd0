// Package storage persists irrigation schedules and pump history.
//
// Two drivers share one SQL implementation:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": external PostgreSQL (lib/pq)
//
// Every driver failure is reported as *UnavailableError so callers can tell
// a store outage apart from bad input.
package storage
