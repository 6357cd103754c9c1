// Package storage persists aggregated measurement windows and deep speedtest
// results.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path, compacted when
//     they grow past a size bound
//   - "sqlite": a single SQLite database (modernc.org/sqlite, WAL mode)
//
// Driver "none" (or empty) disables storage: Open returns a nil Store.
package storage
