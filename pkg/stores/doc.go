// Package stores persists the local run history. It is SQLite-based
// with WAL mode and embedded migrations: every deploy and clean run is
// recorded with its per-kind counters so past runs can be listed and
// inspected offline.
package stores
