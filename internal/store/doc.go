// Package store provides durable storage for fieldsync on SQLite or Postgres.
//
// The store holds:
//   - Sync state: one row per (tenant, entity), written only by the orchestrator
//   - Raw tables: raw_<entity>, upsert-only staging of external payloads
//   - Master tables: master_<entity>, normalized rows keyed by (st_id, tenant_id)
//   - Automation rules and execution runs
//   - The orchestrator workflow journal
//   - Aggregator items and bank transactions
//   - Rate-limit counters, detector observations, and automation side effects
//
// # Write Patterns
//
// Every write is a keyed upsert (ON CONFLICT ... DO UPDATE) or an insert
// guarded by a unique key, so re-running a fetch, a transform or a retried
// step converges on the same rows.
//
// A fetched page and a transaction batch with its cursor each commit in a
// single transaction (see Tx).
//
// # Portability
//
// SQL is written once with ? placeholders and rebound to $n for Postgres.
// Timestamps are stored as fixed-width UTC text so they compare correctly
// as strings on both backends.
//
// # Database Configuration
//
// SQLite:
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single open connection
//
// Postgres goes through database/sql with the pgx driver; change
// notifications for the detector use a lib/pq listener.
package store
