// Package mapping describes how a raw staging table projects onto a master
// table and compiles that description to a single set-based SQL statement.
//
// A Mapping lists the master columns and, for each, the JSON paths in the raw
// payload that feed it. The compiler turns the whole mapping into one
//
//	INSERT INTO master_x (...) SELECT ... FROM raw_x WHERE tenant_id = ?
//	ON CONFLICT (st_id, tenant_id) DO UPDATE SET ...
//
// statement, so a transform is a pure function of the raw rows and running it
// twice leaves the master table unchanged.
//
// Both store dialects are supported:
//   - SQLite reads payloads with json_extract and casts with CAST(... AS T)
//   - Postgres reads payloads with (payload::jsonb #>> '{path}') and casts
//     placeholders explicitly so parameter types are never inferred
//
// All runtime values (tenant, sync timestamp, column defaults) are bound as
// parameters. Identifiers and JSON paths are validated before compilation and
// are the only text spliced into the statement.
package mapping
