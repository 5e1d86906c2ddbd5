// Package model provides the shared domain types for fieldsync.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import model; model imports nothing internal, so
// it stays the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Every persisted row is tenant scoped (TenantID is never empty)
//   - Step and trigger configuration is a closed set of typed variants,
//     decoded from a "type" discriminator
//   - JSON tags use camelCase to match the rule documents operators write
package model
