// Package rules loads automation rules from YAML files.
//
// A rule file holds one or more YAML documents, each one rule. Documents
// are checked against the embedded CUE definition #Rule before decoding,
// then the decoded rule's step graph is checked: step orders are unique,
// goto targets exist, operators and schedules parse. Goto cycles are
// reported as warnings by AnalyzeCycles; the engine's step quota bounds
// them at run time.
package rules
