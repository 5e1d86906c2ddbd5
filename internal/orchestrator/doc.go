// Package orchestrator drives entity syncs from the ERP into the raw and
// master stores.
//
// A full sync walks a fixed list of entities in order. Each entity is paged
// through its Fetcher under a retry policy, recorded in the sync-state table
// and then transformed raw to master. Full syncs are journaled as
// model.WorkflowRun rows and checkpointed after every entity, so Recover can
// resume them after a restart. They accept cancel, pause and resume signals
// at entity and page boundaries.
//
// An incremental sync fetches only records modified since each entity's
// watermark and skips entities that never completed a full sync.
//
// No lock prevents two syncs of the same tenant and entity from running at
// once; callers own that.
package orchestrator
