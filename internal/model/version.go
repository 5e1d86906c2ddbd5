package model

// Version constants for the stored schema and the service.
const (
	// SchemaVersion is the store schema version written by store.Open.
	SchemaVersion = 1

	// ServiceVersion is the fieldsync version reported by the CLI and health endpoint.
	ServiceVersion = "0.1.0"
)
