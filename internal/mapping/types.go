package mapping

import "fmt"

// Dialect selects the SQL flavour produced by Compile. The values match the
// store's dialect names.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ColumnType is the storage type of a master column.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeReal    ColumnType = "real"
	TypeInteger ColumnType = "integer"

	// TypeBool is stored as INTEGER 0/1 in both dialects.
	TypeBool ColumnType = "bool"

	// TypeJSON keeps the JSON representation of the selected value.
	TypeJSON ColumnType = "json"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeText, TypeReal, TypeInteger, TypeBool, TypeJSON:
		return true
	}
	return false
}

// KeyColumn is the master column holding the external record id.
const KeyColumn = "st_id"

// Columns managed by the compiler itself. Mappings must not declare them.
const (
	tenantColumn   = "tenant_id"
	syncedAtColumn = "last_synced_at"
)

// Mapping projects one raw staging table onto one master table.
type Mapping struct {
	// Entity is the logical entity name ("jobs", "pricebook_materials").
	Entity string

	// Source is the raw staging table, usually "raw_" + Entity.
	Source string

	// Target is the master table, usually "master_" + Entity.
	Target string

	// Columns lists the projected master columns. Exactly one must be
	// KeyColumn. tenant_id and last_synced_at are added by the compiler.
	Columns []Column
}

// Column describes one master column.
//
// Sources is a fallback chain of dotted JSON paths into the raw payload; the
// first path yielding a non-null value wins. A numeric segment indexes an
// array, so "categories.0" selects the first element. When every source is
// null, Default (if set) is used.
//
// Preserve keeps the existing master value when the new value is null. It is
// used for columns enriched outside the sync, such as uploaded image URLs.
type Column struct {
	Name     string
	Type     ColumnType
	Sources  []string
	Default  any
	Preserve bool
}

// Key returns the mapping's key column, if declared.
func (m Mapping) Key() (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == KeyColumn {
			return c, true
		}
	}
	return Column{}, false
}

// String renders a compact description used in logs.
func (m Mapping) String() string {
	return fmt.Sprintf("%s: %s -> %s (%d columns)", m.Entity, m.Source, m.Target, len(m.Columns))
}

// ForEntity returns a mapping skeleton with the conventional table names.
func ForEntity(entity string, columns ...Column) Mapping {
	return Mapping{
		Entity:  entity,
		Source:  "raw_" + entity,
		Target:  "master_" + entity,
		Columns: columns,
	}
}

// Text, Real, Integer, Bool and JSON build columns with a fallback chain.
func Text(name string, sources ...string) Column {
	return Column{Name: name, Type: TypeText, Sources: sources}
}

func Real(name string, sources ...string) Column {
	return Column{Name: name, Type: TypeReal, Sources: sources}
}

func Integer(name string, sources ...string) Column {
	return Column{Name: name, Type: TypeInteger, Sources: sources}
}

func Bool(name string, sources ...string) Column {
	return Column{Name: name, Type: TypeBool, Sources: sources}
}

func JSON(name string, sources ...string) Column {
	return Column{Name: name, Type: TypeJSON, Sources: sources}
}

// WithDefault returns a copy of c that falls back to v.
func (c Column) WithDefault(v any) Column {
	c.Default = v
	return c
}

// Preserved returns a copy of c that keeps the stored value when the new one
// is null.
func (c Column) Preserved() Column {
	c.Preserve = true
	return c
}
