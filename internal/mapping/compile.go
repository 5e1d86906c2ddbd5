package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Statement is a compiled mapping. SQL carries placeholders in the target
// dialect; Args supplies their values in order.
type Statement struct {
	Entity string
	SQL    string

	params []param
}

type paramKind int

const (
	paramSyncedAt paramKind = iota
	paramTenant
	paramLiteral
)

type param struct {
	kind  paramKind
	value any
}

// Args returns the bind values for one execution of the statement.
func (s Statement) Args(tenantID, syncedAt string) []any {
	args := make([]any, len(s.params))
	for i, p := range s.params {
		switch p.kind {
		case paramSyncedAt:
			args[i] = syncedAt
		case paramTenant:
			args[i] = tenantID
		default:
			args[i] = p.value
		}
	}
	return args
}

// Compile validates m and converts it to one INSERT ... SELECT ... ON CONFLICT
// statement for dialect d.
//
// The SELECT always carries a WHERE clause. SQLite needs it to parse an
// upsert whose source is a SELECT.
func Compile(m Mapping, d Dialect) (Statement, error) {
	if d != SQLite && d != Postgres {
		return Statement{}, fmt.Errorf("compile %s: unsupported dialect %q", m.Entity, d)
	}
	if err := Validate(m).Err(); err != nil {
		return Statement{}, fmt.Errorf("compile %s: %w", m.Entity, err)
	}

	c := &compiler{dialect: d}
	key, _ := m.Key()

	names := []string{KeyColumn, tenantColumn}
	exprs := []string{c.columnExpr(key), "r." + tenantColumn}
	var updates []string
	for _, col := range m.Columns {
		if col.Name == KeyColumn {
			continue
		}
		names = append(names, col.Name)
		exprs = append(exprs, c.columnExpr(col))
		if col.Preserve {
			updates = append(updates, fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", col.Name, col.Name, m.Target, col.Name))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col.Name, col.Name))
		}
	}
	names = append(names, syncedAtColumn)
	exprs = append(exprs, c.placeholder(param{kind: paramSyncedAt}, TypeText))
	updates = append(updates, fmt.Sprintf("%s = excluded.%s", syncedAtColumn, syncedAtColumn))

	where := fmt.Sprintf("r.%s = %s", tenantColumn, c.bare(param{kind: paramTenant}))

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\n", m.Target, strings.Join(names, ", "))
	b.WriteString("SELECT\n")
	writeList(&b, exprs)
	fmt.Fprintf(&b, "FROM %s AS r\n", m.Source)
	fmt.Fprintf(&b, "WHERE %s\n", where)
	fmt.Fprintf(&b, "ON CONFLICT (%s, %s) DO UPDATE SET\n", KeyColumn, tenantColumn)
	writeList(&b, updates)

	return Statement{
		Entity: m.Entity,
		SQL:    strings.TrimSuffix(b.String(), "\n"),
		params: c.params,
	}, nil
}

// MustCompile is Compile for package-level mapping tables known to be valid.
func MustCompile(m Mapping, d Dialect) Statement {
	st, err := Compile(m, d)
	if err != nil {
		panic(err)
	}
	return st
}

func writeList(b *strings.Builder, items []string) {
	for i, item := range items {
		b.WriteString("  ")
		b.WriteString(item)
		if i < len(items)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
}

type compiler struct {
	dialect Dialect
	params  []param
}

// columnExpr builds the fallback chain for one column.
func (c *compiler) columnExpr(col Column) string {
	parts := make([]string, 0, len(col.Sources)+1)
	for _, path := range col.Sources {
		parts = append(parts, c.extract(path, col.Type))
	}
	if col.Default != nil {
		v, _ := defaultValue(col.Type, col.Default)
		parts = append(parts, c.placeholder(param{kind: paramLiteral, value: v}, col.Type))
	}
	switch len(parts) {
	case 0:
		return "NULL"
	case 1:
		return parts[0]
	default:
		return "COALESCE(" + strings.Join(parts, ", ") + ")"
	}
}

// extract reads one JSON path from r.payload and casts it to t.
func (c *compiler) extract(path string, t ColumnType) string {
	segs := strings.Split(path, ".")
	if c.dialect == Postgres {
		pgPath := "'{" + strings.Join(segs, ",") + "}'"
		if t == TypeJSON {
			return fmt.Sprintf("CAST((r.payload::jsonb #> %s) AS TEXT)", pgPath)
		}
		base := fmt.Sprintf("(r.payload::jsonb #>> %s)", pgPath)
		switch t {
		case TypeReal:
			return "CAST(" + base + " AS DOUBLE PRECISION)"
		case TypeInteger:
			return "CAST(" + base + " AS BIGINT)"
		case TypeBool:
			return "CAST(CAST(" + base + " AS BOOLEAN) AS INTEGER)"
		default:
			return base
		}
	}

	var p strings.Builder
	p.WriteString("'$")
	for _, seg := range segs {
		if _, err := strconv.Atoi(seg); err == nil {
			p.WriteString("[" + seg + "]")
		} else {
			p.WriteString("." + seg)
		}
	}
	p.WriteString("'")
	if t == TypeJSON {
		return fmt.Sprintf("(r.payload -> %s)", p.String())
	}
	base := fmt.Sprintf("json_extract(r.payload, %s)", p.String())
	switch t {
	case TypeReal:
		return "CAST(" + base + " AS REAL)"
	case TypeInteger, TypeBool:
		return "CAST(" + base + " AS INTEGER)"
	default:
		return "CAST(" + base + " AS TEXT)"
	}
}

// placeholder registers p and returns its marker. Postgres placeholders are
// cast to the column type; SQLite placeholders are bare.
func (c *compiler) placeholder(p param, t ColumnType) string {
	marker := c.bare(p)
	if c.dialect != Postgres {
		return marker
	}
	switch t {
	case TypeReal:
		return "CAST(" + marker + " AS DOUBLE PRECISION)"
	case TypeInteger:
		return "CAST(" + marker + " AS BIGINT)"
	case TypeBool:
		return "CAST(" + marker + " AS INTEGER)"
	default:
		return "CAST(" + marker + " AS TEXT)"
	}
}

func (c *compiler) bare(p param) string {
	c.params = append(c.params, p)
	if c.dialect == Postgres {
		return "$" + strconv.Itoa(len(c.params))
	}
	return "?"
}
