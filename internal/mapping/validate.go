package mapping

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	identPattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	indexPattern   = regexp.MustCompile(`^[0-9]{1,6}$`)
)

// ValidationResult holds the outcome of checking a mapping.
//
// Errors make a mapping uncompilable. Warnings flag mappings that compile but
// are probably not what the author meant.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the mapping can be compiled.
func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Err returns nil when the mapping is valid, otherwise an error listing every
// problem.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("invalid mapping: %s", strings.Join(r.Errors, "; "))
}

// Validate checks identifiers, JSON paths, column types and defaults.
// It is a pure function.
func Validate(m Mapping) ValidationResult {
	v := &validator{}
	v.validateMapping(m)
	return ValidationResult{Errors: v.errors, Warnings: v.warnings}
}

type validator struct {
	errors   []string
	warnings []string
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) validateMapping(m Mapping) {
	if m.Entity == "" {
		v.addError("entity is required")
	}
	for _, table := range []string{m.Source, m.Target} {
		if !identPattern.MatchString(table) {
			v.addError("invalid table name %q", table)
		}
	}
	if len(m.Columns) == 0 {
		v.addError("%s: no columns", m.Entity)
		return
	}

	seen := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		if seen[c.Name] {
			v.addError("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		v.validateColumn(c)
	}
	if !seen[KeyColumn] {
		v.addError("%s: missing key column %q", m.Entity, KeyColumn)
	}
}

func (v *validator) validateColumn(c Column) {
	if !identPattern.MatchString(c.Name) {
		v.addError("invalid column name %q", c.Name)
		return
	}
	if c.Name == tenantColumn || c.Name == syncedAtColumn {
		v.addError("column %q is managed by the compiler", c.Name)
	}
	if !c.Type.Valid() {
		v.addError("column %q: unknown type %q", c.Name, c.Type)
	}
	for _, p := range c.Sources {
		if err := validatePath(p); err != nil {
			v.addError("column %q: %v", c.Name, err)
		}
	}
	if c.Default != nil && c.Type.Valid() {
		if _, err := defaultValue(c.Type, c.Default); err != nil {
			v.addError("column %q: %v", c.Name, err)
		}
	}

	if c.Name == KeyColumn {
		if len(c.Sources) == 0 {
			v.addError("key column needs a source path")
		}
		if c.Preserve {
			v.addError("key column cannot be preserved")
		}
		return
	}
	if len(c.Sources) == 0 && c.Default == nil {
		v.addWarning("column %q has no sources and no default; it is always null", c.Name)
	}
	if c.Preserve && c.Default != nil {
		v.addWarning("column %q is preserved but has a default; the stored value is never kept", c.Name)
	}
}

// validatePath checks a dotted JSON path. Only plain keys and array indexes
// are allowed because the path is spliced into the statement.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty source path")
	}
	for i, seg := range strings.Split(path, ".") {
		switch {
		case segmentPattern.MatchString(seg):
		case indexPattern.MatchString(seg) && i > 0:
		default:
			return fmt.Errorf("invalid path segment %q in %q", seg, path)
		}
	}
	return nil
}

// defaultValue converts a column default to the value bound at execution.
func defaultValue(t ColumnType, v any) (any, error) {
	switch t {
	case TypeText, TypeJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	}
	return nil, fmt.Errorf("default %v (%T) does not fit type %s", v, v, t)
}
