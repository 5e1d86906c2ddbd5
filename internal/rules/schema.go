package rules

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed rule.cue
var schemaSource string

var ruleSchema = sync.OnceValues(func() (cue.Value, error) {
	v := cuecontext.New().CompileString(schemaSource, cue.Filename("rule.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile rule schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Rule"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile rule schema: %w", err)
	}
	return def, nil
})

// checkSchema validates a decoded YAML document against #Rule. Every
// violation is reported, not only the first.
func checkSchema(doc any) ([]ValidationError, error) {
	schema, err := ruleSchema()
	if err != nil {
		return nil, err
	}
	v := schema.Context().Encode(doc)
	if err := v.Err(); err != nil {
		return []ValidationError{{Field: "document", Message: err.Error()}}, nil
	}
	err = schema.Unify(v).Validate(cue.Concrete(true))
	if err == nil {
		return nil, nil
	}

	var out []ValidationError
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		if key := ve.Field + "\x00" + ve.Message; !seen[key] {
			seen[key] = true
			out = append(out, ve)
		}
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Field: "document", Message: err.Error()})
	}
	return out, nil
}
