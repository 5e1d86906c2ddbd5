package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/roach88/fieldsync/internal/model"
)

// ErrUnknownOperator is returned for conditions with an unrecognised operator.
var ErrUnknownOperator = errors.New("unknown condition operator")

// Operator is a normalized condition operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreater     Operator = "greater_than"
	OpLess        Operator = "less_than"
	OpGreaterEq   Operator = "gte"
	OpLessEq      Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

var operatorAliases = map[string]Operator{
	"equals": OpEquals, "==": OpEquals, "eq": OpEquals,
	"not_equals": OpNotEquals, "!=": OpNotEquals, "ne": OpNotEquals,
	"contains":     OpContains,
	"not_contains": OpNotContains,
	"greater_than": OpGreater, ">": OpGreater, "gt": OpGreater,
	"less_than": OpLess, "<": OpLess, "lt": OpLess,
	"gte": OpGreaterEq, ">=": OpGreaterEq, "greater_than_or_equal": OpGreaterEq,
	"lte": OpLessEq, "<=": OpLessEq, "less_than_or_equal": OpLessEq,
	"in":         OpIn,
	"not_in":     OpNotIn,
	"exists":     OpExists,
	"not_exists": OpNotExists,
}

// ParseOperator normalizes an operator spelling.
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
	return op, nil
}

// Evaluate reports whether cond holds against state. Field is a dotted path
// into state. String comparisons are case-insensitive. A missing field
// satisfies only the negative operators.
func Evaluate(cond model.Condition, state map[string]any) (bool, error) {
	op, err := ParseOperator(cond.Operator)
	if err != nil {
		return false, err
	}
	got, found := model.Lookup(state, cond.Field)
	if found && got == nil {
		found = false
	}

	switch op {
	case OpExists:
		return found, nil
	case OpNotExists:
		return !found, nil
	case OpEquals:
		return found && equal(got, cond.Value), nil
	case OpNotEquals:
		return !found || !equal(got, cond.Value), nil
	case OpContains:
		return found && contains(got, cond.Value), nil
	case OpNotContains:
		return !found || !contains(got, cond.Value), nil
	case OpIn:
		return found && oneOf(got, cond.Value), nil
	case OpNotIn:
		return !found || !oneOf(got, cond.Value), nil
	case OpGreater, OpLess, OpGreaterEq, OpLessEq:
		if !found {
			return false, nil
		}
		c, ok := compare(got, cond.Value)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGreater:
			return c > 0, nil
		case OpLess:
			return c < 0, nil
		case OpGreaterEq:
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
}

// fold case-folds s. Casers carry state, so each call gets its own.
func fold(s string) string { return cases.Fold().String(s) }

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	if x, ok := a.(bool); ok {
		y, ok := boolean(b)
		return ok && x == y
	}
	return fold(model.String(a)) == fold(model.String(b))
}

func contains(haystack, needle any) bool {
	if list, ok := haystack.([]any); ok {
		for _, v := range list {
			if equal(v, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fold(model.String(haystack)), fold(model.String(needle)))
}

func oneOf(v, set any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if equal(v, item) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if equal(v, item) {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(s, ",") {
			if equal(v, strings.TrimSpace(item)) {
				return true
			}
		}
	}
	return false
}

// compare orders a and b numerically when both are numbers, else as
// case-folded strings, which orders ISO-8601 timestamps correctly.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(fold(sa), fold(sb)), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func boolean(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	case int64:
		return b != 0, true
	case float64:
		return b != 0, true
	}
	return false, false
}
