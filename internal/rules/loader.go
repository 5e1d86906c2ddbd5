package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/model"
)

// IsRuleFile reports whether name has a rule file extension.
func IsRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir loads every rule file directly inside dir, in file name order.
// Rule ids must be unique across the directory. All problems are joined
// into the returned error, each matching ErrInvalidRule.
func LoadDir(dir string) ([]model.AutomationRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsRuleFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		all  []model.AutomationRule
		errs []error
		byID = make(map[string]string)
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		rules, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range rules {
			if prev, dup := byID[r.ID]; dup {
				errs = append(errs, ValidationError{File: path, RuleID: r.ID, Field: "id", Message: "duplicate of rule in " + prev})
				continue
			}
			byID[r.ID] = path
			all = append(all, r)
		}
	}
	return all, errors.Join(errs...)
}

// LoadFile loads the rules of one file.
func LoadFile(path string) ([]model.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes and validates the YAML documents in data. name is used in
// error messages. Valid rules are returned even when others fail.
func Parse(name string, data []byte) ([]model.AutomationRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var (
		rules []model.AutomationRule
		errs  []error
	)
	for doc := 1; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			errs = append(errs, ValidationError{File: name, Field: "document", Message: err.Error()})
			break
		}
		rule, verrs, err := decodeRule(&node)
		if err != nil {
			return rules, err
		}
		if rule == nil && len(verrs) == 0 {
			continue
		}
		for _, ve := range verrs {
			ve.File = name
			errs = append(errs, ve)
		}
		if len(verrs) == 0 {
			rules = append(rules, *rule)
		}
	}
	return rules, errors.Join(errs...)
}

// decodeRule checks one document against the schema and decodes it. A nil
// rule without errors means the document was empty.
func decodeRule(node *yaml.Node) (*model.AutomationRule, []ValidationError, error) {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return nil, []ValidationError{{Field: "document", Message: err.Error()}}, nil
	}
	if raw == nil {
		return nil, nil, nil
	}
	verrs, err := checkSchema(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(verrs) > 0 {
		if m, ok := raw.(map[string]any); ok {
			for i := range verrs {
				verrs[i].RuleID, _ = m["id"].(string)
			}
		}
		return nil, verrs, nil
	}

	var rule model.AutomationRule
	if err := node.Decode(&rule); err != nil {
		return nil, []ValidationError{{Field: "document", Message: err.Error()}}, nil
	}
	if rule.Status == "" {
		rule.Status = model.RuleStatusActive
	}
	rule.SortSteps()
	return &rule, Check(rule), nil
}
