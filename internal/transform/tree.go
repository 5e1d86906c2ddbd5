package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fieldsync/internal/model"
)

// MaxTreeDepth is the deepest subcategory level that is flattened. Nodes
// below it are dropped.
const MaxTreeDepth = 6

// PathSeparator joins node names in a materialized path.
const PathSeparator = ">"

// Node is one category tree node as embedded in a raw category payload.
type Node struct {
	ID            ExternalID `json:"id"`
	Name          string     `json:"name"`
	Position      *int       `json:"position,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	Subcategories []Node     `json:"subcategories,omitempty"`
}

// ExternalID accepts both numeric and string ids.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("external id: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

// FlattenTree walks root's subcategories depth first and returns one row
// per descendant. The root is the category itself and is not emitted.
// Direct children have depth 1; paths start with the root name. Names are
// NFC normalized so visually equal paths compare equal.
func FlattenTree(tenantID string, root Node) []model.Subcategory {
	var out []model.Subcategory
	rootName := normalizeName(root.Name)
	var walk func(parent Node, parentPath string, depth int)
	walk = func(parent Node, parentPath string, depth int) {
		if depth > MaxTreeDepth {
			return
		}
		for _, child := range parent.Subcategories {
			if child.ID == "" {
				continue
			}
			name := normalizeName(child.Name)
			path := parentPath + PathSeparator + name
			out = append(out, model.Subcategory{
				StID:         string(child.ID),
				TenantID:     tenantID,
				CategoryStID: string(root.ID),
				ParentStID:   string(parent.ID),
				Name:         name,
				Depth:        depth,
				Path:         path,
				Position:     child.Position,
				Active:       child.Active,
			})
			walk(child, path, depth+1)
		}
	}
	walk(root, rootName, 1)
	return out
}

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// FlattenCategories flattens the subcategory tree of every raw category of
// tenantID into master_pricebook_subcategories and returns the node count.
func (t *Transformer) FlattenCategories(ctx context.Context, tenantID string) (int, error) {
	raws, err := t.store.ListRaw(ctx, tenantID, CategoriesEntity)
	if err != nil {
		return 0, fmt.Errorf("flatten categories: %w", err)
	}

	var nodes []model.Subcategory
	for _, raw := range raws {
		var root Node
		if err := json.Unmarshal(raw.Payload, &root); err != nil {
			t.log.Warn("skipping malformed category payload", "tenant", tenantID, "id", raw.ExternalID, "error", err)
			continue
		}
		if root.ID == "" {
			root.ID = ExternalID(raw.ExternalID)
		}
		nodes = append(nodes, FlattenTree(tenantID, root)...)
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	if err := t.store.UpsertSubcategories(ctx, nodes); err != nil {
		return 0, fmt.Errorf("flatten categories: %w", err)
	}
	return len(nodes), nil
}
