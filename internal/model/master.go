package model

// Subcategory is one flattened node of a pricebook category tree.
// Depth is 1 for direct children of the root category; Path joins the
// names from the root down with ">".
type Subcategory struct {
	StID         string `json:"stId"`
	TenantID     string `json:"tenantId"`
	CategoryStID string `json:"categoryStId"`
	ParentStID   string `json:"parentStId"`
	Name         string `json:"name"`
	Depth        int    `json:"depth"`
	Path         string `json:"path"`
	Position     *int   `json:"position,omitempty"`
	Active       *bool  `json:"active,omitempty"`
}

// MasterRow is a master table row as column name to value. Text columns
// are strings, numeric columns int64 or float64, NULLs nil.
type MasterRow map[string]any

// StID returns the row's external id.
func (r MasterRow) StID() string {
	return String(r["st_id"])
}
