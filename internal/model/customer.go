package model

import "time"

// Customer is the application-facing customer record served by the
// customer providers. StID is empty for customers not yet pushed to the ERP.
type Customer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	StID      string    `json:"stId,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
