package model

import "time"

// ItemStatus is the health of a linked aggregator item.
type ItemStatus string

const (
	ItemStatusActive            ItemStatus = "active"
	ItemStatusError             ItemStatus = "error"
	ItemStatusPendingExpiration ItemStatus = "pending_expiration"
	ItemStatusRevoked           ItemStatus = "revoked"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusActive, ItemStatusError, ItemStatusPendingExpiration, ItemStatusRevoked:
		return true
	}
	return false
}

// PlaidItem is a linked financial institution login.
// Cursor is the transactions sync cursor, advanced only after a batch is stored.
type PlaidItem struct {
	ItemID       string     `json:"itemId"`
	TenantID     string     `json:"tenantId"`
	AccessToken  string     `json:"-"`
	Cursor       string     `json:"cursor,omitempty"`
	Status       ItemStatus `json:"status"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	AuthStatus   string     `json:"authStatus,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// BankTransaction is a transaction reported by the aggregator.
type BankTransaction struct {
	ItemID        string  `json:"itemId"`
	TransactionID string  `json:"transactionId"`
	AccountID     string  `json:"accountId"`
	Amount        float64 `json:"amount"`
	Date          string  `json:"date"`
	Name          string  `json:"name"`
	Pending       bool    `json:"pending"`
	Payload       []byte  `json:"-"`
}

// TransactionBatch is one page of a cursor-based transactions sync.
type TransactionBatch struct {
	Added      []BankTransaction
	Modified   []BankTransaction
	Removed    []string
	NextCursor string
}
