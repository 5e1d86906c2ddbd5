package plaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Webhook type and code values handled by WebhookHandler.
const (
	TypeTransactions = "TRANSACTIONS"
	TypeItem         = "ITEM"
	TypeAuth         = "AUTH"

	CodeSyncUpdatesAvailable  = "SYNC_UPDATES_AVAILABLE"
	CodeInitialUpdate         = "INITIAL_UPDATE"
	CodeHistoricalUpdate      = "HISTORICAL_UPDATE"
	CodeTransactionsRemoved   = "TRANSACTIONS_REMOVED"
	CodeError                 = "ERROR"
	CodePendingExpiration     = "PENDING_EXPIRATION"
	CodeUserPermissionRevoked = "USER_PERMISSION_REVOKED"
	CodeLoginRepaired         = "LOGIN_REPAIRED"
	CodeAutomaticallyVerified = "AUTOMATICALLY_VERIFIED"
	CodeVerificationExpired   = "VERIFICATION_EXPIRED"
)

// Auth verification states stored on an item.
const (
	AuthVerified = "verified"
	AuthExpired  = "expired"
)

// WebhookError is the error object carried by ITEM ERROR deliveries.
type WebhookError struct {
	Type    string `json:"error_type"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

// Webhook is a decoded webhook delivery.
type Webhook struct {
	Type                  string        `json:"webhook_type"`
	Code                  string        `json:"webhook_code"`
	ItemID                string        `json:"item_id"`
	AccountID             string        `json:"account_id,omitempty"`
	Error                 *WebhookError `json:"error,omitempty"`
	NewTransactions       int           `json:"new_transactions,omitempty"`
	ConsentExpirationTime string        `json:"consent_expiration_time,omitempty"`
	Environment           string        `json:"environment,omitempty"`
}

// TransactionSyncer runs a transactions sync for one item.
type TransactionSyncer interface {
	SyncTransactions(ctx context.Context, itemID string) (SyncSummary, error)
}

// WebhookHandler applies webhook deliveries to stored items.
type WebhookHandler struct {
	store     *store.Store
	syncer    TransactionSyncer
	publisher events.Publisher
	log       *slog.Logger
}

// NewWebhookHandler creates a handler. A nil publisher disables events.
func NewWebhookHandler(s *store.Store, syncer TransactionSyncer, p events.Publisher, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{store: s, syncer: syncer, publisher: p, log: log}
}

// Handle dispatches a delivery by type and then code. Unknown combinations
// and unknown items are logged and dropped; only processing failures are
// returned.
func (h *WebhookHandler) Handle(ctx context.Context, wh Webhook) error {
	log := h.log.With("webhook_type", wh.Type, "webhook_code", wh.Code, "item_id", wh.ItemID)

	handler := h.route(wh)
	if handler == nil {
		log.Info("ignoring unhandled webhook")
		return nil
	}

	item, err := h.store.GetPlaidItem(ctx, wh.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("webhook for unknown item")
		return nil
	}
	if err != nil {
		return err
	}

	if err := handler(ctx, item, wh); err != nil {
		return fmt.Errorf("handle %s %s for %s: %w", wh.Type, wh.Code, wh.ItemID, err)
	}
	log.Info("webhook processed")
	return nil
}

type webhookFunc func(ctx context.Context, item model.PlaidItem, wh Webhook) error

func (h *WebhookHandler) route(wh Webhook) webhookFunc {
	switch wh.Type {
	case TypeTransactions:
		switch wh.Code {
		case CodeSyncUpdatesAvailable, CodeInitialUpdate, CodeHistoricalUpdate, CodeTransactionsRemoved:
			return h.syncItem
		}
	case TypeItem:
		switch wh.Code {
		case CodeError:
			return h.itemError
		case CodePendingExpiration:
			return h.itemStatus(model.ItemStatusPendingExpiration, model.EventBankItemPendingExpiration)
		case CodeUserPermissionRevoked:
			return h.itemStatus(model.ItemStatusRevoked, model.EventBankItemRevoked)
		case CodeLoginRepaired:
			return h.itemStatus(model.ItemStatusActive, "")
		}
	case TypeAuth:
		switch wh.Code {
		case CodeAutomaticallyVerified:
			return h.authStatus(AuthVerified, model.EventBankAuthVerified)
		case CodeVerificationExpired:
			return h.authStatus(AuthExpired, model.EventBankAuthExpired)
		}
	}
	return nil
}

func (h *WebhookHandler) syncItem(ctx context.Context, item model.PlaidItem, _ Webhook) error {
	_, err := h.syncer.SyncTransactions(ctx, item.ItemID)
	return err
}

func (h *WebhookHandler) itemError(ctx context.Context, item model.PlaidItem, wh Webhook) error {
	var code, msg string
	if wh.Error != nil {
		code, msg = wh.Error.Code, wh.Error.Message
	}
	if err := h.store.UpdatePlaidItemStatus(ctx, item.ItemID, model.ItemStatusError, code, msg); err != nil {
		return err
	}
	h.publish(ctx, item, model.EventBankItemError, map[string]any{"itemId": item.ItemID, "errorCode": code, "errorMessage": msg})
	return nil
}

func (h *WebhookHandler) itemStatus(status model.ItemStatus, event string) webhookFunc {
	return func(ctx context.Context, item model.PlaidItem, wh Webhook) error {
		if err := h.store.UpdatePlaidItemStatus(ctx, item.ItemID, status, "", ""); err != nil {
			return err
		}
		if event != "" {
			payload := map[string]any{"itemId": item.ItemID, "status": string(status)}
			if wh.ConsentExpirationTime != "" {
				payload["consentExpirationTime"] = wh.ConsentExpirationTime
			}
			h.publish(ctx, item, event, payload)
		}
		return nil
	}
}

func (h *WebhookHandler) authStatus(status, event string) webhookFunc {
	return func(ctx context.Context, item model.PlaidItem, wh Webhook) error {
		if err := h.store.SetPlaidAuthStatus(ctx, item.ItemID, status); err != nil {
			return err
		}
		h.publish(ctx, item, event, map[string]any{"itemId": item.ItemID, "accountId": wh.AccountID, "authStatus": status})
		return nil
	}
}

func (h *WebhookHandler) publish(ctx context.Context, item model.PlaidItem, name string, payload map[string]any) {
	if h.publisher == nil {
		return
	}
	ev := model.WorkflowEvent{
		Name:     name,
		TenantID: item.TenantID,
		Entity:   "plaid_items",
		EntityID: item.ItemID,
		Payload:  payload,
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.log.Warn("failed to publish webhook event", "event", name, "item_id", item.ItemID, "error", err)
	}
}
