package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/signature"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/trigger"
)

// ruleWebhook turns an inbound delivery into a webhook event for one rule.
// The body, a JSON object or empty, becomes the event payload. The
// optional entity and entityId query parameters name the entity whose
// state the rule's conditions see.
func (s *Server) ruleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	rule, err := s.deps.Store.GetRule(ctx, c.Param("ruleId"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && (rule.Trigger.Type != model.TriggerWebhook || rule.Status != model.RuleStatusActive)) {
		errorJSON(c, http.StatusNotFound, "no active webhook rule "+c.Param("ruleId"))
		return
	}
	if s.storeError(c, err, "") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "could not read body")
		return
	}
	secret := rule.Trigger.WebhookSecret
	if secret == "" {
		secret = s.deps.HookSecret
	}
	if secret != "" {
		err := signature.Verify(secret, c.GetHeader(signature.TimestampHeader), c.GetHeader(signature.SignatureHeader),
			body, s.now(), signature.DefaultMaxSkew)
		if err != nil {
			s.log.Warn("rule webhook rejected", "rule_id", rule.ID, "error", err)
			errorJSON(c, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			errorJSON(c, http.StatusBadRequest, "body must be a JSON object")
			return
		}
	}
	payload[trigger.KeyRuleID] = rule.ID

	ev := model.WorkflowEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Name:       model.TriggerWebhook,
		TenantID:   rule.TenantID,
		Entity:     c.Query("entity"),
		EntityID:   c.Query("entityId"),
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.log.Error("publishing webhook event failed", "rule_id", rule.ID, "error", err)
		errorJSON(c, http.StatusInternalServerError, "could not accept event")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"eventId": ev.ID})
}
