package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/plaid"
	"github.com/roach88/fieldsync/internal/store"
)

const maxWebhookBody = 1 << 20

// plaidWebhook answers 401 only when verification fails and 500 only when
// processing fails. Malformed deliveries are acknowledged and dropped so
// the aggregator does not retry them.
func (s *Server) plaidWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "could not read body")
		return
	}
	ctx := c.Request.Context()

	if s.deps.Verifier != nil {
		if err := s.deps.Verifier.Verify(ctx, c.GetHeader(plaid.VerificationHeader), body); err != nil {
			s.log.Warn("plaid webhook rejected", "error", err)
			errorJSON(c, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
	}

	wh, err := plaid.DecodeWebhook(body)
	if err != nil {
		s.log.Warn("dropping malformed plaid webhook", "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err := s.deps.Webhooks.Handle(ctx, wh); err != nil {
		s.log.Error("plaid webhook processing failed", "webhook_type", wh.Type, "webhook_code", wh.Code, "item_id", wh.ItemID, "error", err)
		errorJSON(c, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.deps.Store.GetPlaidItem(c.Request.Context(), c.Param("itemId"))
	if s.storeError(c, err, "item not found") {
		return
	}
	c.JSON(http.StatusOK, item)
}

type patchItemRequest struct {
	Status       model.ItemStatus `json:"status" binding:"required"`
	ErrorCode    string           `json:"errorCode"`
	ErrorMessage string           `json:"errorMessage"`
}

func (s *Server) patchItem(c *gin.Context) {
	var req patchItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		errorJSON(c, http.StatusBadRequest, "unknown item status "+string(req.Status))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("itemId")
	err := s.deps.Store.UpdatePlaidItemStatus(ctx, id, req.Status, req.ErrorCode, req.ErrorMessage)
	if s.storeError(c, err, "item not found") {
		return
	}
	item, err := s.deps.Store.GetPlaidItem(ctx, id)
	if s.storeError(c, err, "item not found") {
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) deleteItem(c *gin.Context) {
	err := s.deps.Store.DeletePlaidItem(c.Request.Context(), c.Param("itemId"))
	if s.storeError(c, err, "item not found") {
		return
	}
	c.Status(http.StatusNoContent)
}

// storeError writes the response for a failed store call and reports
// whether it did.
func (s *Server) storeError(c *gin.Context, err error, notFound string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		errorJSON(c, http.StatusNotFound, notFound)
	default:
		s.log.Error("store call failed", "path", c.FullPath(), "error", err)
		errorJSON(c, http.StatusInternalServerError, "internal error")
	}
	return true
}
