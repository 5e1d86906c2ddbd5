package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/orchestrator"
)

func (s *Server) syncState(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		errorJSON(c, http.StatusBadRequest, "tenant is required")
		return
	}
	states, err := s.deps.Store.ListSyncStates(c.Request.Context(), tenant)
	if s.storeError(c, err, "") {
		return
	}
	if states == nil {
		states = []model.SyncState{}
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": tenant, "entities": states})
}

func (s *Server) getSyncRun(c *gin.Context) {
	run, err := s.deps.Store.GetWorkflowRun(c.Request.Context(), c.Param("id"))
	if s.storeError(c, err, "sync run not found") {
		return
	}
	c.JSON(http.StatusOK, run)
}

// startFullSync journals the run and returns its id at once; the sync
// continues in the background.
func (s *Server) startFullSync(c *gin.Context) {
	var opts orchestrator.FullSyncOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	if opts.TenantID == "" {
		errorJSON(c, http.StatusBadRequest, "tenantId is required")
		return
	}
	h, err := s.deps.Sync.StartFullSync(c.Request.Context(), opts)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": h.ID})
}

type incrementalRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
}

func (s *Server) incrementalSync(c *gin.Context) {
	var req incrementalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Sync.IncrementalSync(c.Request.Context(), req.TenantID)
	if err != nil {
		s.log.Error("incremental sync failed", "tenant_id", req.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) signalSync(c *gin.Context) {
	sig, err := orchestrator.ParseSignal(c.Param("signal"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	id := c.Param("id")
	err = s.deps.Sync.Signal(id, sig)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRun):
		errorJSON(c, http.StatusNotFound, err.Error())
	case err != nil:
		errorJSON(c, http.StatusConflict, err.Error())
	default:
		c.JSON(http.StatusAccepted, gin.H{"runId": id, "signal": sig})
	}
}
