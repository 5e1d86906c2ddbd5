package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fieldsync/internal/engine"
)

func (s *Server) getRun(c *gin.Context) {
	run, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.runError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.deps.Runs.Cancel(ctx, id); err != nil {
		s.runError(c, err)
		return
	}
	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		s.runError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) runError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRunFinished):
		errorJSON(c, http.StatusConflict, err.Error())
	default:
		s.log.Error("run request failed", "path", c.FullPath(), "error", err)
		errorJSON(c, http.StatusInternalServerError, "internal error")
	}
}
