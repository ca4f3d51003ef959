package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"engagebot/storage"
)

type nextTaskRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleNextTask(c *gin.Context) {
	var req nextTaskRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.AccountID == "" {
		req.AccountID = s.cfg.AccountID
	}

	task, err := s.deps.Tasks.NextTask(c.Request.Context(), req.AccountID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to fetch next task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type reportTaskRequest struct {
	Status       string          `json:"status" binding:"required"`
	ErrorMessage string          `json:"error_message"`
	Evidence     json.RawMessage `json:"evidence"`
}

func (s *Server) handleReportTask(c *gin.Context, id string) {
	var req reportTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !storage.ValidReportStatus(req.Status) {
		writeError(c, http.StatusBadRequest, "status must be succeeded, failed or review_required", nil)
		return
	}

	err := s.deps.Tasks.ReportTask(c.Request.Context(), id, req.Status, req.ErrorMessage, req.Evidence)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "task not found", err)
	case errors.Is(err, storage.ErrTaskClosed):
		writeError(c, http.StatusConflict, "task already closed", err)
	case err != nil:
		writeError(c, http.StatusInternalServerError, "failed to report task", err)
	default:
		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
	}
}
