package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"engagebot/audit"
	"engagebot/storage"
)

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{
		"engine":            s.deps.Engine.Status(),
		"intake_pending":    s.deps.Intake.Pending(),
		"whitelist_version": s.deps.Whitelist.WhitelistVersion(),
	}
	if s.deps.Breaker != nil {
		body["breaker_state"] = s.deps.Breaker.State()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	candidates, err := s.deps.Stats.CountCandidates(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to count candidates", err)
		return
	}
	tasks, err := s.deps.Stats.CountTasksByStatus(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to count tasks", err)
		return
	}
	summary, err := s.deps.Stats.SummarizeAudit(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to summarize audit", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"candidates": candidates,
		"tasks":      tasks,
		"rate":       s.deps.Rates.Snapshot(s.cfg.AccountID),
		"audit_24h":  summary,
	})
}

func (s *Server) handleAuditLogs(c *gin.Context) {
	f := storage.AuditFilter{
		CandidateID: c.Query("candidate_id"),
		Stage:       audit.Stage(c.Query("stage")),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be an RFC3339 timestamp", err)
			return
		}
		f.Since = since
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		f.Limit = n
	}

	records, err := s.deps.Audit.ListAudit(c.Request.Context(), f)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list audit logs", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": records})
}
