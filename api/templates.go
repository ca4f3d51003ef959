package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"engagebot/storage"
)

// ReloadWhitelist replaces the comment whitelist with the static entries and
// every enabled template, and returns the new version.
func (s *Server) ReloadWhitelist(ctx context.Context) (int, error) {
	bodies, err := s.deps.Templates.EnabledTemplateBodies(ctx)
	if err != nil {
		return 0, err
	}
	all := append(append([]string{}, s.cfg.StaticWhitelist...), bodies...)
	v := s.deps.Whitelist.SetWhitelist(all)
	slog.Info("comment whitelist reloaded", "entries", len(all), "version", v)
	return v, nil
}

func (s *Server) handleListTemplates(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	ts, err := s.deps.Templates.ListTemplates(c.Request.Context(), enabledOnly)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list templates", err)
		return
	}
	if ts == nil {
		ts = []storage.Template{}
	}
	c.JSON(http.StatusOK, gin.H{
		"templates":         ts,
		"whitelist_version": s.deps.Whitelist.WhitelistVersion(),
	})
}

type createTemplateRequest struct {
	Name string `json:"name"`
	Body string `json:"body" binding:"required"`
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	t, err := s.deps.Templates.CreateTemplate(c.Request.Context(), req.Name, req.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to create template", err)
		return
	}
	v, err := s.ReloadWhitelist(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to reload whitelist", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"template": t, "whitelist_version": v})
}

func (s *Server) handleSetTemplateEnabled(c *gin.Context, id string, enabled bool) {
	err := s.deps.Templates.SetTemplateEnabled(c.Request.Context(), id, enabled)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, http.StatusNotFound, "template not found", err)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to update template", err)
		return
	}
	v, err := s.ReloadWhitelist(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to reload whitelist", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled, "whitelist_version": v})
}
