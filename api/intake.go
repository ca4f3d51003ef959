package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"engagebot/domain"
	"engagebot/extractor"
	"engagebot/storage"
)

type createRunRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req createRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	run, err := s.deps.Runs.CreateRun(c.Request.Context(), req.Label)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to create run", err)
		return
	}
	slog.Info("run created", "run_id", run.ID, "label", run.Label)
	c.JSON(http.StatusCreated, run)
}

type batchUpsertRequest struct {
	RunID string           `json:"run_id" binding:"required"`
	Items []extractor.Item `json:"items" binding:"required"`
}

type batchUpsertResponse struct {
	CandidateIDs []string `json:"candidate_ids"`
	Inserted     int      `json:"inserted"`
	Queued       int      `json:"queued"`
	Dropped      int      `json:"dropped"`
}

func (s *Server) handleBatchUpsert(c *gin.Context) {
	var req batchUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Items) == 0 {
		writeError(c, http.StatusBadRequest, "items must not be empty", nil)
		return
	}

	now := s.now()
	built := make(map[string]domain.Candidate, len(req.Items))
	rows := make([]storage.Candidate, 0, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.URL) == "" {
			writeError(c, http.StatusBadRequest, fmt.Sprintf("items[%d].url is required", i), nil)
			return
		}
		cand := extractor.Build(it, now)
		if _, dup := built[cand.SourceURL]; !dup {
			built[cand.SourceURL] = cand
		}
		rows = append(rows, storage.Candidate{
			CandidateKey:    cand.ID,
			Source:          it.Source,
			URL:             cand.SourceURL,
			VideoID:         it.VideoID,
			AuthorName:      cand.AuthorID,
			Title:           cand.Title,
			RawText:         it.RawText,
			DurationSeconds: it.DurationSeconds,
		})
	}

	inserted, keys, err := s.deps.Runs.InsertCandidates(c.Request.Context(), req.RunID, rows)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(c, http.StatusNotFound, "run not found", err)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to store candidates", err)
		return
	}

	resp := batchUpsertResponse{CandidateIDs: keys, Inserted: len(inserted)}
	for _, row := range inserted {
		if s.deps.Intake.Submit(built[row.URL]) {
			resp.Queued++
		} else {
			resp.Dropped++
		}
	}
	slog.Info("candidates accepted", "run_id", req.RunID, "items", len(req.Items),
		"inserted", resp.Inserted, "queued", resp.Queued, "dropped", resp.Dropped)
	c.JSON(http.StatusOK, resp)
}
