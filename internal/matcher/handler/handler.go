// Package handler exposes the matching engine over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/matcher"
	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
	"github.com/activitymesh/matchengine/pkg/logger"
	"github.com/goccy/go-json"
)

// MatchRunner runs a matching request; satisfied by the dispatcher.
type MatchRunner interface {
	Submit(ctx context.Context, req matcher.Request) (*matcher.Outcome, error)
}

// Handler serves the match and grid endpoints.
type Handler struct {
	runner        MatchRunner
	grid          *grid.Index
	refresh       func(ctx context.Context) error
	defaultRadius float64
	maxLimit      int
	logger        *slog.Logger
}

// New creates a Handler. refresh reloads the grid index and option catalog
// and backs the admin refresh endpoint.
func New(runner MatchRunner, index *grid.Index, refresh func(ctx context.Context) error, defaultRadius float64, maxLimit int) *Handler {
	return &Handler{
		runner:        runner,
		grid:          index,
		refresh:       refresh,
		defaultRadius: defaultRadius,
		maxLimit:      maxLimit,
		logger:        slog.Default().With("component", "match-handler"),
	}
}

// Match handles POST /api/v1/match.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	h.runMatch(w, r, "")
}

// MatchCounts handles POST /api/v1/match/counts.
func (h *Handler) MatchCounts(w http.ResponseWriter, r *http.Request) {
	h.runMatch(w, r, matcher.ModeCounts)
}

// MatchExclusions handles POST /api/v1/match/exclusions.
func (h *Handler) MatchExclusions(w http.ResponseWriter, r *http.Request) {
	h.runMatch(w, r, matcher.ModeExclusions)
}

func (h *Handler) runMatch(w http.ResponseWriter, r *http.Request, forceMode matcher.Mode) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req matcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequesterToken == "" {
		h.writeError(w, http.StatusBadRequest, "requester is required")
		return
	}
	if forceMode != "" {
		req.Mode = forceMode
	}
	if h.maxLimit > 0 && req.Limit > h.maxLimit {
		req.Limit = h.maxLimit
	}

	outcome, err := h.runner.Submit(ctx, req)
	if err != nil {
		log.Error("match request failed",
			"requester", req.RequesterToken,
			"mode", string(req.Mode),
			"error", err,
		)
		h.writeError(w, pkgerrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// GridNearby handles GET /api/v1/grid/nearby.
func (h *Handler) GridNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "lat must be a number")
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "lon must be a number")
		return
	}
	radius := h.defaultRadius
	if raw := q.Get("radius_km"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 {
			h.writeError(w, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	neighbors, err := h.grid.FindNearby(lat, lon, radius, limit)
	if err != nil {
		h.writeError(w, pkgerrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cells": neighbors,
		"count": len(neighbors),
	})
}

// GridRefresh handles POST /api/v1/grid/refresh.
func (h *Handler) GridRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.refresh(r.Context()); err != nil {
		h.logger.Error("grid refresh failed", "error", err)
		h.writeError(w, pkgerrors.HTTPStatusCode(err), "refresh failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"cells":  h.grid.CellCount(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
