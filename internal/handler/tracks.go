package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/soundforge/alchemy/internal/store"
	"github.com/soundforge/alchemy/pkg/response"
)

type TrackHandler struct {
	store *store.Store
}

func NewTrackHandler(st *store.Store) *TrackHandler {
	return &TrackHandler{store: st}
}

// Get handles GET /api/tracks/:id
func (h *TrackHandler) Get(c *fiber.Ctx) error {
	trackID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.ValidationError(c, "Invalid track ID", nil)
	}

	track, err := h.store.TrackByID(uint(trackID))
	if errors.Is(err, store.ErrNotFound) {
		return response.NotFound(c, "Track not found")
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, track)
}

// Stems handles GET /api/tracks/:id/stems
func (h *TrackHandler) Stems(c *fiber.Ctx) error {
	trackID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.ValidationError(c, "Invalid track ID", nil)
	}

	stems, err := h.store.StemsByTrack(uint(trackID))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, stems)
}

// Analysis handles GET /api/tracks/:id/analysis
func (h *TrackHandler) Analysis(c *fiber.Ctx) error {
	trackID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.ValidationError(c, "Invalid track ID", nil)
	}

	analysis, err := h.store.AnalysisByTrack(uint(trackID))
	if errors.Is(err, store.ErrNotFound) {
		return response.NotFound(c, "No analysis for track")
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, analysis)
}

// Cues handles GET /api/tracks/:id/cues?userId=...
func (h *TrackHandler) Cues(c *fiber.Ctx) error {
	trackID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.ValidationError(c, "Invalid track ID", nil)
	}
	userID := c.Query("userId")
	if userID == "" {
		return response.ValidationError(c, "userId query parameter is required", nil)
	}

	cues, err := h.store.CuesByTrackUser(uint(trackID), userID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, cues)
}

// Notifications handles GET /api/notifications?userId=...
func (h *TrackHandler) Notifications(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return response.ValidationError(c, "userId query parameter is required", nil)
	}

	notifications, err := h.store.NotificationsByUser(userID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, notifications)
}
