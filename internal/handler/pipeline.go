package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/internal/store"
	"github.com/soundforge/alchemy/pkg/response"
)

type PipelineHandler struct {
	store     *store.Store
	gate      *pipeline.Gate
	validator *validator.Validate
}

func NewPipelineHandler(st *store.Store, gate *pipeline.Gate, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		store:     st,
		gate:      gate,
		validator: v,
	}
}

// Start handles POST /api/pipeline/start. It registers the track and
// schedules the first stage whose artifact is missing; stages that already
// ran are skipped.
func (h *PipelineHandler) Start(c *fiber.Ctx) error {
	var req model.PipelineStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	track, err := h.store.FindOrCreateTrack(req.SourceURL, req.Title, req.Artist, req.UserID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	opts := model.StageOptions{
		StemKinds: req.StemKinds,
		Engine:    req.Engine,
		Model:     req.Model,
		Variant:   req.Variant,
		Features:  req.Features,
		AutoCue:   req.AutoCue,
		CuePlan:   req.CuePlan,
		UserID:    req.UserID,
	}

	resp := model.PipelineStartResponse{
		TrackID:   track.ID,
		Satisfied: true,
		CreatedAt: time.Now(),
	}
	for stage := model.StageDownload; stage != ""; stage = model.NextStage(stage) {
		if stage == model.StageAutocue && !req.AutoCue {
			break
		}
		res, err := h.gate.Ensure(c.Context(), track.ID, stage, opts)
		if err != nil {
			return response.ServiceError(c, err.Error())
		}
		if !res.Satisfied {
			resp.Satisfied = false
			resp.JobID = res.JobID
			break
		}
	}

	return response.Accepted(c, resp)
}

// Status handles GET /api/pipeline/status/:trackId
func (h *PipelineHandler) Status(c *fiber.Ctx) error {
	trackID, err := strconv.ParseUint(c.Params("trackId"), 10, 32)
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

	jobs, err := h.store.JobsByTrack(track.ID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	stems, err := h.store.StemsByTrack(track.ID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	_, analysisErr := h.store.AnalysisByTrack(track.ID)

	resp := model.PipelineStatusResponse{
		TrackID:  track.ID,
		Title:    track.Title,
		Artist:   track.Artist,
		Stems:    len(stems),
		Analyzed: analysisErr == nil,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobEntry(&job))
	}

	return response.OK(c, resp)
}

// JobStatus handles GET /api/jobs/:jobId
func (h *PipelineHandler) JobStatus(c *fiber.Ctx) error {
	job, err := h.store.JobByID(c.Params("jobId"))
	if errors.Is(err, store.ErrNotFound) {
		return response.NotFound(c, "Job not found")
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, jobEntry(job))
}

func jobEntry(job *model.StageJob) model.JobStatusEntry {
	return model.JobStatusEntry{
		JobID:       job.ID,
		Stage:       job.Stage,
		Status:      job.Status,
		Progress:    job.Progress,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
