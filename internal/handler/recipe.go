package handler

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/soundforge/alchemy/internal/model"
	"github.com/soundforge/alchemy/internal/pipeline"
	"github.com/soundforge/alchemy/pkg/response"
)

type RecipeHandler struct {
	queue     pipeline.Enqueuer
	validator *validator.Validate
}

func NewRecipeHandler(queue pipeline.Enqueuer, v *validator.Validate) *RecipeHandler {
	return &RecipeHandler{
		queue:     queue,
		validator: v,
	}
}

// Build handles POST /api/recipes/build. The run is queued and the caller
// follows it on the recipes:<runId> topic.
func (h *RecipeHandler) Build(c *fiber.Ctx) error {
	var req model.RecipeBuildRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	runID := uuid.New().String()
	payload, err := json.Marshal(pipeline.RecipeTaskPayload{RunID: runID, Request: req})
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	task := asynq.NewTask(pipeline.TaskTypeRecipe, payload)
	if _, err := h.queue.Enqueue(task,
		asynq.Queue(pipeline.QueueRecipe),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour),
	); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, model.RecipeBuildResponse{
		RunID:     runID,
		CreatedAt: time.Now(),
	})
}
