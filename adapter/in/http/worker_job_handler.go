package http

import (
	"ticket_worker/core/port/in"
	"ticket_worker/pkg/apperr"
	"ticket_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

type JobHandler struct {
	jobs in.JobQuery
	sync in.SyncService
}

func NewJobHandler(jobs in.JobQuery, sync in.SyncService) *JobHandler {
	return &JobHandler{jobs: jobs, sync: sync}
}

func (h *JobHandler) Register(router fiber.Router) {
	jobs := router.Group("/jobs")
	jobs.Get("/:id", h.GetJob)
	jobs.Post("/:id/sync", h.SyncJob)
}

// GetJob returns the job and its last run bookkeeping.
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id, err := ParamID(c, "id")
	if err != nil {
		return err
	}

	job, err := h.jobs.GetJob(c.Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, job)
}

// SyncJob runs the job now and waits for the result. A run that finished
// with status failed is answered with 422 and the result.
func (h *JobHandler) SyncJob(c *fiber.Ctx) error {
	id, err := ParamID(c, "id")
	if err != nil {
		return err
	}

	logger.Info("[JobHandler.SyncJob] manual sync of job %d", id)
	result, err := h.sync.SyncJob(c.UserContext(), id)
	if err != nil {
		return err
	}

	if result.Failed() {
		return FailureResponse(c, apperr.SyncFailed(id, result.Message), result)
	}
	return SuccessResponse(c, result)
}
