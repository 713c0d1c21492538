package http

import (
	"errors"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/in"
	"ticket_worker/pkg/apperr"
	"ticket_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

type OAuthHandler struct {
	oauthService in.OAuthService
	jobs         in.JobQuery
}

func NewOAuthHandler(oauthService in.OAuthService, jobs in.JobQuery) *OAuthHandler {
	return &OAuthHandler{
		oauthService: oauthService,
		jobs:         jobs,
	}
}

// Register mounts the authorize route. The callback is registered apart
// because the provider calls it without operator credentials.
func (h *OAuthHandler) Register(router fiber.Router) {
	router.Get("/oauth/:provider/authorize", h.Authorize)
}

// Authorize returns the consent URL for a job. With redirect=true the
// caller is sent there directly.
func (h *OAuthHandler) Authorize(c *fiber.Ctx) error {
	provider := domain.NormalizeProviderName(c.Params("provider"))
	jobID, err := QueryID(c, "job_id")
	if err != nil {
		return err
	}

	job, err := h.jobs.GetJob(c.Context(), jobID)
	if err != nil {
		return err
	}
	if domain.NormalizeProviderName(job.ProviderName) != provider {
		return apperr.InvalidInput("provider", "job "+job.Email+" uses "+job.ProviderName)
	}

	authURL, state, err := h.oauthService.AuthorizationURL(c.Context(), jobID)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]any{"job_id": jobID, "provider": provider}).
		Info("[OAuth Authorize] consent URL issued")

	if c.QueryBool("redirect") {
		return c.Redirect(authURL, fiber.StatusFound)
	}
	return SuccessResponse(c, fiber.Map{
		"auth_url": authURL,
		"state":    state,
	})
}

// Callback exchanges the code and stores the token of the job in the state.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if errParam := c.Query("error"); errParam != "" {
		logger.Warn("[OAuth Callback] Error from provider: %s - %s", errParam, c.Query("error_description"))
		return apperr.BadRequest("authorization denied").WithDetail("error", errParam)
	}

	code := c.Query("code")
	if code == "" {
		return apperr.MissingField("code")
	}
	state := c.Query("state")
	if state == "" {
		return apperr.MissingField("state")
	}

	token, err := h.oauthService.CompleteAuthorization(c.Context(), state, code)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return apperr.OAuthFailed("mailbox", err)
	}

	logger.Info("[OAuth Callback] job %d authorized", token.JobID)
	return SuccessResponse(c, token)
}
