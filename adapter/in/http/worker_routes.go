package http

import "github.com/gofiber/fiber/v2"

// Routes groups the handlers of the ops API.
type Routes struct {
	Health *HealthHandler
	Jobs   *JobHandler
	OAuth  *OAuthHandler

	// OpsAuth guards /api/v1 except the OAuth callback. nil means open.
	OpsAuth fiber.Handler
}

// Mount registers every route on app.
func (r Routes) Mount(app *fiber.App) {
	if r.Health != nil {
		r.Health.Register(app)
	}

	api := app.Group("/api/v1")

	// the provider redirects here without operator credentials
	if r.OAuth != nil {
		api.Get("/oauth/callback", r.OAuth.Callback)
	}

	if r.OpsAuth != nil {
		api.Use(r.OpsAuth)
	}
	if r.Jobs != nil {
		r.Jobs.Register(api)
	}
	if r.OAuth != nil {
		r.OAuth.Register(api)
	}
}
