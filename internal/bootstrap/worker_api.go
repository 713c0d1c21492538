package bootstrap

import (
	"strings"

	"ticket_worker/adapter/in/http"
	"ticket_worker/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
)

// NewAPI builds the ops API. w is nil when this process runs no worker.
func NewAPI(deps *Dependencies, w *Worker) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		AppName:               "ticket-worker",
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json for every body fiber encodes
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "*" && cfg.IsProduction() {
		allowOrigins = ""
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders: "X-Request-ID",
		MaxAge:        86400,
	}))

	var queue http.QueueStats
	if w != nil {
		queue = w.Pool()
	}
	var rdb redis.UniversalClient
	if deps.Redis != nil {
		rdb = deps.Redis
	}

	http.Routes{
		Health:  http.NewHealthHandler(deps.DB, rdb, queue),
		Jobs:    http.NewJobHandler(deps.SyncService, deps.SyncService),
		OAuth:   http.NewOAuthHandler(deps.TokenManager, deps.SyncService),
		OpsAuth: middleware.OpsAuth(cfg.OpsJWTSecret),
	}.Mount(app)

	return app
}
