package http

import (
	"context"
	"time"

	"ticket_worker/infra/database"
	"ticket_worker/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// QueueStats is the part of the worker pool the health check reports.
type QueueStats interface {
	Pending() int
}

type HealthHandler struct {
	db    *sqlx.DB
	redis redis.UniversalClient
	queue QueueStats
}

// NewHealthHandler creates a health handler. redis and queue may be nil.
func NewHealthHandler(db *sqlx.DB, redis redis.UniversalClient, queue QueueStats) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redis,
		queue: queue,
	}
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// Health checks the store and reports pool statistics.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "not configured"
		allHealthy = false
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	body := fiber.Map{
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		body["db_pool"] = metrics.GetDBPoolStats(h.db.DB).ToMap()
	}
	if h.redis != nil {
		body["redis_pool"] = database.GetRedisStats(h.redis)
	}
	if h.queue != nil {
		body["pending_jobs"] = h.queue.Pending()
	}

	status := "ok"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}
	body["status"] = status

	return c.Status(statusCode).JSON(body)
}

// Ready is a liveness probe that never touches dependencies.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
