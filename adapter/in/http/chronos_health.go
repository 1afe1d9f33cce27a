package http

import (
	"context"
	"time"

	"chronos_server/infra/database"
	"chronos_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type HealthHandler struct {
	db      *sqlx.DB
	redis   *redis.Client
	metrics *metrics.SyncRegistry
}

func NewHealthHandler(db *sqlx.DB, redis *redis.Client, reg *metrics.SyncRegistry) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, metrics: reg}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

// Metrics reports sync phase latency percentiles and pool stats.
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	resp := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.metrics != nil {
		resp["sync"] = h.metrics.Snapshot()
	}
	if h.db != nil {
		resp["db_pool"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		resp["redis_pool"] = database.GetRedisStats(h.redis)
	}
	return c.JSON(resp)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
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

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	resp := fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		resp["db_pool"] = database.GetPoolStats(h.db)
	}
	return c.Status(statusCode).JSON(resp)
}
