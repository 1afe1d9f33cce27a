package bootstrap

import (
	"strings"

	"chronos_server/adapter/in/http"
	"chronos_server/config"
	"chronos_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the fiber app with the full middleware stack and routes.
// The returned cleanup closes the database and redis connections.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := deps.Log

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(log),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json: faster serialization than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		// SSE responses are written through a body stream
		StreamRequestBody: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover(log))
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger(log))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
		Next: func(c *fiber.Ctx) bool {
			// Compression buffers the body and would stall SSE flushes.
			return strings.HasSuffix(c.Path(), "/sync")
		},
	}))

	// CORS: AllowCredentials requires explicit origins, never "*"
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health checks (no auth)
	http.NewHealthHandler(deps.DB, deps.Redis, deps.Metrics).Register(app)

	// Google push notifications (no auth; channel token is the credential)
	http.NewWebhookHandler(deps.Dispatcher, log).Register(app.Group("/api/calendar"))

	// Authenticated API surface
	api := app.Group("/api/calendar")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	http.NewSyncHandler(deps.Orchestrator, log).Register(api)
	http.NewCalendarHandler(deps.CalendarService, log).Register(api)

	log.Info().
		Str("environment", cfg.Environment).
		Str("port", cfg.Port).
		Msg("api server initialized")

	return app, cleanup, nil
}
