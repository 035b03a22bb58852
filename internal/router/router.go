package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/telecare-go-api/internal/config"
	"github.com/noah-isme/telecare-go-api/internal/handler"
	"github.com/noah-isme/telecare-go-api/internal/middleware"
	"github.com/noah-isme/telecare-go-api/internal/observability"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	NotificationHandler *handler.NotificationHandler
	CallHandler         *handler.CallHandler
	RealtimeHandler     *handler.RealtimeHandler
	JWTMiddleware       fiber.Handler
	HealthProbes        map[string]handler.HealthProbe
	// RateLimitStorage shares call limits across nodes. Nil keeps them in memory.
	RateLimitStorage fiber.Storage
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v2", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	app.Get("/metrics", observability.MetricsHandler())

	// The websocket authenticates its own handshake so that a rejected token
	// still receives auth_error before the close frame.
	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(api.Group("/realtime"))
	}

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Doctors and patients share the same handlers; the role comes from the token.
	roles := map[string]protocol.Role{
		"/doctor":  protocol.RoleDoctor,
		"/patient": protocol.RolePatient,
	}
	for prefix, role := range roles {
		group := api.Group(prefix, jwtMiddleware, middleware.RequireRole(role))

		if deps.NotificationHandler != nil {
			deps.NotificationHandler.Register(group.Group("/notifications"))
		}
		if deps.CallHandler != nil {
			calls := group.Group("/calls", middleware.RateLimit(middleware.RateLimitConfig{
				Scope:   "calls" + prefix,
				Max:     30,
				Window:  time.Minute,
				Storage: deps.RateLimitStorage,
			}))
			deps.CallHandler.Register(calls)
		}
	}
}
