package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/internal/middleware"
	"github.com/noah-isme/telecare-go-api/internal/service"
)

const (
	localRealtimeIdentity = "realtime_identity"
	localRealtimeContext  = "realtime_ctx"
	localRealtimeAuthFail = "realtime_auth_failed"
)

// RealtimeHandler upgrades authenticated sessions to the realtime websocket.
type RealtimeHandler struct {
	service service.RealtimeService
	secret  string
	logger  zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler instance.
func NewRealtimeHandler(service service.RealtimeService, jwtSecret string, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		service: service,
		secret:  jwtSecret,
		logger:  logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket route. The token may be sent as a bearer
// Authorization header or as the token query parameter.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", h.authenticate)
	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) authenticate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	c.Locals(localRealtimeContext, requestContext(c))

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token, _ = middleware.BearerToken(c.Get("Authorization"))
	}

	identity, err := middleware.ParseToken(h.secret, token)
	if err != nil {
		// The socket is still upgraded so that the client receives auth_error and the close code.
		c.Locals(localRealtimeAuthFail, true)
		requestLogger(h.logger, c).Warn().Err(err).Msg("realtime handshake rejected")
		return c.Next()
	}

	c.Locals(localRealtimeIdentity, identity)
	return c.Next()
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	identity, ok := conn.Locals(localRealtimeIdentity).(middleware.Identity)
	if failed, _ := conn.Locals(localRealtimeAuthFail).(bool); failed || !ok || identity.UserID == "" {
		h.service.RejectConnection(conn, "")
		return
	}

	baseCtx, _ := conn.Locals(localRealtimeContext).(context.Context)
	opts := service.RealtimeConnectionOptions{
		UserID:        identity.UserID,
		Role:          identity.Role,
		Name:          identity.Name,
		CorrelationID: middleware.CorrelationIDFromContext(baseCtx),
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", identity.UserID).Str("role", identity.Role).Msg("realtime websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", identity.UserID).Msg("realtime websocket disconnected")
}

