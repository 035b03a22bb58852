package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/service"
	"github.com/noah-isme/telecare-go-api/internal/utils"
)

// CallHandler exposes the call invitation lifecycle over REST.
type CallHandler struct {
	service     service.CallService
	stunServers []string
	logger      zerolog.Logger
}

// NewCallHandler constructs a call handler.
func NewCallHandler(service service.CallService, stunServers []string, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		service:     service,
		stunServers: append([]string(nil), stunServers...),
		logger:      logger.With().Str("component", "call_handler").Logger(),
	}
}

// Register binds the call routes.
func (h *CallHandler) Register(router fiber.Router) {
	router.Get("/config", h.config)
	router.Post("/", h.initiate)
	router.Post("/:roomId/join", h.join)
	router.Post("/:roomId/accept", h.accept)
	router.Post("/:roomId/decline", h.decline)
	router.Post("/:roomId/end", h.end)
}

func (h *CallHandler) config(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "call configuration", dto.CallConfigResponse{STUNServers: h.stunServers})
}

func (h *CallHandler) initiate(c *fiber.Ctx) error {
	actor := callActorFromContext(c)
	if actor.UserID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.InitiateCallRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	call, err := h.service.Initiate(requestContext(c), actor, payload)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "call initiated", call)
}

func (h *CallHandler) join(c *fiber.Ctx) error {
	return h.act(c, "joined call", func(actor dto.CallActor, roomID string) (dto.CallResponse, error) {
		return h.service.Join(requestContext(c), actor, roomID)
	})
}

func (h *CallHandler) accept(c *fiber.Ctx) error {
	return h.act(c, "call accepted", func(actor dto.CallActor, roomID string) (dto.CallResponse, error) {
		return h.service.Accept(requestContext(c), actor, roomID)
	})
}

func (h *CallHandler) decline(c *fiber.Ctx) error {
	return h.act(c, "call declined", func(actor dto.CallActor, roomID string) (dto.CallResponse, error) {
		return h.service.Decline(requestContext(c), actor, roomID)
	})
}

func (h *CallHandler) end(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	return h.act(c, "call ended", func(actor dto.CallActor, roomID string) (dto.CallResponse, error) {
		return h.service.End(requestContext(c), actor, roomID, body.Reason)
	})
}

func (h *CallHandler) act(c *fiber.Ctx, message string, fn func(dto.CallActor, string) (dto.CallResponse, error)) error {
	actor := callActorFromContext(c)
	if actor.UserID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	roomID := strings.TrimSpace(c.Params("roomId"))
	if roomID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "room id required")
	}

	call, err := fn(actor, roomID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, message, call)
}

func (h *CallHandler) fail(c *fiber.Ctx, err error) error {
	if details := validationDetails(err); details != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid call request", details)
	}

	switch {
	case errors.Is(err, service.ErrCallSelf):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCallNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrCallNotParticipant), errors.Is(err, service.ErrCallNotRecipient):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrCallClosed), errors.Is(err, service.ErrCallAlreadyOpen):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("call request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "call request failed")
	}
}
