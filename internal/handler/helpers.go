package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/middleware"
)

// parseQueryInt returns 0 for an absent parameter.
func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryBool(c *fiber.Ctx, key string) (bool, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func userIDStringFromContext(c *fiber.Ctx) string {
	return middleware.CurrentIdentity(c).UserID
}

func callActorFromContext(c *fiber.Ctx) dto.CallActor {
	identity := middleware.CurrentIdentity(c)
	return dto.CallActor{
		UserID: identity.UserID,
		Name:   identity.Name,
		Role:   identity.Role,
	}
}

// requestContext carries the correlation id into services and the realtime gateway.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c == nil {
		return &logger
	}
	ctx := base.With()
	if correlation := middleware.GetCorrelationID(c); correlation != "" {
		ctx = ctx.Str("correlation_id", correlation)
	}
	if userID := userIDStringFromContext(c); userID != "" {
		ctx = ctx.Str("user_id", userID)
	}
	logger = ctx.Logger()
	return &logger
}

// validationDetails maps each failing field to the rule it broke, or nil when
// err is not a validation error.
func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}
