package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/telecare-go-api/internal/utils"
)

// ErrInvalidToken is returned when a bearer token cannot be verified.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID string
	Role   string
	Name   string
}

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		tokenString, ok := BearerToken(authorization)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		identity, err := ParseToken(secret, tokenString)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		SetIdentity(c, identity)
		return c.Next()
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, bool) {
	const bearer = "Bearer "
	if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(authorization[len(bearer):])
	return token, token != ""
}

// ParseToken verifies an HMAC signed token and extracts the caller identity.
func ParseToken(secret, tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	identity := Identity{
		UserID: extractUserIDFromClaims(claims),
		Role:   extractUserRoleFromClaims(claims),
		Name:   extractNameFromClaims(claims),
	}
	if identity.UserID == "" {
		return Identity{}, ErrInvalidToken
	}

	return identity, nil
}

// SetIdentity stores the identity in the request locals.
func SetIdentity(c *fiber.Ctx, identity Identity) {
	c.Locals(LocalUserID, identity.UserID)
	if identity.Role != "" {
		c.Locals(LocalUserRole, identity.Role)
	}
	if identity.Name != "" {
		c.Locals(LocalUserName, identity.Name)
	}
}

// CurrentIdentity returns the identity SetIdentity stored for the request.
// The role is lower-cased.
func CurrentIdentity(c *fiber.Ctx) Identity {
	return Identity{
		UserID: localString(c, LocalUserID),
		Role:   string(CurrentRole(c)),
		Name:   localString(c, LocalUserName),
	}
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	keys := []string{"sub", "user_id", "userId", "id"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized := normalizeUserID(value); normalized != "" {
				return normalized
			}
		}
	}

	return ""
}

func normalizeUserID(value interface{}) string {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return ""
		}
		return strconv.FormatUint(uint64(v), 10)
	case string:
		return strings.TrimSpace(v)
	case int:
		if v < 0 {
			return ""
		}
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func extractUserRoleFromClaims(claims jwt.MapClaims) string {
	candidates := []string{"role", "roles", "userType"}
	for _, key := range candidates {
		if value, ok := claims[key]; ok {
			if role := normalizeRole(value); role != "" {
				return role
			}
		}
	}
	return ""
}

func extractNameFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"name", "full_name"} {
		if value, ok := claims[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func normalizeRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				role := strings.ToLower(strings.TrimSpace(str))
				if role != "" {
					return role
				}
			}
		}
	default:
		return ""
	}
	return ""
}
