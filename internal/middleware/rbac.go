package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/telecare-go-api/internal/utils"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// Request locals populated by SetIdentity and CorrelationID.
const (
	LocalUserID        = "user_id"
	LocalUserRole      = "user_role"
	LocalUserName      = "user_name"
	LocalCorrelationID = "correlation_id"
)

// RequireRole admits callers whose token carries one of roles. Admins are
// always admitted. A request without a role is treated as unauthenticated.
func RequireRole(roles ...protocol.Role) fiber.Handler {
	allowed := map[protocol.Role]struct{}{protocol.RoleAdmin: {}}
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		role = protocol.Role(strings.ToLower(strings.TrimSpace(string(role))))
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
		required = append(required, string(role))
	}

	return func(c *fiber.Ctx) error {
		current := CurrentRole(c)
		if current == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if _, ok := allowed[current]; !ok {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{
				"required": required,
				"role":     string(current),
			})
		}
		return c.Next()
	}
}

// CurrentRole returns the lower-cased role stored for the request.
func CurrentRole(c *fiber.Ctx) protocol.Role {
	return protocol.Role(strings.ToLower(localString(c, LocalUserRole)))
}

func localString(c *fiber.Ctx, key string) string {
	switch v := c.Locals(key).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
