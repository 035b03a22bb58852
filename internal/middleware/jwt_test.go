package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestParseTokenExtractsIdentity(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{"sub": "doc-7", "role": "Doctor", "name": "Dr. Smith"})

	identity, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "doc-7", Role: "doctor", Name: "Dr. Smith"}, identity)
}

func TestParseTokenAcceptsNumericSubject(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{"user_id": float64(42), "userType": "patient"})

	identity, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, "42", identity.UserID)
	require.Equal(t, "patient", identity.Role)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token := signToken(t, "other", jwt.MapClaims{"sub": "1"})

	_, err := ParseToken(testSecret, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsMissingSubject(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{"role": "doctor"})

	_, err := ParseToken(testSecret, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("bearer abc")
	require.True(t, ok)
	require.Equal(t, "abc", token)

	_, ok = BearerToken("Basic abc")
	require.False(t, ok)

	_, ok = BearerToken("Bearer ")
	require.False(t, ok)
}

func TestJWTProtectedSetsLocals(t *testing.T) {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		require.Equal(t, "p-1", c.Locals("user_id"))
		require.Equal(t, "patient", c.Locals("user_role"))
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"sub": "p-1", "role": "patient"}))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
