package router_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/telecare-go-api/internal/config"
	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/handler"
	"github.com/noah-isme/telecare-go-api/internal/middleware"
	"github.com/noah-isme/telecare-go-api/internal/router"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

const routerSecret = "router-secret"

type stubNotifications struct{}

func (stubNotifications) Publish(context.Context, dto.NotificationCreateRequest) (protocol.Notification, error) {
	return protocol.Notification{}, nil
}

func (stubNotifications) List(context.Context, string, dto.NotificationListQuery) (dto.NotificationListResponse, error) {
	return dto.NotificationListResponse{Items: []protocol.Notification{}}, nil
}

func (stubNotifications) UnreadCount(context.Context, string) (int64, error) { return 0, nil }

func (stubNotifications) MarkRead(context.Context, uint, string) (protocol.Notification, error) {
	return protocol.Notification{}, nil
}

func (stubNotifications) MarkAllRead(context.Context, string) (int64, error) { return 0, nil }

func (stubNotifications) Subscribe(string) (<-chan protocol.Notification, func()) {
	return make(chan protocol.Notification), func() {}
}

func (stubNotifications) Start(context.Context) {}

func newRouterApp(probes map[string]handler.HealthProbe) *fiber.App {
	logger := zerolog.New(io.Discard)
	app := fiber.New()
	router.Register(app, config.Config{AppName: "telecare-test", AppEnv: "test"}, router.Dependencies{
		NotificationHandler: handler.NewNotificationHandler(stubNotifications{}, nil, logger, time.Second),
		JWTMiddleware:       middleware.JWTProtected(routerSecret),
		HealthProbes:        probes,
	})
	return app
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  role + "-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(routerSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRoleGroupsEnforceTokenRole(t *testing.T) {
	app := newRouterApp(nil)

	cases := []struct {
		name   string
		path   string
		role   string
		status int
	}{
		{name: "doctor on doctor routes", path: "/api/v2/doctor/notifications", role: "doctor", status: fiber.StatusOK},
		{name: "patient on patient routes", path: "/api/v2/patient/notifications", role: "patient", status: fiber.StatusOK},
		{name: "patient on doctor routes", path: "/api/v2/doctor/notifications", role: "patient", status: fiber.StatusForbidden},
		{name: "doctor on patient routes", path: "/api/v2/patient/notifications", role: "doctor", status: fiber.StatusForbidden},
		{name: "admin on doctor routes", path: "/api/v2/doctor/notifications", role: "admin", status: fiber.StatusOK},
		{name: "anonymous", path: "/api/v2/patient/notifications", status: fiber.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.role != "" {
				req.Header.Set("Authorization", bearer(t, tc.role))
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	healthy := newRouterApp(map[string]handler.HealthProbe{
		"database": func(context.Context) error { return nil },
	})
	resp, err := healthy.Test(httptest.NewRequest(http.MethodGet, "/api/v2/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "telecare-test", resp.Header.Get("X-Application"))

	degraded := newRouterApp(map[string]handler.HealthProbe{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	resp, err = degraded.Test(httptest.NewRequest(http.MethodGet, "/api/v2/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
