package handler_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/handler"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

type mockNotificationService struct {
	lastUserID  string
	lastQuery   dto.NotificationListQuery
	lastReadID  uint
	markAllUser string
	items       []protocol.Notification
	unread      int64
	markErr     error
}

func (m *mockNotificationService) Publish(context.Context, dto.NotificationCreateRequest) (protocol.Notification, error) {
	return protocol.Notification{}, nil
}

func (m *mockNotificationService) List(_ context.Context, userID string, query dto.NotificationListQuery) (dto.NotificationListResponse, error) {
	m.lastUserID = userID
	m.lastQuery = query
	return dto.NotificationListResponse{Items: m.items, UnreadCount: m.unread}, nil
}

func (m *mockNotificationService) UnreadCount(_ context.Context, userID string) (int64, error) {
	m.lastUserID = userID
	return m.unread, nil
}

func (m *mockNotificationService) MarkRead(_ context.Context, id uint, userID string) (protocol.Notification, error) {
	m.lastReadID = id
	m.lastUserID = userID
	if m.markErr != nil {
		return protocol.Notification{}, m.markErr
	}
	return protocol.Notification{ID: id, UserID: userID, Read: true}, nil
}

func (m *mockNotificationService) MarkAllRead(_ context.Context, userID string) (int64, error) {
	m.markAllUser = userID
	return 3, nil
}

func (m *mockNotificationService) Subscribe(string) (<-chan protocol.Notification, func()) {
	ch := make(chan protocol.Notification)
	close(ch)
	return ch, func() {}
}

func (m *mockNotificationService) Start(context.Context) {}

func newNotificationApp(svc *mockNotificationService, userID string) *fiber.App {
	app := fiber.New()
	group := app.Group("/notifications", withIdentity(userID, "patient", "Sam"))
	handler.NewNotificationHandler(svc, nil, zerolog.New(io.Discard), 0).Register(group)
	return app
}

func TestNotificationHandler_ListPassesFilters(t *testing.T) {
	svc := &mockNotificationService{
		items:  []protocol.Notification{{ID: 7, UserID: "patient-1", Title: "Booked", Type: "appointment_booked"}},
		unread: 4,
	}
	app := newNotificationApp(svc, "patient-1")

	req := httptest.NewRequest(http.MethodGet, "/notifications?limit=5&offset=10&unread_only=true", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool                    `json:"success"`
		Data    []protocol.Notification `json:"data"`
		Meta    struct {
			UnreadCount int64 `json:"unreadCount"`
		} `json:"meta"`
	}
	decodeResponse(t, resp, &body)

	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	require.Equal(t, uint(7), body.Data[0].ID)
	require.Equal(t, int64(4), body.Meta.UnreadCount)
	require.Equal(t, "patient-1", svc.lastUserID)
	require.Equal(t, dto.NotificationListQuery{Limit: 5, Offset: 10, UnreadOnly: true}, svc.lastQuery)
}

func TestNotificationHandler_ListRejectsBadQuery(t *testing.T) {
	app := newNotificationApp(&mockNotificationService{}, "patient-1")

	for _, target := range []string{"/notifications?limit=abc", "/notifications?limit=500", "/notifications?unread_only=maybe"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, target)
	}
}

func TestNotificationHandler_RequiresUser(t *testing.T) {
	app := newNotificationApp(&mockNotificationService{}, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/notifications", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestNotificationHandler_UnreadCount(t *testing.T) {
	app := newNotificationApp(&mockNotificationService{unread: 2}, "doctor-1")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/notifications/unread-count", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data dto.UnreadCountResponse `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, int64(2), body.Data.UnreadCount)
}

func TestNotificationHandler_MarkRead(t *testing.T) {
	svc := &mockNotificationService{}
	app := newNotificationApp(svc, "patient-1")

	resp, err := app.Test(httptest.NewRequest(http.MethodPatch, "/notifications/12/read", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(12), svc.lastReadID)

	resp, err = app.Test(httptest.NewRequest(http.MethodPatch, "/notifications/abc/read", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	svc.markErr = gorm.ErrRecordNotFound
	resp, err = app.Test(httptest.NewRequest(http.MethodPatch, "/notifications/13/read", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	svc.markErr = errors.New("database offline")
	resp, err = app.Test(httptest.NewRequest(http.MethodPatch, "/notifications/14/read", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestNotificationHandler_MarkAllRead(t *testing.T) {
	svc := &mockNotificationService{}
	app := newNotificationApp(svc, "patient-1")

	resp, err := app.Test(httptest.NewRequest(http.MethodPatch, "/notifications/read-all", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "patient-1", svc.markAllUser)

	var body struct {
		Data struct {
			Updated int64 `json:"updated"`
		} `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.Equal(t, int64(3), body.Data.Updated)
}
