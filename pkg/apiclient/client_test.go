package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

func newTestServer(t *testing.T, status int, body interface{}) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(payload),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestNewRejectsUnknownRole(t *testing.T) {
	_, err := New("http://localhost", protocol.RoleAdmin, nil)
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = New("not a url", protocol.RoleDoctor, nil)
	require.Error(t, err)
}

func TestListNotificationsUsesRolePrefix(t *testing.T) {
	server, requests := newTestServer(t, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "notifications",
		"data": []map[string]interface{}{
			{"id": 2, "userId": "p-1", "title": "Booked", "message": "m", "type": "appointment_booked", "read": false},
		},
		"meta": map[string]interface{}{"unreadCount": 3, "limit": 10, "offset": 5},
	})

	client, err := New(server.URL, protocol.RolePatient, StaticToken("tok"))
	require.NoError(t, err)

	page, err := client.ListNotifications(context.Background(), ListQuery{Limit: 10, Offset: 5, UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, uint(2), page.Items[0].ID)
	require.Equal(t, int64(3), page.UnreadCount)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/api/v2/patient/notifications", req.Path)
	require.Equal(t, "limit=10&offset=5&unread_only=true", req.Query)
	require.Equal(t, "Bearer tok", req.Auth)
}

func TestJoinCallPostsToRoom(t *testing.T) {
	server, requests := newTestServer(t, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "joined call",
		"data":    map[string]interface{}{"roomId": "R1", "appointmentId": "A1", "status": "waiting"},
	})

	client, err := New(server.URL, protocol.RoleDoctor, StaticToken("tok"))
	require.NoError(t, err)

	call, err := client.JoinCall(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, "R1", call.RoomID)
	require.Equal(t, "waiting", call.Status)
	require.Equal(t, "/api/v2/doctor/calls/R1/join", (*requests)[0].Path)
	require.Equal(t, http.MethodPost, (*requests)[0].Method)
}

func TestEndCallSendsReason(t *testing.T) {
	server, requests := newTestServer(t, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"roomId": "R1", "status": "ended", "endReason": "declined"},
	})

	client, err := New(server.URL, protocol.RolePatient, nil)
	require.NoError(t, err)

	call, err := client.EndCall(context.Background(), "R1", "declined")
	require.NoError(t, err)
	require.Equal(t, "declined", call.EndReason)
	require.JSONEq(t, `{"reason":"declined"}`, (*requests)[0].Body)
	require.Empty(t, (*requests)[0].Auth)
}

func TestNonSuccessBecomesAPIError(t *testing.T) {
	server, _ := newTestServer(t, http.StatusConflict, map[string]interface{}{
		"success": false,
		"message": "call already ended",
	})

	client, err := New(server.URL, protocol.RolePatient, StaticToken("tok"))
	require.NoError(t, err)

	_, err = client.AcceptCall(context.Background(), "R1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, "call already ended", apiErr.Message)
	require.False(t, IsUnauthorized(err))
}

func TestUnauthorizedWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := New(server.URL, protocol.RoleDoctor, StaticToken("expired"))
	require.NoError(t, err)

	_, err = client.UnreadCount(context.Background())
	require.True(t, IsUnauthorized(err))
}

func TestMarkNotificationReadAndCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v2/patient/notifications/7/read":
			_, _ = io.WriteString(w, `{"success":true,"data":{"id":7,"read":true}}`)
		case "/api/v2/patient/notifications/read-all":
			_, _ = io.WriteString(w, `{"success":true,"data":{"updated":4}}`)
		case "/api/v2/patient/notifications/unread-count":
			_, _ = io.WriteString(w, `{"success":true,"data":{"unreadCount":9}}`)
		case "/api/v2/patient/calls/config":
			_, _ = io.WriteString(w, `{"success":true,"data":{"stunServers":["stun:a:19302"]}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := New(server.URL, protocol.RolePatient, StaticToken("tok"))
	require.NoError(t, err)
	ctx := context.Background()

	notification, err := client.MarkNotificationRead(ctx, 7)
	require.NoError(t, err)
	require.True(t, notification.Read)

	updated, err := client.MarkAllRead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), updated)

	count, err := client.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), count)

	servers, err := client.CallConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"stun:a:19302"}, servers)
}
