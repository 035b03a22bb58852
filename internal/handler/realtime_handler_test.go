package handler_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/telecare-go-api/internal/handler"
	"github.com/noah-isme/telecare-go-api/internal/service"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

func startRealtimeServer(t *testing.T) (service.RealtimeService, string) {
	t.Helper()

	gateway, err := service.NewRealtimeService(service.RealtimeOptions{}, zerolog.New(io.Discard))
	require.NoError(t, err)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.NewRealtimeHandler(gateway, testSecret, zerolog.New(io.Discard)).Register(app.Group("/api/v2/realtime"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(listener) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return gateway, "ws://" + listener.Addr().String() + "/api/v2/realtime/ws"
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope protocol.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func TestRealtimeHandler_RejectsInvalidToken(t *testing.T) {
	_, url := startRealtimeServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=not-a-jwt", nil)
	require.NoError(t, err)
	defer conn.Close()

	envelope := readEnvelope(t, conn)
	require.Equal(t, protocol.EventAuthError, envelope.Event)

	var failure protocol.ErrorPayload
	require.NoError(t, envelope.Decode(&failure))
	require.Equal(t, protocol.InvalidTokenMessage, failure.Message)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, protocol.CloseAuthFailed, closeErr.Code)
}

func TestRealtimeHandler_AcceptsBearerHeader(t *testing.T) {
	gateway, url := startRealtimeServer(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"sub": "patient-1", "role": "patient", "name": "Sam"}))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// An unadmitted join proves the socket is being served before pushing.
	envelope, err := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "room-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(envelope))
	require.Equal(t, protocol.EventError, readEnvelope(t, conn).Event)

	require.NoError(t, gateway.PushToUser(context.Background(), "patient-1", protocol.EventNewNotification, protocol.Notification{ID: 5, UserID: "patient-1"}))

	pushed := readEnvelope(t, conn)
	require.Equal(t, protocol.EventNewNotification, pushed.Event)
	var notification protocol.Notification
	require.NoError(t, pushed.Decode(&notification))
	require.Equal(t, uint(5), notification.ID)
}

func TestRealtimeHandler_RequiresUpgrade(t *testing.T) {
	gateway, err := service.NewRealtimeService(service.RealtimeOptions{}, zerolog.New(io.Discard))
	require.NoError(t, err)

	app := fiber.New()
	handler.NewRealtimeHandler(gateway, testSecret, zerolog.New(io.Discard)).Register(app.Group("/realtime"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/realtime/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
