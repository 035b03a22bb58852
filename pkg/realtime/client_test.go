package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/telecare-go-api/pkg/apiclient"
	"github.com/noah-isme/telecare-go-api/pkg/events"
	"github.com/noah-isme/telecare-go-api/pkg/notifystore"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

type gatewayStub struct {
	server    *httptest.Server
	attempts  atomic.Int32
	mu        sync.Mutex
	conns     []*websocket.Conn
	queries   []url.Values
	received  chan protocol.Envelope
	onConnect func(conn *websocket.Conn)
	reject    atomic.Int32
}

func newGatewayStub(t *testing.T, onConnect func(conn *websocket.Conn)) *gatewayStub {
	t.Helper()
	stub := &gatewayStub{received: make(chan protocol.Envelope, 16), onConnect: onConnect}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.attempts.Add(1)
		if code := stub.reject.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.queries = append(stub.queries, r.URL.Query())
		stub.mu.Unlock()

		if stub.onConnect != nil {
			stub.onConnect(conn)
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			stub.received <- env
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *gatewayStub) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v2/realtime/ws"
}

func (s *gatewayStub) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *gatewayStub) query(index int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[index]
}

func (s *gatewayStub) send(t *testing.T, index int, event string, payload interface{}) {
	t.Helper()
	require.Eventually(t, func() bool { return s.connCount() > index }, 2*time.Second, 5*time.Millisecond)
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conns[index]
	s.mu.Unlock()
	require.NoError(t, conn.WriteJSON(env))
}

// drop closes the server side of a socket without a close frame.
func (s *gatewayStub) drop(t *testing.T, index int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.connCount() > index }, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	conn := s.conns[index]
	s.mu.Unlock()
	require.NoError(t, conn.Close())
}

func newTestClient(t *testing.T, stub *gatewayStub, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:             stub.url(),
		Tokens:          apiclient.StaticToken("token-1"),
		Store:           notifystore.New(),
		Bus:             events.NewBus(),
		MaxRetries:      3,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireNoEvent(t *testing.T, ch <-chan events.Event, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %#v", evt)
	case <-time.After(wait):
	}
}

type recordingSignals struct {
	mu     sync.Mutex
	events []string
	got    chan struct{}
}

func (r *recordingSignals) HandleSignal(event string, _ json.RawMessage) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func TestConnectIsIdempotentAndDispatchesOnce(t *testing.T) {
	stub := newGatewayStub(t, nil)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, "p-1", protocol.RolePatient))
	require.NoError(t, client.Connect(ctx, "p-1", protocol.RolePatient))
	require.True(t, client.Connected())
	require.Eventually(t, func() bool { return stub.connCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	query := stub.query(0)
	require.Equal(t, "token-1", query.Get("token"))
	require.Equal(t, "p-1", query.Get("userId"))
	require.Equal(t, "patient", query.Get("userType"))

	stub.send(t, 0, protocol.EventNewNotification, protocol.Notification{ID: 5, Title: "Booked"})

	evt := nextEvent(t, ch)
	received, ok := evt.(events.NotificationReceived)
	require.True(t, ok)
	require.Equal(t, uint(5), received.Notification.ID)
	requireNoEvent(t, ch, 100*time.Millisecond)
	require.Equal(t, 1, stub.connCount())

	require.Equal(t, int64(1), client.Store().UnreadCount())
	require.Equal(t, uint(5), client.Store().Notifications()[0].ID)
}

func TestReconnectAfterDisconnectDoesNotDuplicateHandlers(t *testing.T) {
	stub := newGatewayStub(t, nil)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, "p-1", protocol.RolePatient))
	client.Disconnect()
	client.Disconnect()
	require.False(t, client.Connected())

	require.NoError(t, client.Connect(ctx, "p-1", protocol.RolePatient))
	require.Eventually(t, func() bool { return stub.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	stub.send(t, 1, protocol.EventVideoCallEnded, protocol.CallLifecycle{RoomID: "R1", Reason: "hangup"})
	evt := nextEvent(t, ch)
	ended, ok := evt.(events.CallEnded)
	require.True(t, ok)
	require.Equal(t, "hangup", ended.Call.Reason)
	requireNoEvent(t, ch, 100*time.Millisecond)
}

func TestIncomingCallRequiresIdentifiers(t *testing.T) {
	stub := newGatewayStub(t, nil)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	require.NoError(t, client.Connect(context.Background(), "p-1", protocol.RolePatient))

	stub.send(t, 0, protocol.EventIncomingVideoCall, protocol.IncomingCall{RoomID: "R1"})
	evt := nextEvent(t, ch)
	signalErr, ok := evt.(events.SignalingError)
	require.True(t, ok)
	require.ErrorIs(t, signalErr.Err, notifystore.ErrMissingCallIdentifiers)
	require.Equal(t, 0, client.Store().PendingIncomingCalls())

	stub.send(t, 0, protocol.EventIncomingVideoCall, protocol.IncomingCall{AppointmentID: "A1"})
	_, ok = nextEvent(t, ch).(events.SignalingError)
	require.True(t, ok)
	require.Equal(t, 0, client.Store().PendingIncomingCalls())

	stub.send(t, 0, protocol.EventIncomingVideoCall, protocol.IncomingCall{RoomID: "R1", AppointmentID: "A1", InitiatorName: "Dr. Smith"})
	incoming, ok := nextEvent(t, ch).(events.IncomingCall)
	require.True(t, ok)
	require.Equal(t, "Dr. Smith", incoming.Call.InitiatorName)
	require.True(t, client.Store().CanJoin("A1"))

	stub.send(t, 0, protocol.EventCallDeclined, protocol.CallLifecycle{RoomID: "R1"})
	_, ok = nextEvent(t, ch).(events.CallDeclined)
	require.True(t, ok)
	require.False(t, client.Store().CanJoin("A1"))
}

func TestAuthErrorExpiresSessionOnce(t *testing.T) {
	stub := newGatewayStub(t, func(conn *websocket.Conn) {
		env, _ := protocol.NewEnvelope(protocol.EventAuthError, protocol.ErrorPayload{Message: protocol.InvalidTokenMessage})
		_ = conn.WriteJSON(env)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthFailed, protocol.InvalidTokenMessage),
			time.Now().Add(time.Second))
	})
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	require.NoError(t, client.Connect(context.Background(), "p-1", protocol.RolePatient))

	expired, ok := nextEvent(t, ch).(events.SessionExpired)
	require.True(t, ok)
	require.Equal(t, protocol.InvalidTokenMessage, expired.Reason)

	requireNoEvent(t, ch, 200*time.Millisecond)
	require.Equal(t, int32(1), stub.attempts.Load())
	require.False(t, client.Connected())
}

func TestUnauthorizedHandshakeIsNotRetried(t *testing.T) {
	stub := newGatewayStub(t, nil)
	stub.reject.Store(http.StatusUnauthorized)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	err := client.Connect(context.Background(), "p-1", protocol.RolePatient)
	require.ErrorIs(t, err, ErrAuthRejected)

	_, ok := nextEvent(t, ch).(events.SessionExpired)
	require.True(t, ok)
	requireNoEvent(t, ch, 100*time.Millisecond)
	require.Equal(t, int32(1), stub.attempts.Load())
}

func TestTransientFailuresStopAfterMaxRetries(t *testing.T) {
	stub := newGatewayStub(t, nil)
	stub.reject.Store(http.StatusServiceUnavailable)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	err := client.Connect(context.Background(), "p-1", protocol.RolePatient)
	require.Error(t, err)

	unavailable, ok := nextEvent(t, ch).(events.RealtimeUnavailable)
	require.True(t, ok)
	require.Equal(t, 3, unavailable.Attempts)
	require.Equal(t, int32(3), stub.attempts.Load())
	require.False(t, client.Connected())
}

func TestDroppedSocketReconnectsThenReportsUnavailable(t *testing.T) {
	stub := newGatewayStub(t, nil)
	client := newTestClient(t, stub, nil)
	ch, stop := client.Bus().Subscribe(8)
	defer stop()

	require.NoError(t, client.Connect(context.Background(), "d-1", protocol.RoleDoctor))

	stub.drop(t, 0)
	require.Eventually(t, func() bool {
		return stub.connCount() == 2 && client.Connected()
	}, 2*time.Second, 5*time.Millisecond)

	stub.send(t, 1, protocol.EventNewNotification, protocol.Notification{ID: 9, Title: "Cancelled"})
	received, ok := nextEvent(t, ch).(events.NotificationReceived)
	require.True(t, ok)
	require.Equal(t, uint(9), received.Notification.ID)

	before := stub.attempts.Load()
	stub.reject.Store(http.StatusServiceUnavailable)
	stub.drop(t, 1)

	unavailable, ok := nextEvent(t, ch).(events.RealtimeUnavailable)
	require.True(t, ok)
	require.Equal(t, 3, unavailable.Attempts)
	requireNoEvent(t, ch, 100*time.Millisecond)
	require.Equal(t, before+3, stub.attempts.Load())
	require.False(t, client.Connected())
}

func TestFailedConnectCanBeRetriedImmediately(t *testing.T) {
	stub := newGatewayStub(t, nil)
	stub.reject.Store(http.StatusServiceUnavailable)
	client := newTestClient(t, stub, func(opts *Options) {
		opts.MaxRetries = 1
	})

	for i := 0; i < 20; i++ {
		require.Error(t, client.Connect(context.Background(), "p-1", protocol.RolePatient))
		require.False(t, client.Connected())
	}
	require.Equal(t, int32(20), stub.attempts.Load())
}

func TestSignalsAreRelayedAndEmitted(t *testing.T) {
	stub := newGatewayStub(t, nil)
	client := newTestClient(t, stub, nil)
	signals := &recordingSignals{got: make(chan struct{}, 4)}
	client.SetSignalHandler(signals)

	require.ErrorIs(t, client.Emit(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "R1"}), ErrNotConnected)
	require.NoError(t, client.Connect(context.Background(), "d-1", protocol.RoleDoctor))

	stub.send(t, 0, protocol.EventParticipantJoined, protocol.ParticipantEvent{RoomID: "R1"})
	select {
	case <-signals.got:
	case <-time.After(2 * time.Second):
		t.Fatal("signal not relayed")
	}
	signals.mu.Lock()
	require.Equal(t, []string{protocol.EventParticipantJoined}, signals.events)
	signals.mu.Unlock()

	require.NoError(t, client.Emit(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "R1", UserName: "Dr. Smith"}))
	select {
	case env := <-stub.received:
		require.Equal(t, protocol.EventJoinRoom, env.Event)
		var join protocol.JoinRoom
		require.NoError(t, env.Decode(&join))
		require.Equal(t, "R1", join.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("emit not received")
	}
}

type countingAPI struct {
	calls atomic.Int32
}

func (a *countingAPI) UnreadCount(context.Context) (int64, error) {
	a.calls.Add(1)
	return 7, nil
}

func TestUnreadCountPollFallback(t *testing.T) {
	stub := newGatewayStub(t, nil)
	api := &countingAPI{}
	client := newTestClient(t, stub, func(opts *Options) {
		opts.API = api
		opts.PollInterval = 10 * time.Millisecond
	})

	require.NoError(t, client.Connect(context.Background(), "p-1", protocol.RolePatient))
	require.Eventually(t, func() bool {
		return client.Store().UnreadCount() == 7
	}, 2*time.Second, 10*time.Millisecond)

	client.Disconnect()
	calls := api.calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, calls, api.calls.Load())
}
