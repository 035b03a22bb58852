// Package realtime is the client side of the notification socket. It keeps one
// live connection per session, feeds pushed notifications into the store,
// publishes typed events on the bus and relays video signaling to a handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/pkg/apiclient"
	"github.com/noah-isme/telecare-go-api/pkg/events"
	"github.com/noah-isme/telecare-go-api/pkg/notifystore"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

var (
	// ErrAuthRejected is returned when the server refuses the access token.
	ErrAuthRejected = errors.New("realtime authentication rejected")
	// ErrNotConnected is returned by Emit while no socket is open.
	ErrNotConnected = errors.New("realtime socket not connected")
)

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	writeTimeout           = 10 * time.Second
)

// SignalHandler receives video signaling frames, normally the call session.
type SignalHandler interface {
	HandleSignal(event string, data json.RawMessage)
}

// UnreadCounter is polled as a fallback while the socket is degraded.
type UnreadCounter interface {
	UnreadCount(ctx context.Context) (int64, error)
}

// Options configures a Client.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://host/api/v2/realtime/ws.
	URL    string
	Tokens apiclient.TokenSource
	Store  *notifystore.Store
	Bus    *events.Bus

	API          UnreadCounter
	PollInterval time.Duration

	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Client owns at most one socket at a time.
type Client struct {
	url    *url.URL
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	current *session
	signals SignalHandler
	poller  *poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poller) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

type session struct {
	userID string
	role   protocol.Role
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	expireOnce sync.Once
}

// New validates options and creates a disconnected client.
func New(opts Options) (*Client, error) {
	parsed, err := url.Parse(opts.URL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid realtime url %q", opts.URL)
	}
	if opts.Tokens == nil {
		return nil, errors.New("realtime client requires a token source")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Store == nil {
		opts.Store = notifystore.New()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaultMaxInterval
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Client{
		url:    parsed,
		opts:   opts,
		dialer: dialer,
		logger: opts.Logger.With().Str("component", "realtime_client").Logger(),
	}, nil
}

// Bus returns the event bus the client publishes to.
func (c *Client) Bus() *events.Bus {
	return c.opts.Bus
}

// Store returns the notification store the client writes to.
func (c *Client) Store() *notifystore.Store {
	return c.opts.Store
}

// SetSignalHandler registers the receiver for video:* frames. Passing nil removes it.
func (c *Client) SetSignalHandler(handler SignalHandler) {
	c.mu.Lock()
	c.signals = handler
	c.mu.Unlock()
}

// Connect opens the socket for the user. It is a no-op while a session is
// already open or reconnecting. It returns once the first handshake succeeded
// or failed; later drops are retried in the background.
func (c *Client) Connect(ctx context.Context, userID string, role protocol.Role) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID: userID,
		role:   role,
		ctx:    sessionCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = s
	if c.opts.API != nil && c.opts.PollInterval > 0 && c.poller == nil {
		pollCtx, pollCancel := context.WithCancel(context.Background())
		c.poller = &poller{cancel: pollCancel, done: make(chan struct{})}
		go c.poll(pollCtx, c.poller.done)
	}
	c.mu.Unlock()

	ready := make(chan error, 1)
	go c.run(s, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect closes the socket and stops background work. It is safe to call
// when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	poll := c.poller
	c.poller = nil
	c.mu.Unlock()

	poll.stop()
	if s == nil {
		return
	}

	s.cancel()
	s.closeConn(websocket.CloseNormalClosure, "")
	<-s.done
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Emit sends one frame to the server.
func (c *Client) Emit(event string, payload interface{}) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) run(s *session, ready chan<- error) {
	defer close(s.done)

	conn, err := c.dial(s)
	if err != nil {
		// Release the session before Connect returns so a retry dials again.
		c.fail(s, err)
		ready <- err
		return
	}
	ready <- nil

	for {
		if !s.setConn(conn) {
			return
		}
		err := c.readLoop(s, conn)
		s.closeConn(websocket.CloseNormalClosure, "")
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.fail(s, err)
			return
		}

		c.logger.Warn().Err(err).Str("user_id", s.userID).Msg("realtime socket dropped, reconnecting")
		conn, err = c.dial(s)
		if err != nil {
			c.fail(s, err)
			return
		}
	}
}

// fail ends the session after an auth rejection or exhausted retries.
func (c *Client) fail(s *session, err error) {
	if s.ctx.Err() != nil && !errors.Is(err, ErrAuthRejected) {
		return
	}

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	var poll *poller
	if errors.Is(err, ErrAuthRejected) {
		poll = c.poller
		c.poller = nil
	}
	c.mu.Unlock()

	s.cancel()
	poll.stop()

	if errors.Is(err, ErrAuthRejected) {
		s.expireOnce.Do(func() {
			c.logger.Warn().Str("user_id", s.userID).Msg("realtime session expired")
			c.opts.Bus.Publish(events.SessionExpired{Reason: protocol.InvalidTokenMessage})
		})
		return
	}

	c.logger.Error().Err(err).Str("user_id", s.userID).Uint("attempts", c.opts.MaxRetries).Msg("realtime notifications unavailable")
	c.opts.Bus.Publish(events.RealtimeUnavailable{Attempts: int(c.opts.MaxRetries), Err: err})
}

func (c *Client) dial(s *session) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialInterval
	policy.MaxInterval = c.opts.MaxInterval

	operation := func() (*websocket.Conn, error) {
		token, err := c.opts.Tokens.Token(s.ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("access token: %w", err))
		}

		target := *c.url
		query := target.Query()
		query.Set("token", token)
		query.Set("userId", s.userID)
		query.Set("userType", string(s.role))
		target.RawQuery = query.Encode()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		conn, resp, err := c.dialer.DialContext(s.ctx, target.String(), header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, backoff.Permanent(ErrAuthRejected)
			}
			if s.ctx.Err() != nil {
				return nil, backoff.Permanent(s.ctx.Err())
			}
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(s.ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.opts.MaxRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("realtime dial failed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(s *session, conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseAuthFailed) {
				return ErrAuthRejected
			}
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed realtime frame")
			continue
		}
		if env.Event == protocol.EventAuthError {
			return ErrAuthRejected
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	bus := c.opts.Bus
	store := c.opts.Store

	switch env.Event {
	case protocol.EventNewNotification:
		var notification protocol.Notification
		if err := env.Decode(&notification); err != nil {
			c.signalingError(env.Event, err)
			return
		}
		if store.Prepend(notification) {
			bus.Publish(events.NotificationReceived{Notification: notification})
		}

	case protocol.EventIncomingVideoCall:
		var call protocol.IncomingCall
		if err := env.Decode(&call); err != nil {
			c.signalingError(env.Event, err)
			return
		}
		if err := store.PutIncomingCall(call); err != nil {
			c.signalingError(env.Event, err)
			return
		}
		bus.Publish(events.IncomingCall{Call: call})

	case protocol.EventCallAccepted, protocol.EventCallDeclined, protocol.EventVideoCallEnded:
		var call protocol.CallLifecycle
		if err := env.Decode(&call); err != nil {
			c.signalingError(env.Event, err)
			return
		}
		switch env.Event {
		case protocol.EventCallAccepted:
			bus.Publish(events.CallAccepted{Call: call})
		case protocol.EventCallDeclined:
			store.RemoveIncomingCallByRoom(call.RoomID)
			bus.Publish(events.CallDeclined{Call: call})
		default:
			store.RemoveIncomingCallByRoom(call.RoomID)
			bus.Publish(events.CallEnded{Call: call})
		}

	case protocol.EventAppointmentBooked, protocol.EventAppointmentCancelled:
		var appointment protocol.AppointmentEvent
		if err := env.Decode(&appointment); err != nil {
			c.signalingError(env.Event, err)
			return
		}
		if env.Event == protocol.EventAppointmentBooked {
			bus.Publish(events.AppointmentBooked{Appointment: appointment})
		} else {
			bus.Publish(events.AppointmentCancelled{Appointment: appointment})
		}

	case protocol.EventError:
		var payload protocol.ErrorPayload
		_ = env.Decode(&payload)
		c.logger.Warn().Str("event", payload.Event).Str("message", payload.Message).Msg("realtime server error")
		c.signalingError(payload.Event, errors.New(payload.Message))

	default:
		c.mu.Lock()
		handler := c.signals
		c.mu.Unlock()
		if handler != nil {
			handler.HandleSignal(env.Event, env.Data)
			return
		}
		c.logger.Debug().Str("event", env.Event).Msg("no handler for realtime event")
	}
}

func (c *Client) signalingError(event string, err error) {
	c.logger.Warn().Err(err).Str("event", event).Msg("discarding realtime event")
	c.opts.Bus.Publish(events.SignalingError{Event: event, Err: err})
}

func (c *Client) poll(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.opts.Store.Evict(time.Now())
			count, err := c.opts.API.UnreadCount(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug().Err(err).Msg("unread count poll failed")
				}
				continue
			}
			c.opts.Store.SetUnreadCount(count)
		}
	}
}

// setConn publishes conn unless the session was cancelled meanwhile, in which
// case conn is closed.
func (s *session) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *session) closeConn(code int, text string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = conn.Close()
}
