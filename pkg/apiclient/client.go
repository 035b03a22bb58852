// Package apiclient talks to the role scoped REST API. One Client serves either
// a doctor or a patient session; the role selects the path prefix.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// ErrInvalidRole is returned by New for roles without an API prefix.
var ErrInvalidRole = errors.New("role must be doctor or patient")

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// TokenSource supplies the current access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client is a role parameterised REST client.
type Client struct {
	baseURL *url.URL
	role    protocol.Role
	tokens  TokenSource
	http    *http.Client
	logger  zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "apiclient").Logger()
	}
}

// New creates a client for baseURL, e.g. "https://api.example.com".
func New(baseURL string, role protocol.Role, tokens TokenSource, opts ...Option) (*Client, error) {
	if role != protocol.RoleDoctor && role != protocol.RolePatient {
		return nil, ErrInvalidRole
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	client := &Client{
		baseURL: parsed,
		role:    role,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Role returns the role this client is scoped to.
func (c *Client) Role() protocol.Role {
	return c.role
}

// BaseURL returns a copy of the configured base URL.
func (c *Client) BaseURL() url.URL {
	return *c.baseURL
}

// Token returns the current access token.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// ListQuery filters a notification listing.
type ListQuery struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// NotificationPage is one page of notifications plus the unread total.
type NotificationPage struct {
	Items       []protocol.Notification
	UnreadCount int64
}

// Call mirrors the call resource returned by the API.
type Call struct {
	RoomID        string     `json:"roomId"`
	AppointmentID string     `json:"appointmentId"`
	InitiatorID   string     `json:"initiatorId"`
	InitiatorName string     `json:"initiatorName"`
	InitiatorRole string     `json:"initiatorRole"`
	RecipientID   string     `json:"recipientId"`
	Date          string     `json:"date,omitempty"`
	Time          string     `json:"time,omitempty"`
	CallType      string     `json:"callType"`
	Status        string     `json:"status"`
	EndReason     string     `json:"endReason,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// InitiateCall opens a call for an appointment.
type InitiateCall struct {
	AppointmentID string `json:"appointmentId"`
	RecipientID   string `json:"recipientId"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	CallType      string `json:"callType,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Message string          `json:"message"`
}

// ListNotifications fetches one page of the user's notifications.
func (c *Client) ListNotifications(ctx context.Context, query ListQuery) (NotificationPage, error) {
	params := url.Values{}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Set("offset", strconv.Itoa(query.Offset))
	}
	if query.UnreadOnly {
		params.Set("unread_only", "true")
	}

	env, err := c.do(ctx, http.MethodGet, "/notifications", params, nil)
	if err != nil {
		return NotificationPage{}, err
	}

	var page NotificationPage
	if err := decodeData(env.Data, &page.Items); err != nil {
		return NotificationPage{}, err
	}
	var meta struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	if err := decodeData(env.Meta, &meta); err != nil {
		return NotificationPage{}, err
	}
	page.UnreadCount = meta.UnreadCount
	if page.Items == nil {
		page.Items = []protocol.Notification{}
	}
	return page, nil
}

// UnreadCount returns the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	env, err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	var body struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	if err := decodeData(env.Data, &body); err != nil {
		return 0, err
	}
	return body.UnreadCount, nil
}

// MarkNotificationRead marks one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id uint) (protocol.Notification, error) {
	env, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/notifications/%d/read", id), nil, nil)
	if err != nil {
		return protocol.Notification{}, err
	}
	var notification protocol.Notification
	if err := decodeData(env.Data, &notification); err != nil {
		return protocol.Notification{}, err
	}
	return notification, nil
}

// MarkAllRead marks every notification as read and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	env, err := c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
	if err != nil {
		return 0, err
	}
	var body struct {
		Updated int64 `json:"updated"`
	}
	if err := decodeData(env.Data, &body); err != nil {
		return 0, err
	}
	return body.Updated, nil
}

// CallConfig returns the STUN servers advertised by the API.
func (c *Client) CallConfig(ctx context.Context) ([]string, error) {
	env, err := c.do(ctx, http.MethodGet, "/calls/config", nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		STUNServers []string `json:"stunServers"`
	}
	if err := decodeData(env.Data, &body); err != nil {
		return nil, err
	}
	return body.STUNServers, nil
}

// InitiateCall opens a call room and rings the recipient.
func (c *Client) InitiateCall(ctx context.Context, req InitiateCall) (Call, error) {
	return c.callAction(ctx, "/calls", req)
}

// JoinCall confirms the caller may join roomID. It must succeed before the room is joined over the socket.
func (c *Client) JoinCall(ctx context.Context, roomID string) (Call, error) {
	return c.callAction(ctx, "/calls/"+url.PathEscape(roomID)+"/join", nil)
}

// AcceptCall accepts an incoming call.
func (c *Client) AcceptCall(ctx context.Context, roomID string) (Call, error) {
	return c.callAction(ctx, "/calls/"+url.PathEscape(roomID)+"/accept", nil)
}

// DeclineCall declines an incoming call.
func (c *Client) DeclineCall(ctx context.Context, roomID string) (Call, error) {
	return c.callAction(ctx, "/calls/"+url.PathEscape(roomID)+"/decline", nil)
}

// EndCall ends a call. An empty reason means hangup.
func (c *Client) EndCall(ctx context.Context, roomID, reason string) (Call, error) {
	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.callAction(ctx, "/calls/"+url.PathEscape(roomID)+"/end", body)
}

func (c *Client) callAction(ctx context.Context, path string, body interface{}) (Call, error) {
	env, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return Call{}, err
	}
	var call Call
	if err := decodeData(env.Data, &call); err != nil {
		return Call{}, err
	}
	return call, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}) (envelope, error) {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + "/api/v2/" + string(c.role) + path
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return envelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return envelope{}, fmt.Errorf("access token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return envelope{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := env.Message
		if decodeErr != nil || message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Str("message", message).Msg("api error")
		return envelope{}, &APIError{Status: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return envelope{}, fmt.Errorf("decode response: %w", decodeErr)
	}
	return env, nil
}

func decodeData(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
