package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/internal/observability"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// realtimeHub keeps track of local sockets, the rooms they joined and room admissions.
type realtimeHub struct {
	mu       sync.RWMutex
	users    map[string]map[*realtimeClient]struct{}
	sockets  map[string]*realtimeClient
	rooms    map[string]map[string]*realtimeClient
	admitted map[string]map[string]time.Time
	log      zerolog.Logger
}

type realtimeClient struct {
	socketID string
	conn     RealtimeConn
	send     chan protocol.Envelope
	options  RealtimeConnectionOptions
	service  *realtimeService
	closed   chan struct{}
	once     sync.Once

	mu    sync.Mutex
	rooms map[string]protocol.Participant
}

func newRealtimeHub(logger zerolog.Logger) *realtimeHub {
	return &realtimeHub{
		users:    make(map[string]map[*realtimeClient]struct{}),
		sockets:  make(map[string]*realtimeClient),
		rooms:    make(map[string]map[string]*realtimeClient),
		admitted: make(map[string]map[string]time.Time),
		log:      logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *realtimeHub) register(client *realtimeClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.options.UserID
	if _, exists := h.users[userID]; !exists {
		h.users[userID] = make(map[*realtimeClient]struct{})
	}
	h.users[userID][client] = struct{}{}
	h.sockets[client.socketID] = client
	h.log.Debug().Str("user_id", userID).Str("socket_id", client.socketID).Msg("realtime client connected")
}

func (h *realtimeHub) unregister(client *realtimeClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.options.UserID
	if clients, ok := h.users[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, userID)
		}
	}
	delete(h.sockets, client.socketID)
	h.log.Debug().Str("user_id", userID).Str("socket_id", client.socketID).Msg("realtime client disconnected")
}

// joinRoom adds the client to the room and reports whether the room was created.
func (h *realtimeHub) joinRoom(roomID string, client *realtimeClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, exists := h.rooms[roomID]
	if !exists {
		members = make(map[string]*realtimeClient)
		h.rooms[roomID] = members
	}
	members[client.socketID] = client
	return !exists
}

// leaveRoom removes the client from the room and reports whether the room became empty.
func (h *realtimeHub) leaveRoom(roomID string, client *realtimeClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	delete(members, client.socketID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return true
	}
	return false
}

func (h *realtimeHub) socketInRoom(roomID, socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.rooms[roomID][socketID]
	return ok
}

func (h *realtimeHub) localParticipants(roomID string) []protocol.Participant {
	h.mu.RLock()
	members := make([]*realtimeClient, 0, len(h.rooms[roomID]))
	for _, client := range h.rooms[roomID] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	participants := make([]protocol.Participant, 0, len(members))
	for _, client := range members {
		if participant, ok := client.participant(roomID); ok {
			participants = append(participants, participant)
		}
	}
	return participants
}

func (h *realtimeHub) admit(roomID, userID string, until time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.admitted[roomID]; !ok {
		h.admitted[roomID] = make(map[string]time.Time)
	}
	h.admitted[roomID][userID] = until
}

func (h *realtimeHub) revoke(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.admitted, roomID)
}

func (h *realtimeHub) isAdmitted(roomID, userID string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	until, ok := h.admitted[roomID][userID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(h.admitted[roomID], userID)
		if len(h.admitted[roomID]) == 0 {
			delete(h.admitted, roomID)
		}
		return false
	}
	return true
}

func (h *realtimeHub) deliverLocal(scope, target, exclude string, envelope protocol.Envelope) bool {
	h.mu.RLock()
	var recipients []*realtimeClient
	switch scope {
	case scopeUser:
		for client := range h.users[target] {
			recipients = append(recipients, client)
		}
	case scopeSocket:
		if client, ok := h.sockets[target]; ok {
			recipients = append(recipients, client)
		}
	case scopeRoom:
		for socketID, client := range h.rooms[target] {
			if socketID != exclude {
				recipients = append(recipients, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		client.push(envelope)
	}
	return len(recipients) > 0
}

func (c *realtimeClient) participant(roomID string) (protocol.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	participant, ok := c.rooms[roomID]
	return participant, ok
}

func (c *realtimeClient) setParticipant(roomID string, participant protocol.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = participant
}

func (c *realtimeClient) updateParticipant(roomID string, mutate func(*protocol.Participant)) (protocol.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant, ok := c.rooms[roomID]
	if !ok {
		return protocol.Participant{}, false
	}
	mutate(&participant)
	c.rooms[roomID] = participant
	return participant, true
}

func (c *realtimeClient) removeParticipant(roomID string) (protocol.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
	}
	return participant, ok
}

func (c *realtimeClient) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (c *realtimeClient) enqueue(event string, payload interface{}) {
	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		c.service.logger.Warn().Err(err).Str("event", event).Msg("failed to encode realtime event")
		return
	}
	c.push(envelope)
}

func (c *realtimeClient) push(envelope protocol.Envelope) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- envelope:
	default:
		observability.RealtimeDropped().WithLabelValues("slow_consumer").Inc()
		c.service.logger.Warn().
			Str("socket_id", c.socketID).
			Str("event", envelope.Event).
			Msg("dropping realtime event for slow client")
	}
}

func (c *realtimeClient) reader(ctx context.Context) {
	defer c.close()

	readTimeout := 2 * c.service.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	logger := c.service.logger.With().
		Str("socket_id", c.socketID).
		Str("user_id", c.options.UserID).
		Str("correlation_id", c.options.CorrelationID).
		Logger()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("realtime read loop ended")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		envelope, err := c.service.validator.Validate(raw)
		if err == nil {
			err = c.service.route(ctx, c, envelope)
		}
		if err != nil {
			logger.Warn().Err(err).Str("event", envelope.Event).Msg("failed to handle realtime event")
			c.enqueue(protocol.EventError, protocol.ErrorPayload{Message: errorMessage(err), Event: envelope.Event})
		}
	}
}

func (c *realtimeClient) writer() {
	defer c.close()

	ticker := time.NewTicker(c.service.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-c.send:
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.service.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.service.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *realtimeClient) close() {
	c.once.Do(func() {
		close(c.closed)

		ctx, cancel := context.WithTimeout(context.Background(), realtimeLeaveTimeout)
		defer cancel()
		for _, roomID := range c.joinedRooms() {
			c.service.leaveRoom(ctx, c, roomID)
		}

		c.service.hub.unregister(c)
		_ = c.conn.Close()
	})
}

func errorMessage(err error) string {
	for _, known := range []error{ErrNotAdmitted, ErrNotInRoom, ErrTargetNotInRoom, ErrUnknownEvent, ErrCallNotFound, ErrCallNotParticipant, ErrCallClosed} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}
