package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/middleware"
	"github.com/noah-isme/telecare-go-api/internal/observability"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

const (
	realtimeSendBufferSize = 64
	realtimeRoomTTL        = 24 * time.Hour
	realtimeAdmissionTTL   = 2 * time.Hour
	realtimeLeaveTimeout   = 5 * time.Second
)

const (
	scopeUser   = "user"
	scopeSocket = "socket"
	scopeRoom   = "room"
)

// RealtimeConn is the subset of a websocket connection used by the gateway.
type RealtimeConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// RealtimeConnectionOptions wraps metadata extracted during the HTTP upgrade.
type RealtimeConnectionOptions struct {
	UserID        string
	Role          string
	Name          string
	CorrelationID string
	Context       context.Context
}

// CallActions receives call lifecycle events emitted over the socket.
type CallActions interface {
	Accept(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error)
	Decline(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error)
	End(ctx context.Context, actor dto.CallActor, roomID, reason string) (dto.CallResponse, error)
}

// Pusher delivers server events to every live socket of a user.
type Pusher interface {
	PushToUser(ctx context.Context, userID, event string, payload interface{}) error
}

// Admissions records which users passed the REST join check for a room.
type Admissions interface {
	Admit(ctx context.Context, roomID, userID string) error
	Revoke(ctx context.Context, roomID string) error
}

// RealtimeService is the websocket gateway: it pushes notifications and call
// events to users and relays WebRTC signaling between members of a call room.
type RealtimeService interface {
	Pusher
	Admissions
	ServeConnection(conn RealtimeConn, opts RealtimeConnectionOptions)
	RejectConnection(conn RealtimeConn, message string)
	RoomParticipants(ctx context.Context, roomID string) []protocol.Participant
	AttachCalls(calls CallActions)
	Start(ctx context.Context)
}

// RealtimeOptions configures the realtime gateway.
type RealtimeOptions struct {
	Redis        *redis.Client
	NATS         *nats.Conn
	ChannelBase  string
	PingInterval time.Duration
}

type realtimeService struct {
	redis        *redis.Client
	redisChannel string
	keyPrefix    string
	nats         *nats.Conn
	natsSubject  string
	pingInterval time.Duration
	validator    *envelopeValidator
	logger       zerolog.Logger
	tracer       trace.Tracer
	hub          *realtimeHub
	nodeID       string

	callsMu sync.RWMutex
	calls   CallActions
}

type realtimeEvent struct {
	Source   string            `json:"source"`
	Scope    string            `json:"scope"`
	Target   string            `json:"target"`
	Exclude  string            `json:"exclude,omitempty"`
	Envelope protocol.Envelope `json:"envelope"`
	SentAt   time.Time         `json:"sent_at"`
}

// NewRealtimeService creates the websocket gateway.
func NewRealtimeService(opts RealtimeOptions, logger zerolog.Logger) (RealtimeService, error) {
	validator, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}

	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	channel := ""
	subject := ""
	prefix := strings.TrimSpace(opts.ChannelBase)
	if prefix != "" {
		channel = prefix + ":realtime"
		subject = strings.ReplaceAll(prefix, ":", ".") + ".realtime"
	} else {
		prefix = "telecare"
	}

	return &realtimeService{
		redis:        opts.Redis,
		redisChannel: channel,
		keyPrefix:    prefix,
		nats:         opts.NATS,
		natsSubject:  subject,
		pingInterval: pingInterval,
		validator:    validator,
		logger:       logger.With().Str("component", "realtime_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/telecare-go-api/internal/service/realtime"),
		hub:          newRealtimeHub(logger),
		nodeID:       uuid.NewString(),
	}, nil
}

func (s *realtimeService) AttachCalls(calls CallActions) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.calls = calls
}

func (s *realtimeService) callActions() CallActions {
	s.callsMu.RLock()
	defer s.callsMu.RUnlock()
	return s.calls
}

// Start subscribes to cross-node fan-out. NATS is preferred when both brokers
// are configured so that every event is delivered once.
func (s *realtimeService) Start(ctx context.Context) {
	switch {
	case s.nats != nil && s.natsSubject != "":
		s.consumeNATS(ctx)
	case s.redis != nil && s.redisChannel != "":
		go s.consumeRedis(ctx)
	}
}

func (s *realtimeService) ServeConnection(conn RealtimeConn, opts RealtimeConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = middleware.CorrelationIDFromContext(baseCtx)
	}

	client := &realtimeClient{
		socketID: uuid.NewString(),
		conn:     conn,
		send:     make(chan protocol.Envelope, realtimeSendBufferSize),
		options:  opts,
		service:  s,
		closed:   make(chan struct{}),
		rooms:    make(map[string]protocol.Participant),
	}

	s.hub.register(client)
	observability.RealtimeConnectionsTotal().Inc()
	observability.RealtimeConnectionsActive().Inc()
	defer observability.RealtimeConnectionsActive().Dec()

	go client.writer()
	client.reader(baseCtx)
}

func (s *realtimeService) RejectConnection(conn RealtimeConn, message string) {
	if message == "" {
		message = protocol.InvalidTokenMessage
	}
	observability.RealtimeAuthFailures().Inc()

	if envelope, err := protocol.NewEnvelope(protocol.EventAuthError, protocol.ErrorPayload{Message: message}); err == nil {
		_ = conn.WriteJSON(envelope)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(protocol.CloseAuthFailed, message))
	_ = conn.Close()
}

func (s *realtimeService) PushToUser(ctx context.Context, userID, event string, payload interface{}) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}

	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	return s.deliver(ctx, scopeUser, userID, "", envelope)
}

func (s *realtimeService) Admit(ctx context.Context, roomID, userID string) error {
	s.hub.admit(roomID, userID, time.Now().Add(realtimeAdmissionTTL))

	if s.redis == nil {
		return nil
	}

	key := s.admissionKey(roomID)
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, realtimeAdmissionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store admission: %w", err)
	}
	return nil
}

func (s *realtimeService) Revoke(ctx context.Context, roomID string) error {
	s.hub.revoke(roomID)

	if s.redis == nil {
		return nil
	}
	return s.redis.Del(ctx, s.admissionKey(roomID)).Err()
}

func (s *realtimeService) isAdmitted(ctx context.Context, roomID, userID string) bool {
	if s.hub.isAdmitted(roomID, userID, time.Now()) {
		return true
	}
	if s.redis == nil {
		return false
	}

	ok, err := s.redis.SIsMember(ctx, s.admissionKey(roomID), userID).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room admission")
		return false
	}
	return ok
}

func (s *realtimeService) RoomParticipants(ctx context.Context, roomID string) []protocol.Participant {
	var participants []protocol.Participant

	if s.redis != nil {
		values, err := s.redis.HGetAll(ctx, s.participantsKey(roomID)).Result()
		if err == nil {
			participants = make([]protocol.Participant, 0, len(values))
			for _, raw := range values {
				var participant protocol.Participant
				if err := json.Unmarshal([]byte(raw), &participant); err != nil {
					s.logger.Warn().Err(err).Str("room_id", roomID).Msg("invalid participant record")
					continue
				}
				participants = append(participants, participant)
			}
		} else {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room participants")
		}
	}

	if participants == nil {
		participants = s.hub.localParticipants(roomID)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].SocketID < participants[j].SocketID
	})
	return participants
}

func (s *realtimeService) route(ctx context.Context, client *realtimeClient, envelope protocol.Envelope) error {
	observability.SignalingMessages().WithLabelValues(envelope.Event).Inc()

	switch envelope.Event {
	case protocol.EventJoinRoom:
		return s.joinRoom(ctx, client, envelope)
	case protocol.EventLeaveRoom:
		var ref protocol.RoomRef
		if err := envelope.Decode(&ref); err != nil {
			return err
		}
		s.leaveRoom(ctx, client, ref.RoomID)
		return nil
	case protocol.EventOffer, protocol.EventAnswer:
		return s.relayDescription(ctx, client, envelope)
	case protocol.EventICECandidate:
		return s.relayCandidate(ctx, client, envelope)
	case protocol.EventToggleAudio:
		return s.toggle(ctx, client, envelope, protocol.EventParticipantAudio, func(p *protocol.Participant, enabled bool) {
			p.AudioMuted = !enabled
		})
	case protocol.EventToggleVideo:
		return s.toggle(ctx, client, envelope, protocol.EventParticipantVideo, func(p *protocol.Participant, enabled bool) {
			p.VideoOff = !enabled
		})
	case protocol.EventStartScreenShare:
		return s.screenShare(ctx, client, envelope, true)
	case protocol.EventStopScreenShare:
		return s.screenShare(ctx, client, envelope, false)
	case protocol.EventCallAccepted, protocol.EventCallDeclined, protocol.EventCallEnded:
		return s.callLifecycle(ctx, client, envelope)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event)
	}
}

func (s *realtimeService) joinRoom(ctx context.Context, client *realtimeClient, envelope protocol.Envelope) error {
	var request protocol.JoinRoom
	if err := envelope.Decode(&request); err != nil {
		return err
	}

	roomID := strings.TrimSpace(request.RoomID)
	if !s.isAdmitted(ctx, roomID, client.options.UserID) {
		return ErrNotAdmitted
	}

	name := strings.TrimSpace(request.UserName)
	if name == "" {
		name = client.options.Name
	}

	participant := protocol.Participant{
		UserID:   client.options.UserID,
		Name:     name,
		SocketID: client.socketID,
		Role:     protocol.Role(strings.ToLower(client.options.Role)),
	}

	existing := make([]protocol.Participant, 0)
	for _, member := range s.RoomParticipants(ctx, roomID) {
		if member.SocketID != client.socketID {
			existing = append(existing, member)
		}
	}

	if s.hub.joinRoom(roomID, client) {
		observability.CallRoomsActive().Inc()
	}
	client.setParticipant(roomID, participant)
	s.storeParticipant(ctx, roomID, participant)

	client.enqueue(protocol.EventRoomJoined, protocol.RoomJoined{
		RoomID:       roomID,
		SocketID:     client.socketID,
		Participants: existing,
	})

	s.logger.Info().
		Str("room_id", roomID).
		Str("user_id", participant.UserID).
		Str("socket_id", participant.SocketID).
		Int("existing", len(existing)).
		Msg("participant joined room")

	return s.broadcastRoom(ctx, roomID, client.socketID, protocol.EventParticipantJoined, protocol.ParticipantEvent{
		RoomID:      roomID,
		Participant: participant,
	})
}

func (s *realtimeService) leaveRoom(ctx context.Context, client *realtimeClient, roomID string) {
	participant, ok := client.removeParticipant(roomID)
	if !ok {
		return
	}

	if s.hub.leaveRoom(roomID, client) {
		observability.CallRoomsActive().Dec()
	}

	if s.redis != nil {
		if err := s.redis.HDel(ctx, s.participantsKey(roomID), client.socketID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to remove participant record")
		}
	}

	s.logger.Info().Str("room_id", roomID).Str("socket_id", client.socketID).Msg("participant left room")

	if err := s.broadcastRoom(ctx, roomID, client.socketID, protocol.EventParticipantLeft, protocol.ParticipantEvent{
		RoomID:      roomID,
		Participant: participant,
	}); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to announce participant departure")
	}
}

func (s *realtimeService) relayDescription(ctx context.Context, client *realtimeClient, envelope protocol.Envelope) error {
	var message protocol.Description
	if err := envelope.Decode(&message); err != nil {
		return err
	}

	sender, err := s.checkRelay(ctx, client, message.RoomID, message.To)
	if err != nil {
		return err
	}

	message.From = client.socketID
	message.Sender = &sender

	return s.relay(ctx, envelope.Event, message.RoomID, message.To, message)
}

func (s *realtimeService) relayCandidate(ctx context.Context, client *realtimeClient, envelope protocol.Envelope) error {
	var message protocol.Candidate
	if err := envelope.Decode(&message); err != nil {
		return err
	}

	if _, err := s.checkRelay(ctx, client, message.RoomID, message.To); err != nil {
		return err
	}

	message.From = client.socketID
	return s.relay(ctx, envelope.Event, message.RoomID, message.To, message)
}

func (s *realtimeService) checkRelay(ctx context.Context, client *realtimeClient, roomID, target string) (protocol.Participant, error) {
	sender, ok := client.participant(roomID)
	if !ok {
		return protocol.Participant{}, ErrNotInRoom
	}
	if !s.inRoom(ctx, roomID, target) {
		return protocol.Participant{}, ErrTargetNotInRoom
	}
	return sender, nil
}

func (s *realtimeService) relay(ctx context.Context, event, roomID, target string, payload interface{}) error {
	spanCtx, span := s.tracer.Start(ctx, "realtime.relay", trace.WithAttributes(
		attribute.String("realtime.event", event),
		attribute.String("realtime.room_id", roomID),
	))
	defer span.End()

	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.deliver(spanCtx, scopeSocket, target, "", envelope); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *realtimeService) inRoom(ctx context.Context, roomID, socketID string) bool {
	if s.hub.socketInRoom(roomID, socketID) {
		return true
	}
	if s.redis == nil {
		return false
	}

	ok, err := s.redis.HExists(ctx, s.participantsKey(roomID), socketID).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to check room membership")
		return false
	}
	return ok
}

func (s *realtimeService) toggle(ctx context.Context, client *realtimeClient, envelope protocol.Envelope, event string, apply func(*protocol.Participant, bool)) error {
	var toggle protocol.Toggle
	if err := envelope.Decode(&toggle); err != nil {
		return err
	}

	participant, ok := client.updateParticipant(toggle.RoomID, func(p *protocol.Participant) {
		apply(p, toggle.Enabled)
	})
	if !ok {
		return ErrNotInRoom
	}

	s.storeParticipant(ctx, toggle.RoomID, participant)
	return s.broadcastRoom(ctx, toggle.RoomID, client.socketID, event, protocol.ParticipantEvent{
		RoomID:      toggle.RoomID,
		Participant: participant,
	})
}

func (s *realtimeService) screenShare(ctx context.Context, client *realtimeClient, envelope protocol.Envelope, sharing bool) error {
	var ref protocol.RoomRef
	if err := envelope.Decode(&ref); err != nil {
		return err
	}

	participant, ok := client.updateParticipant(ref.RoomID, func(p *protocol.Participant) {
		p.ScreenSharing = sharing
	})
	if !ok {
		return ErrNotInRoom
	}

	event := protocol.EventParticipantShareStop
	if sharing {
		event = protocol.EventParticipantShareStart
	}

	s.storeParticipant(ctx, ref.RoomID, participant)
	return s.broadcastRoom(ctx, ref.RoomID, client.socketID, event, protocol.ParticipantEvent{
		RoomID:      ref.RoomID,
		Participant: participant,
	})
}

func (s *realtimeService) callLifecycle(ctx context.Context, client *realtimeClient, envelope protocol.Envelope) error {
	var message protocol.CallLifecycle
	if err := envelope.Decode(&message); err != nil {
		return err
	}

	calls := s.callActions()
	if calls == nil {
		return errors.New("call lifecycle unavailable")
	}

	actor := dto.CallActor{
		UserID: client.options.UserID,
		Name:   client.options.Name,
		Role:   client.options.Role,
	}

	var err error
	switch envelope.Event {
	case protocol.EventCallAccepted:
		_, err = calls.Accept(ctx, actor, message.RoomID)
	case protocol.EventCallDeclined:
		_, err = calls.Decline(ctx, actor, message.RoomID)
	case protocol.EventCallEnded:
		_, err = calls.End(ctx, actor, message.RoomID, message.Reason)
	}
	return err
}

func (s *realtimeService) broadcastRoom(ctx context.Context, roomID, exclude, event string, payload interface{}) error {
	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.deliver(ctx, scopeRoom, roomID, exclude, envelope)
}

func (s *realtimeService) storeParticipant(ctx context.Context, roomID string, participant protocol.Participant) {
	if s.redis == nil {
		return
	}

	payload, err := json.Marshal(participant)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal participant")
		return
	}

	key := s.participantsKey(roomID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, participant.SocketID, payload)
	pipe.Expire(ctx, key, realtimeRoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to store participant record")
	}
}

// deliver hands the envelope to local sockets and forwards it to other nodes.
// A socket-scoped envelope that was delivered locally is not forwarded.
func (s *realtimeService) deliver(ctx context.Context, scope, target, exclude string, envelope protocol.Envelope) error {
	delivered := s.hub.deliverLocal(scope, target, exclude, envelope)
	if scope == scopeSocket && delivered {
		return nil
	}

	return s.publish(ctx, realtimeEvent{
		Source:   s.nodeID,
		Scope:    scope,
		Target:   target,
		Exclude:  exclude,
		Envelope: envelope,
		SentAt:   time.Now().UTC(),
	})
}

func (s *realtimeService) publish(ctx context.Context, event realtimeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	switch {
	case s.nats != nil && s.natsSubject != "":
		return s.nats.Publish(s.natsSubject, payload)
	case s.redis != nil && s.redisChannel != "":
		return s.redis.Publish(ctx, s.redisChannel, payload).Err()
	}
	return nil
}

func (s *realtimeService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *realtimeService) consumeNATS(ctx context.Context) {
	// Every node must see every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats realtime subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (s *realtimeService) handleEvent(payload []byte) {
	var event realtimeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid realtime event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.hub.deliverLocal(event.Scope, event.Target, event.Exclude, event.Envelope)
}

func (s *realtimeService) participantsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:participants", s.keyPrefix, roomID)
}

func (s *realtimeService) admissionKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:admitted", s.keyPrefix, roomID)
}
