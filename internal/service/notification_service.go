package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/models"
	"github.com/noah-isme/telecare-go-api/internal/observability"
	"github.com/noah-isme/telecare-go-api/internal/repository"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

const notificationBufferSize = 16

// NotificationService stores notifications and pushes them to the recipient's
// websocket sessions and SSE streams.
type NotificationService interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (protocol.Notification, error)
	List(ctx context.Context, userID string, query dto.NotificationListQuery) (dto.NotificationListResponse, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id uint, userID string) (protocol.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Subscribe(userID string) (<-chan protocol.Notification, func())
	Start(ctx context.Context)
}

// NotificationOptions configures cross-node fan-out for SSE subscribers.
type NotificationOptions struct {
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
}

type notificationService struct {
	repo         repository.NotificationRepository
	pusher       Pusher
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	sanitizer    *bluemonday.Policy
	broker       *notificationBroker
	nodeID       string
}

type notificationEvent struct {
	Source       string                `json:"source"`
	Notification protocol.Notification `json:"notification"`
	SentAt       time.Time             `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan protocol.Notification]struct{}
}

// NewNotificationService constructs a notification service. pusher may be nil
// when no websocket gateway runs in the process.
func NewNotificationService(repo repository.NotificationRepository, pusher Pusher, opts NotificationOptions, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	channel := ""
	subject := ""
	if opts.ChannelBase != "" {
		channel = opts.ChannelBase + ":notifications"
		subject = strings.ReplaceAll(opts.ChannelBase, ":", ".") + ".notifications"
	}
	if validate == nil {
		validate = validator.New()
	}

	return &notificationService{
		repo:         repo,
		pusher:       pusher,
		redis:        opts.Redis,
		redisChannel: channel,
		nats:         opts.NATS,
		natsSubject:  subject,
		validator:    validate,
		logger:       logger.With().Str("component", "notification_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/telecare-go-api/internal/service/notification"),
		sanitizer:    bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[string]map[chan protocol.Notification]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *notificationService) Start(ctx context.Context) {
	switch {
	case s.nats != nil && s.natsSubject != "":
		s.consumeNATS(ctx)
	case s.redis != nil && s.redisChannel != "":
		go s.consumeRedis(ctx)
	}
}

func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (protocol.Notification, error) {
	if err := s.validator.Struct(payload); err != nil {
		return protocol.Notification{}, fmt.Errorf("%w: %v", ErrNotificationInvalid, err)
	}

	cleanTitle := strings.TrimSpace(s.sanitizer.Sanitize(payload.Title))
	cleanMessage := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if cleanTitle == "" || cleanMessage == "" {
		return protocol.Notification{}, fmt.Errorf("%w: empty after sanitization", ErrNotificationInvalid)
	}

	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		UserID:  payload.UserID,
		Title:   cleanTitle,
		Message: cleanMessage,
		Type:    models.NotificationType(payload.Type),
	}
	if data := dto.NotificationDataToJSON(payload.Data); data != nil {
		model.Data = datatypes.JSONMap(data)
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return protocol.Notification{}, err
	}

	notification := dto.NewNotificationResponse(model)
	s.broadcast(notification)
	if err := s.publish(spanCtx, notification); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notification to broker")
	}
	s.push(spanCtx, notification)

	observability.NotificationsPublishedTotal().WithLabelValues(notification.Type).Inc()

	return notification, nil
}

// push delivers the notification to live sockets. Appointment notifications
// also raise their dedicated event so that clients can refresh schedules.
func (s *notificationService) push(ctx context.Context, notification protocol.Notification) {
	if s.pusher == nil {
		return
	}

	if err := s.pusher.PushToUser(ctx, notification.UserID, protocol.EventNewNotification, notification); err != nil {
		s.logger.Warn().Err(err).Str("user_id", notification.UserID).Msg("failed to push notification")
	}

	event := ""
	switch models.NotificationType(notification.Type) {
	case models.NotificationAppointmentBooked:
		event = protocol.EventAppointmentBooked
	case models.NotificationAppointmentCancelled:
		event = protocol.EventAppointmentCancelled
	}
	if event == "" || notification.Data == nil {
		return
	}

	appointment := protocol.AppointmentEvent{
		AppointmentID:      notification.Data.AppointmentID,
		Date:               notification.Data.Date,
		Time:               notification.Data.Time,
		Fees:               notification.Data.Fees,
		RefundAmount:       notification.Data.RefundAmount,
		CancellationReason: notification.Data.CancellationReason,
	}
	if err := s.pusher.PushToUser(ctx, notification.UserID, event, appointment); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("failed to push appointment event")
	}
}

func (s *notificationService) List(ctx context.Context, userID string, query dto.NotificationListQuery) (dto.NotificationListResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return dto.NotificationListResponse{}, errors.New("user id is required")
	}

	notifications, err := s.repo.ListByUser(ctx, userID, query.Limit, query.Offset, query.UnreadOnly)
	if err != nil {
		return dto.NotificationListResponse{}, err
	}

	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return dto.NotificationListResponse{}, err
	}

	return dto.NotificationListResponse{
		Items:       dto.NewNotificationResponseSlice(notifications),
		UnreadCount: unread,
	}, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is required")
	}
	return s.repo.CountUnread(ctx, userID)
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (protocol.Notification, error) {
	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", userID),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attrs...))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, userID)
	if err != nil {
		span.RecordError(err)
		return protocol.Notification{}, err
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_all_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
	))
	defer span.End()

	updated, err := s.repo.MarkAllRead(spanCtx, userID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return updated, nil
}

func (s *notificationService) Subscribe(userID string) (<-chan protocol.Notification, func()) {
	channel := make(chan protocol.Notification, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(userID, channel)
			observability.SSEClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *notificationService) broadcast(notification protocol.Notification) {
	s.broker.broadcast(notification.UserID, notification)
}

func (s *notificationService) publish(ctx context.Context, notification protocol.Notification) error {
	event := notificationEvent{
		Source:       s.nodeID,
		Notification: notification,
		SentAt:       time.Now().UTC(),
	}

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

func (s *notificationService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("notification redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notifications subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notification nats subscription")
		}
	}()
}

func (s *notificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.broadcast(event.Notification)
}

func (b *notificationBroker) subscribe(userID string, ch chan protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan protocol.Notification]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID string, ch chan protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		if _, found := subscribers[ch]; !found {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID string, notification protocol.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[userID] {
		select {
		case ch <- notification:
		default:
			observability.RealtimeDropped().WithLabelValues("sse_backpressure").Inc()
		}
	}
}
