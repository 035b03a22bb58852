package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/telecare-go-api/internal/dto"
	"github.com/noah-isme/telecare-go-api/internal/models"
	"github.com/noah-isme/telecare-go-api/internal/observability"
	"github.com/noah-isme/telecare-go-api/internal/repository"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// End reasons recorded on a closed call.
const (
	EndReasonHangup   = "hangup"
	EndReasonDeclined = "declined"
	EndReasonTimeout  = "timeout"
)

const callExpiryBatch = 100

// CallNotifier is the part of the realtime gateway used by the call lifecycle.
type CallNotifier interface {
	Pusher
	Admissions
}

// CallService manages call invitations and the rooms opened for them.
type CallService interface {
	CallActions
	Initiate(ctx context.Context, actor dto.CallActor, payload dto.InitiateCallRequest) (dto.CallResponse, error)
	Join(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error)
	ExpireStale(ctx context.Context) (int, error)
	RunExpiry(ctx context.Context, interval time.Duration)
}

type callService struct {
	repo          repository.CallRepository
	notifications NotificationService
	notifier      CallNotifier
	validator     *validator.Validate
	ringTimeout   time.Duration
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewCallService constructs the call lifecycle service.
func NewCallService(repo repository.CallRepository, notifications NotificationService, notifier CallNotifier, validate *validator.Validate, ringTimeout time.Duration, logger zerolog.Logger) CallService {
	if validate == nil {
		validate = validator.New()
	}
	if ringTimeout <= 0 {
		ringTimeout = time.Minute
	}

	return &callService{
		repo:          repo,
		notifications: notifications,
		notifier:      notifier,
		validator:     validate,
		ringTimeout:   ringTimeout,
		logger:        logger.With().Str("component", "call_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/telecare-go-api/internal/service/call"),
		now:           time.Now,
	}
}

func (s *callService) Initiate(ctx context.Context, actor dto.CallActor, payload dto.InitiateCallRequest) (dto.CallResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.CallResponse{}, err
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return dto.CallResponse{}, errors.New("user id is required")
	}
	if actor.UserID == payload.RecipientID {
		return dto.CallResponse{}, ErrCallSelf
	}

	spanCtx, span := s.tracer.Start(ctx, "calls.initiate", trace.WithAttributes(
		attribute.String("call.appointment_id", payload.AppointmentID),
		attribute.String("call.initiator_id", actor.UserID),
	))
	defer span.End()

	if _, err := s.repo.FindOpenByAppointment(spanCtx, payload.AppointmentID); err == nil {
		return dto.CallResponse{}, ErrCallAlreadyOpen
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}

	callType := models.CallTypeVideo
	if payload.CallType == string(models.CallTypeAudio) {
		callType = models.CallTypeAudio
	}

	call := models.VideoCall{
		RoomID:        ulid.Make().String(),
		AppointmentID: payload.AppointmentID,
		InitiatorID:   actor.UserID,
		InitiatorName: strings.TrimSpace(actor.Name),
		InitiatorRole: strings.ToLower(actor.Role),
		RecipientID:   payload.RecipientID,
		ScheduledDate: payload.Date,
		ScheduledTime: payload.Time,
		CallType:      callType,
		Status:        models.CallStatusWaiting,
	}

	if err := s.repo.Create(spanCtx, &call); err != nil {
		span.RecordError(err)
		return dto.CallResponse{}, err
	}

	if err := s.notifier.Admit(spanCtx, call.RoomID, call.InitiatorID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to admit call initiator")
	}

	if s.notifications != nil {
		_, err := s.notifications.Publish(spanCtx, dto.NotificationCreateRequest{
			UserID:  call.RecipientID,
			Title:   "Incoming video call",
			Message: invitationMessage(call),
			Type:    string(models.NotificationVideoCallInitiated),
			Data: &protocol.NotificationData{
				AppointmentID: call.AppointmentID,
				Date:          call.ScheduledDate,
				Time:          call.ScheduledTime,
				RoomID:        call.RoomID,
			},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to store call notification")
		}
	}

	if err := s.notifier.PushToUser(spanCtx, call.RecipientID, protocol.EventIncomingVideoCall, dto.NewIncomingCall(call)); err != nil {
		s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to push call invitation")
	}

	observability.CallEvents().WithLabelValues("initiated").Inc()
	s.logger.Info().
		Str("room_id", call.RoomID).
		Str("appointment_id", call.AppointmentID).
		Str("initiator_id", call.InitiatorID).
		Str("recipient_id", call.RecipientID).
		Msg("call initiated")

	return dto.NewCallResponse(call), nil
}

func (s *callService) Join(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error) {
	call, err := s.openCall(ctx, actor, roomID)
	if err != nil {
		return dto.CallResponse{}, err
	}

	if call.Status == models.CallStatusWaiting && actor.UserID == call.RecipientID {
		if call, err = s.activate(ctx, call); err != nil {
			return dto.CallResponse{}, err
		}
	}

	if err := s.notifier.Admit(ctx, call.RoomID, actor.UserID); err != nil {
		return dto.CallResponse{}, fmt.Errorf("admit to room: %w", err)
	}

	observability.CallEvents().WithLabelValues("joined").Inc()
	return dto.NewCallResponse(call), nil
}

func (s *callService) Accept(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error) {
	call, err := s.openCall(ctx, actor, roomID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if actor.UserID != call.RecipientID {
		return dto.CallResponse{}, ErrCallNotRecipient
	}

	if call.Status == models.CallStatusWaiting {
		if call, err = s.activate(ctx, call); err != nil {
			return dto.CallResponse{}, err
		}
	}

	if err := s.notifier.Admit(ctx, call.RoomID, actor.UserID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to admit accepting user")
	}

	s.notifyCounterpart(ctx, call, actor, protocol.EventCallAccepted, "")
	observability.CallEvents().WithLabelValues("accepted").Inc()
	return dto.NewCallResponse(call), nil
}

// Decline rejects a ringing invitation. Only the recipient may decline; the
// initiator cancels with End.
func (s *callService) Decline(ctx context.Context, actor dto.CallActor, roomID string) (dto.CallResponse, error) {
	call, err := s.openCall(ctx, actor, roomID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if actor.UserID != call.RecipientID {
		return dto.CallResponse{}, ErrCallNotRecipient
	}

	from := call.Status
	call.Status = models.CallStatusDeclined
	call.EndReason = EndReasonDeclined
	call.EndedAt = s.stamp()
	updated, err := s.repo.SaveIfStatus(ctx, &call, from)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if !updated {
		return dto.CallResponse{}, ErrCallClosed
	}
	s.revoke(ctx, call.RoomID)

	s.notifyCounterpart(ctx, call, actor, protocol.EventCallDeclined, EndReasonDeclined)
	observability.CallEvents().WithLabelValues("declined").Inc()
	return dto.NewCallResponse(call), nil
}

// End closes the call. Ending an already closed call returns it unchanged.
func (s *callService) End(ctx context.Context, actor dto.CallActor, roomID, reason string) (dto.CallResponse, error) {
	call, err := s.participantCall(ctx, actor, roomID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if call.Status.Closed() {
		return dto.NewCallResponse(call), nil
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = EndReasonHangup
	}

	from := call.Status
	call.Status = models.CallStatusEnded
	call.EndReason = reason
	call.EndedAt = s.stamp()
	updated, err := s.repo.SaveIfStatus(ctx, &call, from)
	if err != nil {
		return dto.CallResponse{}, err
	}
	if !updated {
		// Closed concurrently; report the stored outcome.
		return s.storedCall(ctx, call.RoomID)
	}
	s.revoke(ctx, call.RoomID)

	s.notifyCounterpart(ctx, call, actor, protocol.EventVideoCallEnded, reason)
	observability.CallEvents().WithLabelValues("ended").Inc()
	return dto.NewCallResponse(call), nil
}

// ExpireStale ends invitations that stayed unanswered longer than the ring timeout.
func (s *callService) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ringTimeout)

	calls, err := s.repo.ListStaleWaiting(ctx, cutoff, callExpiryBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range calls {
		call := calls[i]
		call.Status = models.CallStatusEnded
		call.EndReason = EndReasonTimeout
		call.EndedAt = s.stamp()
		updated, err := s.repo.SaveIfStatus(ctx, &call, models.CallStatusWaiting)
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to expire call")
			continue
		}
		if !updated {
			// Answered or closed since it was listed.
			continue
		}
		s.revoke(ctx, call.RoomID)

		payload := protocol.CallLifecycle{
			RoomID:        call.RoomID,
			AppointmentID: call.AppointmentID,
			Reason:        EndReasonTimeout,
		}
		for _, userID := range []string{call.InitiatorID, call.RecipientID} {
			if err := s.notifier.PushToUser(ctx, userID, protocol.EventVideoCallEnded, payload); err != nil {
				s.logger.Warn().Err(err).Str("room_id", call.RoomID).Msg("failed to push call timeout")
			}
		}

		observability.CallEvents().WithLabelValues("timeout").Inc()
		expired++
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("expired unanswered calls")
	}
	return expired, nil
}

// RunExpiry sweeps stale invitations until ctx is cancelled.
func (s *callService) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ringTimeout / 4
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("call expiry sweep failed")
			}
		}
	}
}

func (s *callService) participantCall(ctx context.Context, actor dto.CallActor, roomID string) (models.VideoCall, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return models.VideoCall{}, ErrCallNotFound
	}

	call, err := s.repo.FindByRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.VideoCall{}, ErrCallNotFound
		}
		return models.VideoCall{}, err
	}

	if !call.HasParticipant(actor.UserID) {
		return models.VideoCall{}, ErrCallNotParticipant
	}
	return call, nil
}

func (s *callService) openCall(ctx context.Context, actor dto.CallActor, roomID string) (models.VideoCall, error) {
	call, err := s.participantCall(ctx, actor, roomID)
	if err != nil {
		return models.VideoCall{}, err
	}
	if call.Status.Closed() {
		return models.VideoCall{}, ErrCallClosed
	}
	return call, nil
}

// activate moves a waiting call to active. When the call changed since it was
// read, the stored row wins: an already active call is returned as is and a
// closed one yields ErrCallClosed.
func (s *callService) activate(ctx context.Context, call models.VideoCall) (models.VideoCall, error) {
	call.Status = models.CallStatusActive
	call.StartedAt = s.stamp()
	updated, err := s.repo.SaveIfStatus(ctx, &call, models.CallStatusWaiting)
	if err != nil {
		return models.VideoCall{}, err
	}
	if updated {
		return call, nil
	}

	stored, err := s.repo.FindByRoom(ctx, call.RoomID)
	if err != nil {
		return models.VideoCall{}, err
	}
	if stored.Status.Closed() {
		return models.VideoCall{}, ErrCallClosed
	}
	return stored, nil
}

func (s *callService) storedCall(ctx context.Context, roomID string) (dto.CallResponse, error) {
	stored, err := s.repo.FindByRoom(ctx, roomID)
	if err != nil {
		return dto.CallResponse{}, err
	}
	return dto.NewCallResponse(stored), nil
}

func (s *callService) stamp() *time.Time {
	now := s.now().UTC()
	return &now
}

func (s *callService) revoke(ctx context.Context, roomID string) {
	if err := s.notifier.Revoke(ctx, roomID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to revoke room admissions")
	}
}

func (s *callService) notifyCounterpart(ctx context.Context, call models.VideoCall, actor dto.CallActor, event, reason string) {
	payload := protocol.CallLifecycle{
		RoomID:        call.RoomID,
		AppointmentID: call.AppointmentID,
		UserID:        actor.UserID,
		UserName:      actor.Name,
		Reason:        reason,
	}

	if err := s.notifier.PushToUser(ctx, call.Counterpart(actor.UserID), event, payload); err != nil {
		s.logger.Warn().Err(err).Str("room_id", call.RoomID).Str("event", event).Msg("failed to push call event")
	}
}

func invitationMessage(call models.VideoCall) string {
	name := call.InitiatorName
	if name == "" {
		name = "Your care provider"
	}

	kind := "video"
	if call.CallType == models.CallTypeAudio {
		kind = "audio"
	}

	if call.ScheduledDate != "" && call.ScheduledTime != "" {
		return fmt.Sprintf("%s is starting a %s call for your appointment on %s at %s", name, kind, call.ScheduledDate, call.ScheduledTime)
	}
	return fmt.Sprintf("%s is starting a %s call", name, kind)
}
