// Package protocol defines the realtime wire format shared by the websocket
// gateway and the client SDK. Every frame is an Envelope whose Data is decoded
// according to Event.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Server pushed events.
const (
	EventNewNotification       = "new_notification"
	EventIncomingVideoCall     = "incoming_video_call"
	EventCallAccepted          = "call_accepted"
	EventCallDeclined          = "call_declined"
	EventVideoCallEnded        = "video_call_ended"
	EventAppointmentBooked     = "appointment_booked"
	EventAppointmentCancelled  = "appointment_cancelled"
	EventAuthError             = "auth_error"
	EventError                 = "error"
	EventRoomJoined            = "video:room-joined"
	EventParticipantJoined     = "video:participant-joined"
	EventParticipantLeft       = "video:participant-left"
	EventParticipantAudio      = "video:participant-audio-toggle"
	EventParticipantVideo      = "video:participant-video-toggle"
	EventParticipantShareStart = "video:participant-screen-share-started"
	EventParticipantShareStop  = "video:participant-screen-share-stopped"
	EventOffer                 = "video:offer"
	EventAnswer                = "video:answer"
	EventICECandidate          = "video:ice-candidate"
)

// Client emitted events. Offer, answer and ICE candidate share their names with
// the relayed server events above, as do the call lifecycle events.
const (
	EventJoinRoom         = "video:join-room"
	EventLeaveRoom        = "video:leave-room"
	EventToggleAudio      = "video:toggle-audio"
	EventToggleVideo      = "video:toggle-video"
	EventStartScreenShare = "video:start-screen-share"
	EventStopScreenShare  = "video:stop-screen-share"
	EventCallEnded        = "call_ended"
)

// CloseAuthFailed is the websocket close code used when the handshake token is rejected.
const CloseAuthFailed = 4401

// InvalidTokenMessage is sent with EventAuthError when the handshake token is rejected.
const InvalidTokenMessage = "Invalid authentication token"

// Role identifies the kind of user on either end of a call.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Envelope is a single realtime frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope data into target.
func (e Envelope) Decode(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// NotificationData is the optional payload attached to a notification.
type NotificationData struct {
	AppointmentID      string  `json:"appointmentId,omitempty"`
	Date               string  `json:"date,omitempty"`
	Time               string  `json:"time,omitempty"`
	Fees               float64 `json:"fees,omitempty"`
	RefundAmount       float64 `json:"refundAmount,omitempty"`
	CancellationReason string  `json:"cancellationReason,omitempty"`
	RoomID             string  `json:"roomId,omitempty"`
}

// Notification is the wire form of a stored notification.
type Notification struct {
	ID        uint              `json:"id"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Type      string            `json:"type"`
	Read      bool              `json:"read"`
	Data      *NotificationData `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// IncomingCall announces a call invitation to its recipient.
type IncomingCall struct {
	RoomID        string `json:"roomId"`
	AppointmentID string `json:"appointmentId"`
	InitiatorName string `json:"initiatorName,omitempty"`
	InitiatorRole Role   `json:"initiatorRole,omitempty"`
	Date          string `json:"date,omitempty"`
	Time          string `json:"time,omitempty"`
	CallType      string `json:"callType,omitempty"`
}

// CallLifecycle carries accept, decline and end notifications for a call.
type CallLifecycle struct {
	RoomID        string `json:"roomId"`
	AppointmentID string `json:"appointmentId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	UserName      string `json:"userName,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// AppointmentEvent announces a booked or cancelled appointment.
type AppointmentEvent struct {
	AppointmentID      string  `json:"appointmentId"`
	Date               string  `json:"date,omitempty"`
	Time               string  `json:"time,omitempty"`
	Fees               float64 `json:"fees,omitempty"`
	RefundAmount       float64 `json:"refundAmount,omitempty"`
	CancellationReason string  `json:"cancellationReason,omitempty"`
}

// JoinRoom is emitted by a client after the REST join call succeeded.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName,omitempty"`
}

// Participant describes one member of a call room.
type Participant struct {
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	SocketID      string `json:"socketId"`
	Role          Role   `json:"role,omitempty"`
	AudioMuted    bool   `json:"audioMuted"`
	VideoOff      bool   `json:"videoOff"`
	ScreenSharing bool   `json:"screenSharing"`
}

// RoomJoined acknowledges a join and lists the members already present.
type RoomJoined struct {
	RoomID       string        `json:"roomId"`
	SocketID     string        `json:"socketId"`
	Participants []Participant `json:"participants"`
}

// ParticipantEvent announces a participant joining, leaving or changing state.
type ParticipantEvent struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

// Description relays an SDP offer or answer between two sockets.
type Description struct {
	RoomID      string                    `json:"roomId"`
	To          string                    `json:"to"`
	From        string                    `json:"from,omitempty"`
	Sender      *Participant              `json:"sender,omitempty"`
	Description webrtc.SessionDescription `json:"description"`
}

// Candidate relays a single ICE candidate between two sockets.
type Candidate struct {
	RoomID    string                  `json:"roomId"`
	To        string                  `json:"to"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Toggle carries a local media state change.
type Toggle struct {
	RoomID  string `json:"roomId"`
	Enabled bool   `json:"enabled"`
}

// RoomRef names a room, used for leave and screen share events.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload is sent with EventAuthError and EventError.
type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
