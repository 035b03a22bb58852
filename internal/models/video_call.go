package models

import "time"

// CallStatus tracks a video call through its lifecycle.
type CallStatus string

const (
	CallStatusWaiting  CallStatus = "waiting"
	CallStatusActive   CallStatus = "active"
	CallStatusDeclined CallStatus = "declined"
	CallStatusEnded    CallStatus = "ended"
)

// Closed reports whether the call can no longer be joined.
func (s CallStatus) Closed() bool {
	return s == CallStatusDeclined || s == CallStatusEnded
}

// CallType distinguishes audio-only calls from video calls.
type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

// VideoCall is a call room opened for an appointment between a doctor and a patient.
type VideoCall struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RoomID        string     `gorm:"size:64;uniqueIndex" json:"room_id"`
	AppointmentID string     `gorm:"size:64;index" json:"appointment_id"`
	InitiatorID   string     `gorm:"size:64;index" json:"initiator_id"`
	InitiatorName string     `gorm:"size:255" json:"initiator_name"`
	InitiatorRole string     `gorm:"size:32" json:"initiator_role"`
	RecipientID   string     `gorm:"size:64;index" json:"recipient_id"`
	ScheduledDate string     `gorm:"size:32" json:"scheduled_date"`
	ScheduledTime string     `gorm:"size:32" json:"scheduled_time"`
	CallType      CallType   `gorm:"size:16;default:video" json:"call_type"`
	Status        CallStatus `gorm:"size:16;index" json:"status"`
	EndReason     string     `gorm:"size:64" json:"end_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasParticipant reports whether the user is the initiator or the recipient of the call.
func (c VideoCall) HasParticipant(userID string) bool {
	return userID != "" && (c.InitiatorID == userID || c.RecipientID == userID)
}

// Counterpart returns the other party of the call for the given user.
func (c VideoCall) Counterpart(userID string) string {
	if c.InitiatorID == userID {
		return c.RecipientID
	}
	return c.InitiatorID
}
