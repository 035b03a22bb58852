package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType enumerates the kinds of notification a user can receive.
type NotificationType string

const (
	NotificationAppointmentBooked    NotificationType = "appointment_booked"
	NotificationAppointmentCancelled NotificationType = "appointment_cancelled"
	NotificationVideoCallInitiated   NotificationType = "video_call_initiated"
	NotificationGeneral              NotificationType = "general"
)

// Valid reports whether the type is one of the known notification types.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationAppointmentBooked, NotificationAppointmentCancelled, NotificationVideoCallInitiated, NotificationGeneral:
		return true
	default:
		return false
	}
}

// Notification represents a message targeted to a single user.
// Data carries optional appointment details such as appointment_id, date, time,
// fees, refund_amount, cancellation_reason and room_id.
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    string            `gorm:"size:64;index" json:"user_id"`
	Title     string            `gorm:"size:255" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Type      NotificationType  `gorm:"size:64;index" json:"type"`
	Read      bool              `gorm:"not null;default:false;index" json:"read"`
	Data      datatypes.JSONMap `gorm:"type:json" json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
