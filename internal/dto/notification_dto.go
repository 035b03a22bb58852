package dto

import (
	"github.com/noah-isme/telecare-go-api/internal/models"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// NotificationCreateRequest describes the payload to create a notification.
type NotificationCreateRequest struct {
	UserID  string                     `json:"user_id" validate:"required,max=64"`
	Title   string                     `json:"title" validate:"required,min=1,max=255"`
	Message string                     `json:"message" validate:"required,min=1,max=2000"`
	Type    string                     `json:"type" validate:"required,oneof=appointment_booked appointment_cancelled video_call_initiated general"`
	Data    *protocol.NotificationData `json:"data,omitempty"`
}

// NotificationListQuery filters the notifications returned for a user.
type NotificationListQuery struct {
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int  `query:"offset" validate:"omitempty,min=0"`
	UnreadOnly bool `query:"unread_only"`
}

// NotificationListResponse carries one page of notifications plus the unread count.
type NotificationListResponse struct {
	Items       []protocol.Notification `json:"items"`
	UnreadCount int64                   `json:"unreadCount"`
}

// UnreadCountResponse reports the number of unread notifications.
type UnreadCountResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}

// NewNotificationResponse converts a notification model to its wire form.
func NewNotificationResponse(model models.Notification) protocol.Notification {
	return protocol.Notification{
		ID:        model.ID,
		UserID:    model.UserID,
		Title:     model.Title,
		Message:   model.Message,
		Type:      string(model.Type),
		Read:      model.Read,
		Data:      notificationDataFromJSON(model.Data),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

// NewNotificationResponseSlice converts a slice to wire form.
func NewNotificationResponseSlice(items []models.Notification) []protocol.Notification {
	out := make([]protocol.Notification, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// NotificationDataToJSON flattens the optional payload into a JSON map for storage.
func NotificationDataToJSON(data *protocol.NotificationData) map[string]interface{} {
	if data == nil {
		return nil
	}

	out := map[string]interface{}{}
	putString(out, "appointmentId", data.AppointmentID)
	putString(out, "date", data.Date)
	putString(out, "time", data.Time)
	putString(out, "cancellationReason", data.CancellationReason)
	putString(out, "roomId", data.RoomID)
	if data.Fees != 0 {
		out["fees"] = data.Fees
	}
	if data.RefundAmount != 0 {
		out["refundAmount"] = data.RefundAmount
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func notificationDataFromJSON(raw map[string]interface{}) *protocol.NotificationData {
	if len(raw) == 0 {
		return nil
	}

	return &protocol.NotificationData{
		AppointmentID:      stringValue(raw["appointmentId"]),
		Date:               stringValue(raw["date"]),
		Time:               stringValue(raw["time"]),
		Fees:               floatValue(raw["fees"]),
		RefundAmount:       floatValue(raw["refundAmount"]),
		CancellationReason: stringValue(raw["cancellationReason"]),
		RoomID:             stringValue(raw["roomId"]),
	}
}

func putString(target map[string]interface{}, key, value string) {
	if value != "" {
		target[key] = value
	}
}

func stringValue(value interface{}) string {
	if str, ok := value.(string); ok {
		return str
	}
	return ""
}

func floatValue(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
