package dto

import (
	"time"

	"github.com/noah-isme/telecare-go-api/internal/models"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// CallActor identifies the authenticated user acting on a call.
type CallActor struct {
	UserID string
	Name   string
	Role   string
}

// InitiateCallRequest opens a call room for an appointment.
type InitiateCallRequest struct {
	AppointmentID string `json:"appointmentId" validate:"required,max=64"`
	RecipientID   string `json:"recipientId" validate:"required,max=64"`
	Date          string `json:"date" validate:"omitempty,max=32"`
	Time          string `json:"time" validate:"omitempty,max=32"`
	CallType      string `json:"callType" validate:"omitempty,oneof=video audio"`
}

// CallResponse is the serialized representation of a video call.
type CallResponse struct {
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

// CallConfigResponse lists the ICE servers a client should use.
type CallConfigResponse struct {
	STUNServers []string `json:"stunServers"`
}

// NewCallResponse converts a call model to a DTO.
func NewCallResponse(model models.VideoCall) CallResponse {
	return CallResponse{
		RoomID:        model.RoomID,
		AppointmentID: model.AppointmentID,
		InitiatorID:   model.InitiatorID,
		InitiatorName: model.InitiatorName,
		InitiatorRole: model.InitiatorRole,
		RecipientID:   model.RecipientID,
		Date:          model.ScheduledDate,
		Time:          model.ScheduledTime,
		CallType:      string(model.CallType),
		Status:        string(model.Status),
		EndReason:     model.EndReason,
		StartedAt:     model.StartedAt,
		EndedAt:       model.EndedAt,
		CreatedAt:     model.CreatedAt,
	}
}

// NewIncomingCall builds the invitation pushed to the call recipient.
func NewIncomingCall(model models.VideoCall) protocol.IncomingCall {
	return protocol.IncomingCall{
		RoomID:        model.RoomID,
		AppointmentID: model.AppointmentID,
		InitiatorName: model.InitiatorName,
		InitiatorRole: protocol.Role(model.InitiatorRole),
		Date:          model.ScheduledDate,
		Time:          model.ScheduledTime,
		CallType:      string(model.CallType),
	}
}
