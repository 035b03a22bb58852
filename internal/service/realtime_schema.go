package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

const envelopeSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string", "minLength": 1, "maxLength": 64},
    "data": {"type": "object"}
  }
}`

const roomRefSchema = `{
  "type": "object",
  "required": ["roomId"],
  "properties": {
    "roomId": {"type": "string", "minLength": 1, "maxLength": 128}
  }
}`

const joinRoomSchema = `{
  "type": "object",
  "required": ["roomId"],
  "properties": {
    "roomId": {"type": "string", "minLength": 1, "maxLength": 128},
    "userName": {"type": "string", "maxLength": 255}
  }
}`

const descriptionSchema = `{
  "type": "object",
  "required": ["roomId", "to", "description"],
  "properties": {
    "roomId": {"type": "string", "minLength": 1, "maxLength": 128},
    "to": {"type": "string", "minLength": 1, "maxLength": 64},
    "description": {
      "type": "object",
      "required": ["type", "sdp"],
      "properties": {
        "type": {"enum": ["offer", "answer", "pranswer", "rollback"]},
        "sdp": {"type": "string", "maxLength": 65536}
      }
    }
  }
}`

const candidateSchema = `{
  "type": "object",
  "required": ["roomId", "to", "candidate"],
  "properties": {
    "roomId": {"type": "string", "minLength": 1, "maxLength": 128},
    "to": {"type": "string", "minLength": 1, "maxLength": 64},
    "candidate": {
      "type": "object",
      "required": ["candidate"],
      "properties": {"candidate": {"type": "string", "maxLength": 2048}}
    }
  }
}`

const toggleSchema = `{
  "type": "object",
  "required": ["roomId", "enabled"],
  "properties": {
    "roomId": {"type": "string", "minLength": 1, "maxLength": 128},
    "enabled": {"type": "boolean"}
  }
}`

// envelopeValidator checks inbound frames before they are routed.
type envelopeValidator struct {
	envelope *jsonschema.Schema
	events   map[string]*jsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	envelope, err := jsonschema.CompileString("envelope.json", envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	sources := map[string]string{
		protocol.EventJoinRoom:         joinRoomSchema,
		protocol.EventLeaveRoom:        roomRefSchema,
		protocol.EventOffer:            descriptionSchema,
		protocol.EventAnswer:           descriptionSchema,
		protocol.EventICECandidate:     candidateSchema,
		protocol.EventToggleAudio:      toggleSchema,
		protocol.EventToggleVideo:      toggleSchema,
		protocol.EventStartScreenShare: roomRefSchema,
		protocol.EventStopScreenShare:  roomRefSchema,
		protocol.EventCallAccepted:     roomRefSchema,
		protocol.EventCallDeclined:     roomRefSchema,
		protocol.EventCallEnded:        roomRefSchema,
	}

	events := make(map[string]*jsonschema.Schema, len(sources))
	for event, source := range sources {
		schema, err := jsonschema.CompileString(strings.ReplaceAll(event, ":", "_")+".json", source)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", event, err)
		}
		events[event] = schema
	}

	return &envelopeValidator{envelope: envelope, events: events}, nil
}

// Validate decodes raw into an envelope, rejecting unknown events and malformed payloads.
func (v *envelopeValidator) Validate(raw []byte) (protocol.Envelope, error) {
	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return protocol.Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}
	if err := v.envelope.Validate(document); err != nil {
		return protocol.Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}

	var envelope protocol.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return protocol.Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}

	schema, ok := v.events[envelope.Event]
	if !ok {
		return envelope, fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event)
	}

	object, _ := document.(map[string]interface{})
	data := object["data"]
	if data == nil {
		data = map[string]interface{}{}
	}
	if err := schema.Validate(data); err != nil {
		return envelope, fmt.Errorf("invalid %s payload: %w", envelope.Event, err)
	}

	return envelope, nil
}
