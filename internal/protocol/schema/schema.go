package schema

import (
	"fmt"

	"github.com/danmuck/agentctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Peer message type IDs. The numeric values match the legacy tuple tags
// HOST_AGENT=0 and BROADCAST_EVENT=1.
const (
	MsgHostAgent      uint32 = 0
	MsgBroadcastEvent uint32 = 1
)

// Field IDs of the peer protocol.
const (
	FieldMessageType uint16 = 1

	FieldCode      uint16 = 100
	FieldBriefcase uint16 = 101

	FieldEventName uint16 = 200
	FieldEventArgs uint16 = 201
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHostAgent: {
		{FieldMessageType, tlv.TypeU32},
		{FieldCode, tlv.TypeBytes},
		{FieldBriefcase, tlv.TypeValue},
	},
	MsgBroadcastEvent: {
		{FieldMessageType, tlv.TypeU32},
		{FieldEventName, tlv.TypeString},
		{FieldEventArgs, tlv.TypeValue},
	},
}

// Name returns the wire name of a message type for logs.
func Name(messageType uint32) string {
	switch messageType {
	case MsgHostAgent:
		return "HOST_AGENT"
	case MsgBroadcastEvent:
		return "BROADCAST_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Uint8("got", f.Type).Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Msg("schema.Validate ok")
	return nil
}
