// Package peerwire encodes the messages peers exchange inside a secure
// link: HOST_AGENT(code, briefcase) and BROADCAST_EVENT(name, args).
//
// A message is a TLV field list validated against protocol/schema.
// Structured values (briefcase, event args) are codec-encoded.
package peerwire

import (
	"errors"
	"fmt"

	"github.com/danmuck/agentctl/internal/protocol/codec"
	"github.com/danmuck/agentctl/internal/protocol/schema"
	"github.com/danmuck/agentctl/internal/protocol/tlv"
)

// KeepaliveEvent is the event name of the pool's idle keepalive.
const KeepaliveEvent = "ping"

type Kind uint32

const (
	HostAgent      Kind = Kind(schema.MsgHostAgent)
	BroadcastEvent Kind = Kind(schema.MsgBroadcastEvent)
)

func (k Kind) String() string {
	return schema.Name(uint32(k))
}

var (
	ErrMissingMessageType = errors.New("peerwire: missing message type")
	ErrInvalidValue       = errors.New("peerwire: invalid structured value")
)

// Message is the decoded tagged union. Code and Briefcase are set for
// HostAgent, Event and Args for BroadcastEvent.
type Message struct {
	Kind      Kind
	Code      []byte
	Briefcase map[string]any
	Event     string
	Args      []any
}

func NewHostAgent(code []byte, briefcase map[string]any) Message {
	if briefcase == nil {
		briefcase = map[string]any{}
	}
	return Message{Kind: HostAgent, Code: code, Briefcase: briefcase}
}

func NewBroadcastEvent(event string, args ...any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Kind: BroadcastEvent, Event: event, Args: args}
}

func Keepalive() Message {
	return NewBroadcastEvent(KeepaliveEvent)
}

func (m Message) IsKeepalive() bool {
	return m.Kind == BroadcastEvent && m.Event == KeepaliveEvent
}

// Encode renders m as a TLV payload ready for sealing.
func Encode(m Message) ([]byte, error) {
	fields := []tlv.Field{tlv.U32(schema.FieldMessageType, uint32(m.Kind))}
	switch m.Kind {
	case HostAgent:
		briefcase := m.Briefcase
		if briefcase == nil {
			briefcase = map[string]any{}
		}
		enc, err := codec.Marshal(briefcase)
		if err != nil {
			return nil, fmt.Errorf("%w: briefcase: %v", ErrInvalidValue, err)
		}
		fields = append(fields, tlv.Bytes(schema.FieldCode, m.Code), tlv.Value(schema.FieldBriefcase, enc))
	case BroadcastEvent:
		args := m.Args
		if args == nil {
			args = []any{}
		}
		enc, err := codec.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: args: %v", ErrInvalidValue, err)
		}
		fields = append(fields, tlv.String(schema.FieldEventName, m.Event), tlv.Value(schema.FieldEventArgs, enc))
	default:
		return nil, schema.ValidationError{MessageType: uint32(m.Kind), Reason: "unknown message_type"}
	}
	return tlv.EncodeFields(fields), nil
}

// Decode parses and validates one decrypted payload.
func Decode(payload []byte) (Message, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Message{}, err
	}
	typeField, ok := tlv.GetField(fields, schema.FieldMessageType)
	if !ok {
		return Message{}, ErrMissingMessageType
	}
	mt, err := tlv.U32FromBytes(typeField.Value)
	if err != nil {
		return Message{}, err
	}
	if err := schema.Validate(mt, fields); err != nil {
		return Message{}, err
	}

	m := Message{Kind: Kind(mt)}
	switch m.Kind {
	case HostAgent:
		code, _ := tlv.GetField(fields, schema.FieldCode)
		m.Code = code.Value
		raw, _ := tlv.GetField(fields, schema.FieldBriefcase)
		var v any
		if err := codec.Unmarshal(raw.Value, &v); err != nil {
			return Message{}, fmt.Errorf("%w: briefcase: %v", ErrInvalidValue, err)
		}
		briefcase, ok := codec.AsMap(v)
		if !ok {
			return Message{}, fmt.Errorf("%w: briefcase is %T", ErrInvalidValue, v)
		}
		m.Briefcase = briefcase
	case BroadcastEvent:
		name, _ := tlv.GetField(fields, schema.FieldEventName)
		m.Event = string(name.Value)
		raw, _ := tlv.GetField(fields, schema.FieldEventArgs)
		var v any
		if err := codec.Unmarshal(raw.Value, &v); err != nil {
			return Message{}, fmt.Errorf("%w: args: %v", ErrInvalidValue, err)
		}
		args, ok := codec.AsList(v)
		if !ok {
			return Message{}, fmt.Errorf("%w: args is %T", ErrInvalidValue, v)
		}
		if args == nil {
			args = []any{}
		}
		m.Args = args
	}
	return m, nil
}
