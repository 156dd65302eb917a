package schema

import (
	"testing"

	"github.com/danmuck/agentctl/internal/protocol/tlv"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
)

func hostAgentFields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(FieldMessageType, MsgHostAgent),
		tlv.Bytes(FieldCode, []byte("Api.log('info', 'hi')")),
		tlv.Value(FieldBriefcase, []byte{0xA0}),
	}
}

func TestValidateHostAgentRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgHostAgent, hostAgentFields()); err != nil {
		t.Fatalf("validate host agent: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(hostAgentFields(), tlv.Bytes(9999, []byte{0x01}))
	if err := Validate(MsgHostAgent, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldMessageType, MsgBroadcastEvent),
		tlv.String(FieldEventName, "help"),
	}
	err := Validate(MsgBroadcastEvent, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEventArgs || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldMessageType, MsgHostAgent),
		tlv.String(FieldCode, "not bytes"),
		tlv.Value(FieldBriefcase, []byte{0xA0}),
	}
	err := Validate(MsgHostAgent, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldCode || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(42, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected: %v", err)
	}
	if Name(42) != "UNKNOWN(42)" || Name(MsgHostAgent) != "HOST_AGENT" {
		t.Fatalf("unexpected names")
	}
}
