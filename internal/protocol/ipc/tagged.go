package ipc

import (
	"fmt"

	"github.com/danmuck/agentctl/internal/protocol/codec"
)

// Downlink tags used when events and RPC responses share one stream.
const (
	TagEvent    = "event"
	TagResponse = "response"
)

// Downlink is one message on a shared host-to-agent stream. Exactly one
// of Event or Response is meaningful, selected by Tag.
type Downlink struct {
	Tag      string
	Event    Event
	Response Response
}

func (c *Conn) WriteTaggedEvent(ev Event) error {
	body, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.writeTagged(TagEvent, body)
}

func (c *Conn) WriteTaggedResponse(resp Response) error {
	body, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.writeTagged(TagResponse, body)
}

func (c *Conn) writeTagged(tag string, body []byte) error {
	b, err := codec.Marshal([]any{tag, codec.RawMessage(body)})
	if err != nil {
		return err
	}
	return c.WritePayload(b)
}

func (c *Conn) ReadDownlink() (Downlink, error) {
	b, err := c.ReadPayload()
	if err != nil {
		return Downlink{}, err
	}
	var pair []codec.RawMessage
	if err := codec.Unmarshal(b, &pair); err != nil || len(pair) != 2 {
		return Downlink{}, fmt.Errorf("%w: tagged downlink", ErrMalformed)
	}
	var tag string
	if err := codec.Unmarshal(pair[0], &tag); err != nil {
		return Downlink{}, fmt.Errorf("%w: downlink tag: %v", ErrMalformed, err)
	}
	switch tag {
	case TagEvent:
		ev, err := DecodeEvent(pair[1])
		if err != nil {
			return Downlink{}, err
		}
		return Downlink{Tag: tag, Event: ev}, nil
	case TagResponse:
		resp, err := DecodeResponse(pair[1])
		if err != nil {
			return Downlink{}, err
		}
		return Downlink{Tag: tag, Response: resp}, nil
	default:
		return Downlink{}, fmt.Errorf("%w: unknown downlink tag %q", ErrMalformed, tag)
	}
}
