package cloudevents

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
)

// Extension attributes carrying header fields CloudEvents has no slot for.
const (
	ExtCorrelationID = "correlationid"
	ExtMessageType   = "messagetype"
	ExtReplyTo       = "replyto"
)

// Transform is a mapper.Transform that envelopes outgoing bodies and unpacks
// incoming ones. Messages without the envelope content type pass Unwrap
// untouched.
type Transform struct {
	// Source identifies the producing service.
	Source string
}

var _ mapper.Transform = Transform{}

func NewTransform(source string) (Transform, error) {
	if source == "" {
		return Transform{}, fmt.Errorf("cloudevents: source is required")
	}
	return Transform{Source: source}, nil
}

func (t Transform) Wrap(_ context.Context, msg *message.Message) (*message.Message, error) {
	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            msg.Header.Bag.Get(mapper.BagRequestType),
		Source:          t.Source,
		ID:              msg.Header.ID,
		Time:            msg.Header.Timestamp,
		DataContentType: msg.Body.ContentType,
		Subject:         msg.Header.Topic,
		Extensions: map[string]string{
			ExtMessageType: msg.Header.Type.String(),
		},
	}
	if evt.Type == "" {
		evt.Type = msg.Header.Topic
	}
	if msg.Header.CorrelationID != "" {
		evt.Extensions[ExtCorrelationID] = msg.Header.CorrelationID
	}
	if msg.Header.ReplyTo != "" {
		evt.Extensions[ExtReplyTo] = msg.Header.ReplyTo
	}
	if isJSON(msg.Body.ContentType) && jsoncodec.Valid(msg.Body.Bytes) {
		evt.Data = msg.Body.Bytes
	} else {
		evt.DataBase64 = msg.Body.Bytes
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	body, err := jsoncodec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("cloudevents: encode: %w", err)
	}
	out := msg.Clone()
	out.Body = message.Body{Bytes: body, ContentType: ContentType}
	out.Header.ContentType = ContentType
	return out, nil
}

func (t Transform) Unwrap(_ context.Context, msg *message.Message) (*message.Message, error) {
	if msg.Body.ContentType != ContentType && msg.Header.ContentType != ContentType {
		return msg, nil
	}

	var evt Event
	if err := jsoncodec.Unmarshal(msg.Body.Bytes, &evt); err != nil {
		return nil, fmt.Errorf("cloudevents: decode: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	out := msg.Clone()
	out.Body = message.Body{Bytes: evt.DataBase64, ContentType: evt.DataContentType}
	if len(evt.Data) > 0 {
		out.Body.Bytes = evt.Data
	}
	out.Header.ContentType = evt.DataContentType
	if out.Header.CorrelationID == "" {
		out.Header.CorrelationID = evt.Extensions[ExtCorrelationID]
	}
	if out.Header.ReplyTo == "" {
		out.Header.ReplyTo = evt.Extensions[ExtReplyTo]
	}
	if out.Header.Bag.Get(mapper.BagRequestType) == "" {
		out.Header.Bag[mapper.BagRequestType] = evt.Type
	}
	return out, nil
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, jsoncodec.ContentType) || strings.HasSuffix(contentType, "+json")
}
