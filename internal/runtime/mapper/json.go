package mapper

import (
	"context"
	"fmt"

	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// JSONMapper maps *T requests to JSON bodies. It serves both sync and async
// lookups.
type JSONMapper[T any, PT interface {
	*T
	request.Request
}] struct {
	requestType string
}

// NewJSONMapper returns a mapper for requests of type *T tagged requestType.
func NewJSONMapper[T any, PT interface {
	*T
	request.Request
}](requestType string) *JSONMapper[T, PT] {
	return &JSONMapper[T, PT]{requestType: requestType}
}

func (m *JSONMapper[T, PT]) ToMessage(req request.Request, pub Publication) (*message.Message, error) {
	typed, ok := req.(PT)
	if !ok {
		return nil, fmt.Errorf("json mapper for %q cannot map %T", m.requestType, req)
	}
	body, err := jsoncodec.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	return newMessage(req, pub, body, jsoncodec.ContentType), nil
}

func (m *JSONMapper[T, PT]) ToRequest(msg *message.Message) (request.Request, error) {
	typed := PT(new(T))
	if err := jsoncodec.Unmarshal(msg.Body.Bytes, typed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	stamp(typed, msg, m.requestType)
	return typed, nil
}

func (m *JSONMapper[T, PT]) ToMessageAsync(ctx context.Context, req request.Request, pub Publication) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.ToMessage(req, pub)
}

func (m *JSONMapper[T, PT]) ToRequestAsync(ctx context.Context, msg *message.Message) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.ToRequest(msg)
}
