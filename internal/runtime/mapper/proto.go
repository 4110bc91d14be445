package mapper

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// ProtoContentType marks bodies written by ProtoMapper.
const ProtoContentType = "application/protobuf+json"

// BagProtoType carries the full protobuf message name.
const BagProtoType = "proto_type"

// ProtoRequest carries a protobuf payload through the command processor.
type ProtoRequest[T proto.Message] struct {
	request.Base
	Payload T
}

// NewProtoRequest wraps payload in a request tagged requestType.
func NewProtoRequest[T proto.Message](requestType string, payload T) *ProtoRequest[T] {
	return &ProtoRequest[T]{Base: request.NewBase(requestType), Payload: payload}
}

// ProtoMapper maps *ProtoRequest[T] using protojson.
type ProtoMapper[T proto.Message] struct {
	requestType string
	prototype   T
}

// NewProtoMapper returns a mapper that decodes into fresh copies of
// prototype.
func NewProtoMapper[T proto.Message](requestType string, prototype T) (*ProtoMapper[T], error) {
	if !prototype.ProtoReflect().IsValid() {
		return nil, fmt.Errorf("proto mapper for %q needs a non-nil prototype", requestType)
	}
	return &ProtoMapper[T]{requestType: requestType, prototype: prototype}, nil
}

func (m *ProtoMapper[T]) ToMessage(req request.Request, pub Publication) (*message.Message, error) {
	typed, ok := req.(*ProtoRequest[T])
	if !ok {
		return nil, fmt.Errorf("proto mapper for %q cannot map %T", m.requestType, req)
	}
	body, err := protojson.Marshal(typed.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", typed.Payload, err)
	}
	msg := newMessage(req, pub, body, ProtoContentType)
	msg.Header.Bag[BagProtoType] = string(typed.Payload.ProtoReflect().Descriptor().FullName())
	return msg, nil
}

func (m *ProtoMapper[T]) ToRequest(msg *message.Message) (request.Request, error) {
	payload, err := m.newPayload()
	if err != nil {
		return nil, err
	}
	if err := protojson.Unmarshal(msg.Body.Bytes, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T payload: %w", m.prototype, err)
	}
	req := &ProtoRequest[T]{Payload: payload}
	stamp(req, msg, m.requestType)
	return req, nil
}

func (m *ProtoMapper[T]) ToMessageAsync(ctx context.Context, req request.Request, pub Publication) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.ToMessage(req, pub)
}

func (m *ProtoMapper[T]) ToRequestAsync(ctx context.Context, msg *message.Message) (request.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.ToRequest(msg)
}

func (m *ProtoMapper[T]) newPayload() (T, error) {
	cloned := proto.Clone(m.prototype)
	proto.Reset(cloned)
	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}
