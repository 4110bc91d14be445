// Package mapper converts requests to wire messages and back, optionally
// passing the message through an ordered list of transforms.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// BagRequestType is the header bag key carrying the request type tag.
const BagRequestType = "request_type"

// Publication says where and as what a request type is sent.
type Publication struct {
	Topic   string
	Type    message.MessageType
	ReplyTo string
}

// Mapper is the sync mapping capability.
type Mapper interface {
	ToMessage(req request.Request, pub Publication) (*message.Message, error)
	ToRequest(msg *message.Message) (request.Request, error)
}

// AsyncMapper is the async mapping capability.
type AsyncMapper interface {
	ToMessageAsync(ctx context.Context, req request.Request, pub Publication) (*message.Message, error)
	ToRequestAsync(ctx context.Context, msg *message.Message) (request.Request, error)
}

// Transform wraps an outgoing message and unwraps an incoming one.
type Transform interface {
	Wrap(ctx context.Context, msg *message.Message) (*message.Message, error)
	Unwrap(ctx context.Context, msg *message.Message) (*message.Message, error)
}

type entry struct {
	mapper     Mapper
	async      AsyncMapper
	pub        Publication
	transforms []Transform
}

// Registry holds one mapper registration per request type.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a sync mapper. When m also implements AsyncMapper it serves
// async lookups too.
func (r *Registry) Register(requestType string, m Mapper, pub Publication, transforms ...Transform) error {
	if m == nil {
		return errs.NewConfigurationError(fmt.Sprintf("mapper for %q is nil", requestType), nil)
	}
	e := &entry{mapper: m, pub: pub, transforms: transforms}
	if a, ok := m.(AsyncMapper); ok {
		e.async = a
	}
	return r.add(requestType, e)
}

// RegisterAsync adds an async mapper.
func (r *Registry) RegisterAsync(requestType string, m AsyncMapper, pub Publication, transforms ...Transform) error {
	if m == nil {
		return errs.NewConfigurationError(fmt.Sprintf("async mapper for %q is nil", requestType), nil)
	}
	e := &entry{async: m, pub: pub, transforms: transforms}
	if s, ok := m.(Mapper); ok {
		e.mapper = s
	}
	return r.add(requestType, e)
}

func (r *Registry) add(requestType string, e *entry) error {
	if requestType == "" {
		return errs.NewConfigurationError("mapper: request type is empty", nil)
	}
	switch e.pub.Type {
	case message.TypeCommand, message.TypeEvent, message.TypeDocument:
	default:
		return errs.NewConfigurationError(
			fmt.Sprintf("mapper for %q: publication type %s cannot be sent", requestType, e.pub.Type), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[requestType] = e
	return nil
}

// Publication returns the publication registered for requestType.
func (r *Registry) Publication(requestType string) (Publication, bool) {
	e, ok := r.lookup(requestType)
	if !ok {
		return Publication{}, false
	}
	return e.pub, true
}

func (r *Registry) lookup(requestType string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[requestType]
	return e, ok
}

func notFound(requestType string, async bool) error {
	kind := "sync"
	if async {
		kind = "async"
	}
	return errs.NewConfigurationError(fmt.Sprintf("%s mapper for %q", kind, requestType), errs.ErrMapperNotFound)
}

// ToMessage maps req with its sync mapper and wraps the result.
func (r *Registry) ToMessage(ctx context.Context, req request.Request) (*message.Message, error) {
	if req == nil {
		return nil, errs.ErrRequestRequired
	}
	e, ok := r.lookup(req.RequestType())
	if !ok || e.mapper == nil {
		return nil, notFound(req.RequestType(), false)
	}
	msg, err := e.mapper.ToMessage(req, e.pub)
	if err != nil {
		return nil, &errs.MappingError{MessageID: req.ID(), Err: err}
	}
	return wrap(ctx, msg, e.transforms)
}

// ToMessageAsync maps req with its async mapper and wraps the result.
func (r *Registry) ToMessageAsync(ctx context.Context, req request.Request) (*message.Message, error) {
	if req == nil {
		return nil, errs.ErrRequestRequired
	}
	e, ok := r.lookup(req.RequestType())
	if !ok || e.async == nil {
		return nil, notFound(req.RequestType(), true)
	}
	msg, err := e.async.ToMessageAsync(ctx, req, e.pub)
	if err != nil {
		return nil, mappingError(req.ID(), err)
	}
	return wrap(ctx, msg, e.transforms)
}

// ToRequest unwraps msg and maps it to a requestType request.
func (r *Registry) ToRequest(ctx context.Context, requestType string, msg *message.Message) (request.Request, error) {
	e, ok := r.lookup(requestType)
	if !ok || e.mapper == nil {
		return nil, notFound(requestType, false)
	}
	unwrapped, err := unwrap(ctx, msg, e.transforms)
	if err != nil {
		return nil, err
	}
	req, err := e.mapper.ToRequest(unwrapped)
	if err != nil {
		return nil, mappingError(msg.Header.ID, err)
	}
	return req, nil
}

// ToRequestAsync unwraps msg and maps it with the async mapper.
func (r *Registry) ToRequestAsync(ctx context.Context, requestType string, msg *message.Message) (request.Request, error) {
	e, ok := r.lookup(requestType)
	if !ok || e.async == nil {
		return nil, notFound(requestType, true)
	}
	unwrapped, err := unwrap(ctx, msg, e.transforms)
	if err != nil {
		return nil, err
	}
	req, err := e.async.ToRequestAsync(ctx, unwrapped)
	if err != nil {
		return nil, mappingError(msg.Header.ID, err)
	}
	return req, nil
}

// mappingError leaves cancellation unwrapped so callers do not count it as a
// bad message.
func mappingError(id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errs.MappingError{MessageID: id, Err: err}
}

func wrap(ctx context.Context, msg *message.Message, transforms []Transform) (*message.Message, error) {
	var err error
	for _, t := range transforms {
		id := msg.Header.ID
		if msg, err = t.Wrap(ctx, msg); err != nil {
			return nil, &errs.MappingError{MessageID: id, Err: err}
		}
	}
	return msg, nil
}

func unwrap(ctx context.Context, msg *message.Message, transforms []Transform) (*message.Message, error) {
	var err error
	for i := len(transforms) - 1; i >= 0; i-- {
		id := msg.Header.ID
		if msg, err = transforms[i].Unwrap(ctx, msg); err != nil {
			return nil, &errs.MappingError{MessageID: id, Err: err}
		}
	}
	return msg, nil
}

func newMessage(req request.Request, pub Publication, body []byte, contentType string) *message.Message {
	msg := message.New(message.Header{
		ID:            req.ID(),
		Topic:         pub.Topic,
		Type:          pub.Type,
		CorrelationID: req.CorrelationID(),
		ReplyTo:       pub.ReplyTo,
	}, message.Body{Bytes: body, ContentType: contentType})
	msg.Header.Bag[BagRequestType] = req.RequestType()
	return msg
}

func stamp(req request.Request, msg *message.Message, requestType string) {
	if s, ok := req.(request.Stamper); ok {
		s.Stamp(msg.Header.ID, msg.Header.CorrelationID, requestType)
	}
}
