// Package message defines the wire-level envelope moved between producers,
// channels and message pumps.
package message

import (
	"time"

	"github.com/drblury/commandflow/internal/runtime/ids"
	"github.com/drblury/commandflow/internal/runtime/metadata"
)

// MessageType tells a pump how to dispatch a message.
type MessageType int

const (
	TypeNone MessageType = iota
	TypeCommand
	TypeEvent
	TypeDocument
	TypeQuit
	TypeUnacceptable
)

var typeNames = map[MessageType]string{
	TypeNone:         "MT_NONE",
	TypeCommand:      "MT_COMMAND",
	TypeEvent:        "MT_EVENT",
	TypeDocument:     "MT_DOCUMENT",
	TypeQuit:         "MT_QUIT",
	TypeUnacceptable: "MT_UNACCEPTABLE",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "MT_UNACCEPTABLE"
}

// ParseMessageType maps a wire name back to a MessageType.
func ParseMessageType(name string) (MessageType, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnacceptable, false
}

// Header carries identity, routing and delivery state for a message.
type Header struct {
	ID            string
	Topic         string
	Type          MessageType
	Timestamp     time.Time
	CorrelationID string
	ContentType   string
	ReplyTo       string
	// HandledCount is the number of times the message has been requeued.
	HandledCount int
	// Delay asks the transport to hold a requeued message back.
	Delay time.Duration
	Bag   metadata.Metadata
}

// Body is the serialized request payload.
type Body struct {
	Bytes       []byte
	ContentType string
}

// Message is a header plus body.
type Message struct {
	Header Header
	Body   Body
}

// New fills in an id, timestamp and bag when the header leaves them empty.
func New(header Header, body Body) *Message {
	if header.ID == "" {
		header.ID = ids.CreateULID()
	}
	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now().UTC()
	}
	if header.Bag == nil {
		header.Bag = metadata.Metadata{}
	}
	if header.ContentType == "" {
		header.ContentType = body.ContentType
	}
	return &Message{Header: header, Body: body}
}

// NewQuitMessage builds the sentinel that terminates a message pump. It has
// no payload and is never acknowledged.
func NewQuitMessage(topic string) *Message {
	return New(Header{Topic: topic, Type: TypeQuit}, Body{})
}

// NewNoneMessage is returned by a channel receive that timed out.
func NewNoneMessage() *Message {
	return New(Header{Type: TypeNone}, Body{})
}

// NewUnacceptableMessage marks a delivery the channel could not decode.
func NewUnacceptableMessage(id, topic string, body []byte) *Message {
	return New(Header{ID: id, Topic: topic, Type: TypeUnacceptable}, Body{Bytes: body})
}

func (m *Message) IsQuit() bool         { return m != nil && m.Header.Type == TypeQuit }
func (m *Message) IsNone() bool         { return m == nil || m.Header.Type == TypeNone }
func (m *Message) IsUnacceptable() bool { return m != nil && m.Header.Type == TypeUnacceptable }

// IncrementHandledCount records another delivery attempt.
func (m *Message) IncrementHandledCount() {
	m.Header.HandledCount++
}

// HandledCountReached reports whether the requeue budget is spent. A negative
// limit is never reached.
func (m *Message) HandledCountReached(limit int) bool {
	if limit < 0 {
		return false
	}
	return m.Header.HandledCount >= limit
}

// Clone copies the message so the copy's bag and body can be changed freely.
func (m *Message) Clone() *Message {
	cloned := *m
	cloned.Header.Bag = m.Header.Bag.Clone()
	if m.Body.Bytes != nil {
		cloned.Body.Bytes = append([]byte(nil), m.Body.Bytes...)
	}
	return &cloned
}
