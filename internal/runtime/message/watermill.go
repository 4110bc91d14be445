package message

import (
	"strconv"
	"strings"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/commandflow/internal/runtime/metadata"
)

// Header fields travel in Watermill metadata under these keys.
const (
	KeyPrefix        = "cf_"
	KeyMessageType   = "cf_message_type"
	KeyTopic         = "cf_topic"
	KeyCorrelationID = "cf_correlation_id"
	KeyTimestamp     = "cf_timestamp"
	KeyContentType   = "cf_content_type"
	KeyReplyTo       = "cf_reply_to"
	KeyHandledCount  = "cf_handled_count"
	KeyDelayMillis   = "cf_delay_ms"
)

// ToWatermill converts the message into a Watermill message whose UUID is the
// message id.
func ToWatermill(m *Message) *wmmessage.Message {
	wm := wmmessage.NewMessage(m.Header.ID, m.Body.Bytes)
	wm.Metadata = metadata.ToWatermill(m.Header.Bag)
	wm.Metadata.Set(KeyMessageType, m.Header.Type.String())
	wm.Metadata.Set(KeyTopic, m.Header.Topic)
	wm.Metadata.Set(KeyTimestamp, m.Header.Timestamp.UTC().Format(time.RFC3339Nano))
	wm.Metadata.Set(KeyHandledCount, strconv.Itoa(m.Header.HandledCount))
	setIfNotEmpty(wm.Metadata, KeyCorrelationID, m.Header.CorrelationID)
	setIfNotEmpty(wm.Metadata, KeyContentType, m.Header.ContentType)
	setIfNotEmpty(wm.Metadata, KeyReplyTo, m.Header.ReplyTo)
	if m.Header.Delay > 0 {
		wm.Metadata.Set(KeyDelayMillis, strconv.FormatInt(m.Header.Delay.Milliseconds(), 10))
	}
	return wm
}

// FromWatermill rebuilds a message from a Watermill delivery. A missing type
// header is read as an event; an unknown one yields TypeUnacceptable.
func FromWatermill(wm *wmmessage.Message, topic string) *Message {
	bag := metadata.Metadata{}
	for k, v := range wm.Metadata {
		if !strings.HasPrefix(k, KeyPrefix) {
			bag[k] = v
		}
	}

	header := Header{
		ID:            wm.UUID,
		Topic:         topic,
		Type:          TypeEvent,
		CorrelationID: wm.Metadata.Get(KeyCorrelationID),
		ContentType:   wm.Metadata.Get(KeyContentType),
		ReplyTo:       wm.Metadata.Get(KeyReplyTo),
		HandledCount:  metadata.FromWatermill(wm.Metadata).Int(KeyHandledCount, 0),
		Bag:           bag,
	}
	if raw := wm.Metadata.Get(KeyMessageType); raw != "" {
		header.Type, _ = ParseMessageType(raw)
	}
	if raw := wm.Metadata.Get(KeyTopic); raw != "" {
		header.Topic = raw
	}
	if raw := wm.Metadata.Get(KeyTimestamp); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			header.Timestamp = ts
		}
	}
	if ms := metadata.FromWatermill(wm.Metadata).Int(KeyDelayMillis, 0); ms > 0 {
		header.Delay = time.Duration(ms) * time.Millisecond
	}

	return New(header, Body{Bytes: wm.Payload, ContentType: header.ContentType})
}

func setIfNotEmpty(md wmmessage.Metadata, key, value string) {
	if value != "" {
		md.Set(key, value)
	}
}
