// Package cloudevents wraps message bodies in CloudEvents v1.0 structured
// mode envelopes so commands and events can be read by non-Go consumers.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentType marks a body holding a structured mode envelope.
const ContentType = "application/cloudevents+json"

// Event is a CloudEvents v1.0 envelope. Extensions are flattened into the
// top-level JSON object.
type Event struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	Subject         string
	// Data holds a JSON payload verbatim. DataBase64 carries anything else.
	Data       json.RawMessage
	DataBase64 []byte
	Extensions map[string]string
}

// Validate checks the required attributes.
func (e Event) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("cloudevents: specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("cloudevents: type is required")
	case e.Source == "":
		return fmt.Errorf("cloudevents: source is required")
	case e.ID == "":
		return fmt.Errorf("cloudevents: id is required")
	}
	return nil
}

var knownAttrs = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"subject":         true,
	"data":            true,
	"data_base64":     true,
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extensions)+9)
	for k, v := range e.Extensions {
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if len(e.Data) > 0 {
		m["data"] = e.Data
	} else if len(e.DataBase64) > 0 {
		m["data_base64"] = e.DataBase64
	}

	return jsoncodec.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	attrs := map[string]*string{
		"specversion":     &e.SpecVersion,
		"type":            &e.Type,
		"source":          &e.Source,
		"id":              &e.ID,
		"datacontenttype": &e.DataContentType,
		"subject":         &e.Subject,
	}
	for name, dst := range attrs {
		if raw, ok := m[name]; ok {
			if err := jsoncodec.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("cloudevents: invalid %s: %w", name, err)
			}
		}
	}

	if raw, ok := m["time"]; ok {
		var ts string
		if err := jsoncodec.Unmarshal(raw, &ts); err != nil {
			return fmt.Errorf("cloudevents: invalid time: %w", err)
		}
		parsed, err := ParseTime(ts)
		if err != nil {
			return fmt.Errorf("cloudevents: invalid time: %w", err)
		}
		e.Time = parsed
	}
	if raw, ok := m["data"]; ok {
		e.Data = append(json.RawMessage(nil), raw...)
	}
	if raw, ok := m["data_base64"]; ok {
		if err := jsoncodec.Unmarshal(raw, &e.DataBase64); err != nil {
			return fmt.Errorf("cloudevents: invalid data_base64: %w", err)
		}
	}

	e.Extensions = make(map[string]string)
	for k, raw := range m {
		if knownAttrs[k] {
			continue
		}
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("cloudevents: invalid extension %q: %w", k, err)
		}
		if s, ok := v.(string); ok {
			e.Extensions[k] = s
		} else {
			e.Extensions[k] = fmt.Sprint(v)
		}
	}
	return nil
}

// ParseTime accepts RFC3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
