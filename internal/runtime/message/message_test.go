package message

import (
	"testing"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/commandflow/internal/runtime/metadata"
)

func TestMessageTypeNames(t *testing.T) {
	t.Parallel()
	for typ, name := range typeNames {
		if typ.String() != name {
			t.Fatalf("String() = %q, want %q", typ.String(), name)
		}
		parsed, ok := ParseMessageType(name)
		if !ok || parsed != typ {
			t.Fatalf("ParseMessageType(%q) = %v, %v", name, parsed, ok)
		}
	}
	if parsed, ok := ParseMessageType("MT_BOGUS"); ok || parsed != TypeUnacceptable {
		t.Fatalf("expected unknown names to map to unacceptable, got %v", parsed)
	}
}

func TestSentinels(t *testing.T) {
	t.Parallel()
	quit := NewQuitMessage("orders")
	if !quit.IsQuit() || len(quit.Body.Bytes) != 0 || quit.Header.Topic != "orders" {
		t.Fatalf("unexpected quit message %#v", quit)
	}
	if !NewNoneMessage().IsNone() {
		t.Fatal("expected none message")
	}
	var nilMsg *Message
	if !nilMsg.IsNone() {
		t.Fatal("expected nil message to read as none")
	}
	if !NewUnacceptableMessage("x", "orders", nil).IsUnacceptable() {
		t.Fatal("expected unacceptable message")
	}
}

func TestHandledCount(t *testing.T) {
	t.Parallel()
	msg := New(Header{Type: TypeCommand}, Body{})
	if msg.HandledCountReached(-1) {
		t.Fatal("negative limit must never be reached")
	}
	msg.IncrementHandledCount()
	msg.IncrementHandledCount()
	if msg.HandledCountReached(3) {
		t.Fatal("limit 3 reached after 2 attempts")
	}
	msg.IncrementHandledCount()
	if !msg.HandledCountReached(3) {
		t.Fatal("limit 3 not reached after 3 attempts")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	msg := New(Header{Bag: metadata.New("k", "v")}, Body{Bytes: []byte("abc")})
	cloned := msg.Clone()
	cloned.Header.Bag["k"] = "changed"
	cloned.Body.Bytes[0] = 'z'

	if msg.Header.Bag["k"] != "v" || string(msg.Body.Bytes) != "abc" {
		t.Fatal("expected clone not to alias the original")
	}
}

func TestWatermillRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := New(Header{
		Topic:         "greetings",
		Type:          TypeCommand,
		Timestamp:     ts,
		CorrelationID: "corr",
		HandledCount:  2,
		Delay:         1500 * time.Millisecond,
		Bag:           metadata.New("tenant", "acme"),
	}, Body{Bytes: []byte(`{"name":"x"}`), ContentType: "application/json"})

	back := FromWatermill(ToWatermill(msg), "ignored")

	if back.Header.ID != msg.Header.ID || back.Header.Type != TypeCommand || back.Header.Topic != "greetings" {
		t.Fatalf("unexpected header %#v", back.Header)
	}
	if !back.Header.Timestamp.Equal(ts) || back.Header.CorrelationID != "corr" || back.Header.HandledCount != 2 {
		t.Fatalf("unexpected header %#v", back.Header)
	}
	if back.Header.Delay != 1500*time.Millisecond || back.Header.ContentType != "application/json" {
		t.Fatalf("unexpected delivery fields %#v", back.Header)
	}
	if back.Header.Bag.Get("tenant") != "acme" || back.Header.Bag.Get(KeyMessageType) != "" {
		t.Fatalf("unexpected bag %#v", back.Header.Bag)
	}
}

func TestFromWatermillDefaults(t *testing.T) {
	t.Parallel()
	plain := FromWatermill(wmmessage.NewMessage("id-1", []byte("x")), "orders")
	if plain.Header.Type != TypeEvent || plain.Header.Topic != "orders" {
		t.Fatalf("unexpected defaults %#v", plain.Header)
	}

	bad := wmmessage.NewMessage("id-2", nil)
	bad.Metadata.Set(KeyMessageType, "MT_BOGUS")
	if !FromWatermill(bad, "orders").IsUnacceptable() {
		t.Fatal("expected unknown type to be unacceptable")
	}
}
