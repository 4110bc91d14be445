package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

func TestInMemoryOutbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ob := NewInMemory()
	msg := message.New(message.Header{Topic: "orders", Type: message.TypeCommand}, message.Body{Bytes: []byte(`{}`)})

	if err := ob.Add(ctx, msg); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	msg.Body.Bytes[0] = 'X'

	stored, err := ob.Get(ctx, msg.Header.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(stored.Body.Bytes) != `{}` {
		t.Fatalf("stored body mutated: %q", stored.Body.Bytes)
	}
	if got := ob.Outstanding(); len(got) != 1 || got[0] != msg.Header.ID {
		t.Fatalf("Outstanding() = %v", got)
	}

	at := time.Now()
	if err := ob.MarkDispatched(ctx, msg.Header.ID, at); err != nil {
		t.Fatalf("MarkDispatched() error = %v", err)
	}
	if got, ok := ob.DispatchedAt(msg.Header.ID); !ok || !got.Equal(at) {
		t.Fatalf("DispatchedAt() = %v, %v", got, ok)
	}
	if len(ob.Outstanding()) != 0 {
		t.Fatal("expected no outstanding messages")
	}
}

func TestInMemoryOutboxMissing(t *testing.T) {
	t.Parallel()
	ob := NewInMemory()
	if _, err := ob.Get(context.Background(), "nope"); !errors.Is(err, errs.ErrMessageNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
	if err := ob.MarkDispatched(context.Background(), "nope", time.Now()); !errors.Is(err, errs.ErrMessageNotFound) {
		t.Fatalf("MarkDispatched() error = %v", err)
	}
	if err := ob.Add(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil message")
	}
}
