package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

func cmd(topic string) *message.Message {
	return message.New(message.Header{Topic: topic, Type: message.TypeCommand}, message.Body{Bytes: []byte(`{}`)})
}

func newChannel(t *testing.T, bus *Bus) Channel {
	t.Helper()
	ch, err := NewInMemoryFactory(bus).CreateChannel(Options{Name: "orders-channel", RoutingKey: "orders"})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestMemoryChannelFIFO(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	first, second := cmd("orders"), cmd("orders")
	bus.Enqueue("orders", first, second)
	ch := newChannel(t, bus)

	if ch.Name() != "orders-channel" || ch.RoutingKey() != "orders" {
		t.Fatalf("unexpected identity %q/%q", ch.Name(), ch.RoutingKey())
	}
	if bus.Len("orders") != 2 {
		t.Fatalf("Len() = %d", bus.Len("orders"))
	}

	for _, want := range []*message.Message{first, second} {
		got, err := ch.Receive(context.Background(), time.Second)
		if err != nil || got.Header.ID != want.Header.ID {
			t.Fatalf("Receive() = %v, %v", got, err)
		}
		if err := ch.Acknowledge(got); err != nil {
			t.Fatal(err)
		}
	}
	if bus.Len("orders") != 0 {
		t.Fatalf("Len() = %d after draining", bus.Len("orders"))
	}
	if err := ch.Acknowledge(first); err == nil {
		t.Fatal("expected error acknowledging a message twice")
	}
}

func TestMemoryChannelTimeoutAndCancel(t *testing.T) {
	t.Parallel()
	ch := newChannel(t, NewBus())

	got, err := ch.Receive(context.Background(), 10*time.Millisecond)
	if err != nil || !got.IsNone() {
		t.Fatalf("Receive() on empty channel = %v, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ch.Receive(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive() with canceled context error = %v", err)
	}
}

func TestMemoryChannelWakesOnEnqueue(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ch := newChannel(t, bus)
	msg := cmd("orders")

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Enqueue("orders", msg)
	}()

	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil || got.Header.ID != msg.Header.ID {
		t.Fatalf("Receive() = %v, %v", got, err)
	}
}

func TestMemoryChannelStopDrainsFirst(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	bus.Enqueue("orders", cmd("orders"), cmd("orders"))
	ch := newChannel(t, bus)
	ch.Stop()
	ch.Stop()

	for i := 0; i < 2; i++ {
		got, err := ch.Receive(context.Background(), time.Second)
		if err != nil || got.IsQuit() {
			t.Fatalf("Receive() %d = %v, %v", i, got, err)
		}
		_ = ch.Acknowledge(got)
	}
	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil || !got.IsQuit() {
		t.Fatalf("expected quit after draining, got %v, %v", got, err)
	}
}

func TestMemoryChannelStopWakesWaitingReceive(t *testing.T) {
	t.Parallel()
	ch := newChannel(t, NewBus())
	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Stop()
	}()

	got, err := ch.Receive(context.Background(), 5*time.Second)
	if err != nil || !got.IsQuit() {
		t.Fatalf("Receive() = %v, %v", got, err)
	}
}

func TestMemoryChannelReject(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ch := newChannel(t, bus)
	msg := cmd("orders")
	bus.Enqueue("orders", msg)

	got, _ := ch.Receive(context.Background(), time.Second)
	if err := ch.Reject(got, true); err != nil {
		t.Fatal(err)
	}
	if bus.Len("orders") != 1 {
		t.Fatalf("expected requeued message, Len() = %d", bus.Len("orders"))
	}

	got, _ = ch.Receive(context.Background(), time.Second)
	if err := ch.Reject(got, false); err != nil {
		t.Fatal(err)
	}
	if bus.Len("orders") != 0 {
		t.Fatalf("Len() = %d after dead lettering", bus.Len("orders"))
	}
	dead := bus.DeadLetters("orders")
	if len(dead) != 1 || dead[0].Header.ID != msg.Header.ID {
		t.Fatalf("DeadLetters() = %v", dead)
	}
}

func TestMemoryChannelDelayedRequeue(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ch := newChannel(t, bus)
	bus.Enqueue("orders", cmd("orders"))

	got, _ := ch.Receive(context.Background(), time.Second)
	got.Header.Delay = 30 * time.Millisecond
	start := time.Now()
	if err := ch.Reject(got, true); err != nil {
		t.Fatal(err)
	}
	if bus.Len("orders") != 1 {
		t.Fatalf("delayed message should count toward Len, got %d", bus.Len("orders"))
	}

	ch.Stop()
	again, err := ch.Receive(context.Background(), time.Second)
	if err != nil || again.Header.ID != got.Header.ID {
		t.Fatalf("Receive() = %v, %v", again, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("message redelivered before its delay")
	}
}

func TestMemoryChannelCloseRequeuesInFlight(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ch := newChannel(t, bus)
	bus.Enqueue("orders", cmd("orders"))

	_, _ = ch.Receive(context.Background(), time.Second)
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	_ = ch.Close()
	if bus.Len("orders") != 1 {
		t.Fatalf("expected in-flight message back on the queue, Len() = %d", bus.Len("orders"))
	}
	if _, err := ch.Receive(context.Background(), time.Millisecond); !errors.Is(err, errs.ErrChannelFailure) || !errors.Is(err, errs.ErrChannelClosed) {
		t.Fatalf("Receive() after Close error = %v", err)
	}
}

func TestMemoryChannelPurge(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	bus.Enqueue("orders", cmd("orders"), cmd("orders"))
	bus.Enqueue("invoices", cmd("invoices"))
	ch := newChannel(t, bus)

	if err := ch.Purge(); err != nil {
		t.Fatal(err)
	}
	if bus.Len("orders") != 0 || bus.Len("invoices") != 1 {
		t.Fatalf("Purge() touched the wrong queue: orders=%d invoices=%d", bus.Len("orders"), bus.Len("invoices"))
	}
}

func TestMemoryChannelsCompete(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	const total = 50
	for i := 0; i < total; i++ {
		bus.Enqueue("orders", cmd("orders"))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		ch := newChannel(t, bus)
		ch.Stop()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := ch.Receive(context.Background(), time.Second)
				if err != nil || msg.IsQuit() {
					return
				}
				mu.Lock()
				seen[msg.Header.ID]++
				mu.Unlock()
				_ = ch.Acknowledge(msg)
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("received %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s delivered %d times", id, n)
		}
	}
}

func TestInMemoryFactoryRequiresRoutingKey(t *testing.T) {
	t.Parallel()
	if _, err := NewInMemoryFactory(NewBus()).CreateChannel(Options{Name: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
