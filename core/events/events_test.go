package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestSubscribeMultipleHandlersInOrder(t *testing.T) {
	bus := testBus()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe("payment.failed", func(ctx context.Context, e Event) error {
			order = append(order, i)
			return nil
		})
	}

	bus.Publish(context.Background(), "payment.failed", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("call order = %v, want [1 2 3]", order)
	}
}

func TestPublishMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		event   string
		want    bool
	}{
		{"exact", "invoice.paid", "invoice.paid", true},
		{"exact miss", "invoice.paid", "invoice.created", false},
		{"prefix wildcard", "payment.*", "payment.retry_scheduled", true},
		{"prefix wildcard miss", "payment.*", "invoice.paid", false},
		{"global wildcard", "*", "subscription.paused", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := testBus()
			called := false
			bus.Subscribe(tt.pattern, func(ctx context.Context, e Event) error {
				called = true
				return nil
			})

			bus.Publish(context.Background(), tt.event, nil)

			if called != tt.want {
				t.Errorf("called = %v, want %v", called, tt.want)
			}
			if bus.HasSubscribers(tt.event) != tt.want {
				t.Errorf("HasSubscribers = %v, want %v", !tt.want, tt.want)
			}
		})
	}
}

func TestPublishCarriesPayloadAndTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bus := testBus().WithClock(func() time.Time { return at })

	type payload struct{ InvoiceID string }
	var got Event
	bus.Subscribe("invoice.created", func(ctx context.Context, e Event) error {
		got = e
		return nil
	})

	bus.Publish(context.Background(), "invoice.created", payload{InvoiceID: "inv-1"})

	p, ok := got.Payload.(payload)
	if !ok || p.InvoiceID != "inv-1" {
		t.Errorf("Payload = %#v", got.Payload)
	}
	if !got.At.Equal(at) {
		t.Errorf("At = %v, want %v", got.At, at)
	}
}

func TestPublishContinuesAfterErrorAndPanic(t *testing.T) {
	bus := testBus()
	var calls int32

	bus.Subscribe("x.y", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	bus.Subscribe("x.y", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		panic("handler bug")
	})
	bus.Subscribe("x.*", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	bus.Publish(context.Background(), "x.y", nil)

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPublishFromHandler(t *testing.T) {
	bus := testBus()
	var second bool

	bus.Subscribe("payment.failed", func(ctx context.Context, e Event) error {
		bus.Publish(ctx, "payment.retry_scheduled", nil)
		return nil
	})
	bus.Subscribe("payment.retry_scheduled", func(ctx context.Context, e Event) error {
		second = true
		return nil
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), "payment.failed", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested publish deadlocked")
	}
	if !second {
		t.Error("nested event not delivered")
	}
}

func TestPublishAsyncAndWait(t *testing.T) {
	bus := testBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe("*", func(ctx context.Context, e Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		bus.PublishAsync(ctx, "invoice.paid", nil)
	}
	cancel()
	bus.Wait()

	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}
