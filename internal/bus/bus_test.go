package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicAlert, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicAlert || receivedMsg.ID == "" {
			t.Errorf("unexpected envelope: %+v", receivedMsg)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var trades, other atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicTradeIngested, func(ctx context.Context, msg *domain.Message) error {
			trades.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "kestrel.other", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicTradeIngested, []byte("trade"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if trades.Load() != 1 || other.Load() != 0 {
			t.Errorf("expected delivery to matching topic only, got %d/%d", trades.Load(), other.Load())
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "kestrel.fanout", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}
		bus.Publish(ctx, "kestrel.fanout", []byte("x"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var received atomic.Int32
		sub, _ := bus.Subscribe(ctx, "kestrel.unsub", func(ctx context.Context, msg *domain.Message) error {
			received.Add(1)
			return nil
		})
		if sub.Topic() != "kestrel.unsub" {
			t.Errorf("expected topic 'kestrel.unsub', got '%s'", sub.Topic())
		}
		sub.Unsubscribe()

		bus.Publish(ctx, "kestrel.unsub", []byte("x"))
		time.Sleep(20 * time.Millisecond)
		if received.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", received.Load())
		}
	})

	t.Run("HandlerFailuresDoNotStopDelivery", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)
		var n atomic.Int32
		bus.Subscribe(ctx, "kestrel.flaky", func(ctx context.Context, msg *domain.Message) error {
			defer wg.Done()
			switch n.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("handler bug")
			}
			return nil
		})
		for i := 0; i < 3; i++ {
			bus.Publish(ctx, "kestrel.flaky", []byte("x"))
		}
		waitFor(t, &wg, time.Second)
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "kestrel.close", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "kestrel.close", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "kestrel.close", nil); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	block := make(chan struct{})
	bus.Subscribe(ctx, "kestrel.slow", func(ctx context.Context, msg *domain.Message) error {
		<-block
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := bus.Publish(ctx, "kestrel.slow", []byte("x")); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	close(block)

	if bus.Dropped() == 0 {
		t.Error("expected some deliveries to be dropped")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "kestrel.load", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "kestrel.load", []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestChannelBusWorkTopic(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()
	ctx := context.Background()

	var a, b atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	bus.Subscribe(ctx, domain.TopicTradeIngested, func(ctx context.Context, msg *domain.Message) error {
		a.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(ctx, domain.TopicTradeIngested, func(ctx context.Context, msg *domain.Message) error {
		b.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, domain.TopicTradeIngested, []byte("trade"))
	}
	waitFor(t, &wg, time.Second)
	time.Sleep(20 * time.Millisecond)

	if a.Load()+b.Load() != 10 {
		t.Fatalf("expected each trade delivered once, got %d", a.Load()+b.Load())
	}
	if a.Load() != 5 || b.Load() != 5 {
		t.Errorf("expected round robin 5/5, got %d/%d", a.Load(), b.Load())
	}
}

func TestTraceContextPropagates(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	bus := NewChannelBus(10)
	defer bus.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	got := make(chan trace.SpanContext, 1)
	bus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		got <- trace.SpanContextFromContext(ctx)
		return nil
	})
	if err := bus.Publish(ctx, domain.TopicAlert, []byte("{}")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case sc := <-got:
		if sc.TraceID() != traceID {
			t.Errorf("expected trace %s, got %s", traceID, sc.TraceID())
		}
		if !sc.IsRemote() {
			t.Error("expected delivered span context to be remote")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}
