package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(KindNotification, 10)

	b.Publish(Message{From: "engine", Kind: KindNotification, Action: ActionProgress, Payload: "hello"})

	select {
	case received := <-ch:
		if received.From != "engine" {
			t.Errorf("expected from 'engine', got %q", received.From)
		}
		if received.ID == "" {
			t.Error("expected an ID to be assigned")
		}
		if received.Timestamp.IsZero() {
			t.Error("expected a timestamp to be assigned")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeAction(t *testing.T) {
	b := New()
	defer b.Close()

	progress := b.SubscribeAction(ActionProgress, 10)
	logs := b.SubscribeAction(ActionLog, 10)

	b.Publish(Message{Kind: KindNotification, Action: ActionProgress})

	select {
	case msg := <-progress:
		if msg.Action != ActionProgress {
			t.Errorf("expected action %q, got %q", ActionProgress, msg.Action)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("progress subscriber: timeout")
	}

	select {
	case <-logs:
		t.Error("log subscriber received a progress message")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeActionsSharesOneOrderedMailbox(t *testing.T) {
	b := New()
	ch := b.SubscribeActions(10, ActionTaskResult, ActionResolution, ActionTaskResult)

	b.Publish(Message{Action: ActionTaskResult, ID: "1"})
	b.Publish(Message{Action: ActionCapabilityResult, ID: "noise"})
	b.Publish(Message{Action: ActionResolution, ID: "2"})
	b.Publish(Message{Action: ActionTaskResult, ID: "3"})
	b.Close() // must not close ch twice

	var ids []string
	for msg := range ch {
		ids = append(ids, msg.ID)
	}
	if got := fmt.Sprint(ids); got != "[1 2 3]" {
		t.Errorf("received %s, want [1 2 3]", got)
	}
}

func TestKindIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	reqCh := b.Subscribe(KindRequest, 10)
	errCh := b.Subscribe(KindError, 10)

	b.Publish(Message{Kind: KindRequest, Action: "x"})

	select {
	case <-reqCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("request subscriber: timeout")
	}
	select {
	case <-errCh:
		t.Error("error subscriber received a request message")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.SubscribeAll(100)
	for i := 0; i < 50; i++ {
		b.Publish(Message{Kind: KindNotification, Action: "seq", Payload: i})
	}

	for i := 0; i < 50; i++ {
		msg := <-ch
		if msg.Payload.(int) != i {
			t.Fatalf("message %d out of order: got payload %v", i, msg.Payload)
		}
	}
}

func TestConcurrentPublishersKeepPerSubscriberOrder(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.SubscribeAll(1000)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(Message{From: fmt.Sprintf("p%d", p), Kind: KindNotification, Payload: i})
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	for i := 0; i < 400; i++ {
		msg := <-ch
		seq := msg.Payload.(int)
		if prev, ok := last[msg.From]; ok && seq <= prev {
			t.Fatalf("publisher %s: got %d after %d", msg.From, seq, prev)
		}
		last[msg.From] = seq
	}
}

func TestNonBlockingSend(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.SubscribeAll(1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Message{Kind: KindNotification, Payload: i})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case <-ch:
	default:
		t.Error("expected at least one message in buffer")
	}
	if b.Dropped() != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", b.Dropped())
	}
}

func TestHistoryCapped(t *testing.T) {
	b := New(WithHistoryLimit(5))
	defer b.Close()

	for i := 0; i < 12; i++ {
		b.Publish(Message{Kind: KindNotification, Payload: i})
	}

	h := b.History()
	if len(h) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(h))
	}
	if h[0].Payload.(int) != 7 || h[4].Payload.(int) != 11 {
		t.Errorf("expected oldest evicted, got first=%v last=%v", h[0].Payload, h[4].Payload)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	b := New()
	ch := b.SubscribeAll(10)

	b.Close()
	b.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 messages after close, got %d", received)
	}

	// Publishing after close must not panic.
	b.Publish(Message{Kind: KindNotification})

	late := b.Subscribe(KindNotification, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestSetVisibleBeforeNotification(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.SubscribeAction(ActionStateChanged, 10)
	b.Set(KeyTechStack, []string{"python"})

	select {
	case msg := <-ch:
		change, ok := msg.Payload.(StateChange)
		if !ok {
			t.Fatalf("expected StateChange payload, got %T", msg.Payload)
		}
		if change.Key != KeyTechStack {
			t.Errorf("expected key %q, got %q", KeyTechStack, change.Key)
		}
		if _, ok := b.Get(KeyTechStack); !ok {
			t.Error("value not visible after notification")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for state change")
	}
}

func TestStateLastWriteWins(t *testing.T) {
	b := New()
	defer b.Close()

	b.Set("k", "one")
	b.Set("k", "two")
	if got := b.GetString("k"); got != "two" {
		t.Errorf("expected 'two', got %q", got)
	}

	b.Delete("k")
	if _, ok := b.Get("k"); ok {
		t.Error("expected key deleted")
	}

	b.Set("a", 1)
	b.Set("b", 2)
	keys := b.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys: %v", keys)
	}

	snap := b.Snapshot()
	snap["a"] = 99
	if v, _ := b.Get("a"); v.(int) != 1 {
		t.Error("snapshot mutation leaked into bus state")
	}
}

func TestCapabilityRoundTrip(t *testing.T) {
	b := New()
	defer b.Close()

	b.RegisterCapability(CapabilityFunc{
		ID: "echo",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	})

	got, err := b.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}, "test")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hi" {
		t.Errorf("expected 'hi', got %v", got)
	}

	b.RegisterCapability(CapabilityFunc{
		ID: "echo",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return "replaced", nil
		},
	})
	got, _ = b.Invoke(context.Background(), "echo", nil, "test")
	if got != "replaced" {
		t.Errorf("expected later registration to win, got %v", got)
	}

	if names := b.Capabilities(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("unexpected capabilities: %v", names)
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Invoke(context.Background(), "missing", nil, "test")
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("expected ErrCapabilityNotFound, got %v", err)
	}
}

func TestInvokePropagatesErrorAndRecordsHistory(t *testing.T) {
	b := New()
	defer b.Close()

	boom := errors.New("boom")
	b.RegisterCapability(CapabilityFunc{
		ID: "fail",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, boom
		},
	})

	_, err := b.Invoke(context.Background(), "fail", nil, "engine")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Capability != "fail" {
		t.Fatalf("expected ExecutionError for fail, got %T %v", err, err)
	}

	h := b.History()
	if len(h) != 2 {
		t.Fatalf("expected request+error in history, got %d", len(h))
	}
	if h[0].Kind != KindRequest || h[1].Kind != KindError {
		t.Errorf("unexpected kinds: %s, %s", h[0].Kind, h[1].Kind)
	}
	if h[1].CorrelationID != h[0].ID {
		t.Error("response not correlated with request")
	}
}

// bareCapability implements Capability without CapabilityFunc.
type bareCapability struct{ err error }

func (c bareCapability) Name() string                  { return "bare" }
func (c bareCapability) Description() string           { return "" }
func (c bareCapability) Parameters() map[string]string { return nil }
func (c bareCapability) Invoke(context.Context, map[string]any) (any, error) {
	return nil, c.err
}

func TestInvokeWrapsExecutionErrorOnce(t *testing.T) {
	b := New()
	defer b.Close()

	inner := &ExecutionError{Capability: "inner", Err: errors.New("boom")}
	b.RegisterCapability(CapabilityFunc{
		ID: "outer",
		Fn: func(context.Context, map[string]any) (any, error) { return nil, inner },
	})
	_, err := b.Invoke(context.Background(), "outer", nil, "engine")
	if err != inner {
		t.Errorf("already-wrapped error = %v, want it unchanged", err)
	}

	b.RegisterCapability(bareCapability{err: errors.New("disk full")})
	_, err = b.Invoke(context.Background(), "bare", nil, "engine")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Capability != "bare" {
		t.Errorf("bare capability error = %T %v, want ExecutionError", err, err)
	}

	b.RegisterCapability(CapabilityFunc{
		ID: "ok",
		Fn: func(context.Context, map[string]any) (any, error) { return 1, nil },
	})
	if _, err := b.Invoke(context.Background(), "ok", nil, "engine"); err != nil {
		t.Errorf("successful invoke error = %v", err)
	}
}

func TestNotifyClampsProgress(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.SubscribeAction(ActionProgress, 10)
	b.Notify("engine", SeverityInfo, "done", Progress(140))

	msg := <-ch
	n := msg.Payload.(Notification)
	if n.Progress == nil || *n.Progress != 100 {
		t.Errorf("expected clamped progress 100, got %v", n.Progress)
	}

	logs := b.SubscribeAction(ActionLog, 10)
	b.Notify("engine", SeverityError, "failed", nil)
	msg = <-logs
	if msg.Kind != KindError {
		t.Errorf("expected error kind for error severity, got %s", msg.Kind)
	}
}
