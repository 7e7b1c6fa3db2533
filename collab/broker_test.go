package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast/memorybus"
)

func newTestBroker(t *testing.T, opts ...BrokerOption) (*Broker, *memorybus.Bus) {
	t.Helper()
	bus := memorybus.New()
	t.Cleanup(func() { bus.Close() })
	b := NewBroker(bus, opts...)
	t.Cleanup(b.Close)
	return b, bus
}

func blockingRequest(session, audience, conversation string, timeout time.Duration) RenderRequest {
	return RenderRequest{
		SessionID:      session,
		Audience:       audience,
		ConversationID: conversation,
		Payload:        json.RawMessage(`{"diagram":"graph TD; a-->b"}`),
		Blocking:       true,
		Timeout:        timeout,
	}
}

func TestBlockingRoundTrip(t *testing.T) {
	b, bus := newTestBroker(t)

	sub, err := bus.Subscribe(context.Background(), "aud")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	type result struct {
		outcome *Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 2*time.Second))
		done <- result{o, err}
	}()

	// The published event carries the interaction id the signal must echo.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("no render event published: %v", err)
	}
	var ev struct {
		Type          string `json:"type"`
		InteractionID string `json:"interactionId"`
		Blocking      bool   `json:"blocking"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("failed to decode render event: %v", err)
	}
	if ev.Type != "render" || !ev.Blocking || ev.InteractionID == "" {
		t.Fatalf("unexpected render event: %+v", ev)
	}

	if !b.Complete(context.Background(), CompletionSignal{
		Audience:       "aud",
		ConversationID: "conv",
		InteractionID:  ev.InteractionID,
		Action:         "approve",
		Data:           json.RawMessage(`{"note":"lgtm"}`),
	}) {
		t.Fatal("completion signal did not match")
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("render failed: %v", r.err)
	}
	if !r.outcome.Completed || r.outcome.Source != SourceExternal || r.outcome.Action != "approve" {
		t.Fatalf("unexpected outcome: %+v", r.outcome)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no live interactions, got %d", b.Len())
	}
}

func TestBlockingTimeoutIsAnOutcome(t *testing.T) {
	b, _ := newTestBroker(t)

	start := time.Now()
	o, err := b.Render(context.Background(), blockingRequest("s1", "aud", "conv", time.Second))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if o.Completed || o.Source != SourceTimeout {
		t.Fatalf("expected timeout outcome, got %+v", o)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("timeout fired at %v, expected ~1s", elapsed)
	}
}

func TestNonBlockingNeverSuspends(t *testing.T) {
	b, _ := newTestBroker(t)

	req := blockingRequest("s1", "aud", "conv", 0)
	req.Blocking = false

	start := time.Now()
	o, err := b.Render(context.Background(), req)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if o.Source != SourceDispatched || o.InteractionID == "" {
		t.Fatalf("expected dispatched outcome, got %+v", o)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("non-blocking render took %v", elapsed)
	}
	if b.Len() != 0 {
		t.Fatal("non-blocking render must not register an interaction")
	}
}

func TestSubFloorTimeoutRejectedBeforePublish(t *testing.T) {
	b, bus := newTestBroker(t)

	sub, err := bus.Subscribe(context.Background(), "aud")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 200*time.Millisecond)); !errors.Is(err, ErrTimeoutTooSmall) {
		t.Fatalf("expected ErrTimeoutTooSmall, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if raw, err := sub.Next(ctx); err == nil {
		t.Fatalf("nothing should have been published, got %s", raw)
	}
}

func TestDuplicateKeyRejectedWhileLive(t *testing.T) {
	b, _ := newTestBroker(t)

	release := make(chan struct{})
	go func() {
		b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 30*time.Second))
		close(release)
	}()

	waitForInflight(t, b, 1)

	if _, err := b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 2*time.Second)); !errors.Is(err, ErrInteractionInFlight) {
		t.Fatalf("expected ErrInteractionInFlight, got %v", err)
	}

	// Resolving the first frees the key for the next interaction.
	if !b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "conv", Action: "ok"}) {
		t.Fatal("completion signal did not match")
	}
	<-release

	done := make(chan struct{})
	go func() {
		b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 30*time.Second))
		close(done)
	}()
	waitForInflight(t, b, 1)
	b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "conv", Action: "ok"})
	<-done
}

func TestDistinctKeysResolveIndependently(t *testing.T) {
	b, _ := newTestBroker(t)

	outcomes := make(chan *Outcome, 2)
	for _, conv := range []string{"a", "b"} {
		conv := conv
		go func() {
			o, err := b.Render(context.Background(), blockingRequest("s1", "aud", conv, 30*time.Second))
			if err != nil {
				t.Errorf("render %s failed: %v", conv, err)
			}
			outcomes <- o
		}()
	}
	waitForInflight(t, b, 2)

	// A signal for key b must not touch key a.
	if !b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "b", Action: "only-b"}) {
		t.Fatal("completion signal did not match")
	}

	select {
	case o := <-outcomes:
		if o.Action != "only-b" {
			t.Fatalf("wrong interaction resolved: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interaction b never resolved")
	}
	if b.Len() != 1 {
		t.Fatalf("interaction a should still be live, got %d in flight", b.Len())
	}

	b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "a", Action: "only-a"})
	select {
	case o := <-outcomes:
		if o.Action != "only-a" {
			t.Fatalf("wrong interaction resolved: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interaction a never resolved")
	}
}

func TestStaleSignalDropped(t *testing.T) {
	b, _ := newTestBroker(t)

	done := make(chan *Outcome, 1)
	go func() {
		o, _ := b.Render(context.Background(), blockingRequest("s1", "aud", "conv", 30*time.Second))
		done <- o
	}()
	waitForInflight(t, b, 1)

	// A signal carrying a different interaction id was meant for an earlier
	// question and must not resolve this one.
	if b.Complete(context.Background(), CompletionSignal{
		Audience: "aud", ConversationID: "conv", InteractionID: "stale-id", Action: "old",
	}) {
		t.Fatal("stale signal must not match")
	}
	if b.Len() != 1 {
		t.Fatal("stale signal must leave the interaction live")
	}

	b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "conv", Action: "fresh"})
	o := <-done
	if o.Action != "fresh" {
		t.Fatalf("unexpected outcome: %+v", o)
	}
}

func TestUnmatchedSignalDropped(t *testing.T) {
	b, _ := newTestBroker(t)
	if b.Complete(context.Background(), CompletionSignal{Audience: "aud", ConversationID: "nobody"}) {
		t.Fatal("signal with no live interaction must not match")
	}
}

func TestCancelSessionCascades(t *testing.T) {
	b, _ := newTestBroker(t)

	done := make(chan *Outcome, 2)
	for _, conv := range []string{"a", "b"} {
		conv := conv
		go func() {
			o, _ := b.Render(context.Background(), blockingRequest("victim", "aud", conv, 30*time.Second))
			done <- o
		}()
	}
	go func() {
		o, _ := b.Render(context.Background(), blockingRequest("survivor", "aud", "c", 30*time.Second))
		done <- o
	}()
	waitForInflight(t, b, 3)

	b.CancelSession("victim")

	for i := 0; i < 2; i++ {
		select {
		case o := <-done:
			if o.Completed || o.Source != SourceCancelled {
				t.Fatalf("expected cancelled outcome, got %+v", o)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("cascade did not resolve the session's interactions")
		}
	}
	if b.Len() != 1 {
		t.Fatalf("survivor session should still have a live interaction, got %d", b.Len())
	}
}

func TestContextCancelSettlesInteraction(t *testing.T) {
	b, _ := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	o, err := b.Render(ctx, blockingRequest("s1", "aud", "conv", 30*time.Second))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if o.Completed || o.Source != SourceCancelled {
		t.Fatalf("expected cancelled outcome, got %+v", o)
	}
	if b.Len() != 0 {
		t.Fatal("cancelled interaction must be removed")
	}
}

func waitForInflight(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Len() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d in-flight interactions, got %d", n, b.Len())
}
