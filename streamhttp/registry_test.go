package streamhttp

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(func(sessionID string) ServerBinding { return &testBinding{} }, opts...)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestInitializeMintsUniqueIDs(t *testing.T) {
	r := newTestRegistry(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		sess, err := r.Initialize(context.Background())
		if err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
		if seen[sess.ID()] {
			t.Fatalf("duplicate session id %q", sess.ID())
		}
		seen[sess.ID()] = true
	}
	if r.Len() != 50 {
		t.Fatalf("expected 50 live sessions, got %d", r.Len())
	}
}

func TestLookupRejectsForgedAndUnknownIDs(t *testing.T) {
	r := newTestRegistry(t)

	sess, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if _, err := r.Lookup(context.Background(), sess.ID()); err != nil {
		t.Fatalf("lookup of live session failed: %v", err)
	}
	if _, err := r.Lookup(context.Background(), "not-a-signed-id"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for forged id, got %v", err)
	}

	// Another registry's ids verify against a different key.
	other := newTestRegistry(t)
	foreign, err := other.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := r.Lookup(context.Background(), foreign.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for foreign id, got %v", err)
	}
}

func TestTerminateIsIdempotentAndFinal(t *testing.T) {
	var mu sync.Mutex
	var hooked []string
	r := newTestRegistry(t, WithTerminateHook(func(sessionID string) {
		mu.Lock()
		hooked = append(hooked, sessionID)
		mu.Unlock()
	}))

	sess, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	r.Terminate(context.Background(), sess.ID())
	r.Terminate(context.Background(), sess.ID())
	r.Terminate(context.Background(), "never-existed")

	if _, err := r.Lookup(context.Background(), sess.ID()); err != ErrSessionNotFound {
		t.Fatalf("terminated session must not resolve, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 || hooked[0] != sess.ID() {
		t.Fatalf("expected exactly one hook call for %q, got %v", sess.ID(), hooked)
	}

	// The transport is closed, so the stream has ended.
	select {
	case _, ok := <-sess.Transport().Stream():
		if ok {
			t.Fatal("expected closed stream after terminate")
		}
	case <-time.After(time.Second):
		t.Fatal("stream still open after terminate")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	r := newTestRegistry(t, WithIdleTimeout(50*time.Millisecond))

	idle, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	active, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	// Refresh only one of the two, then sweep.
	if _, err := r.Lookup(context.Background(), active.ID()); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	r.sweep(time.Now())

	if _, err := r.Lookup(context.Background(), idle.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected idle session to be evicted, got %v", err)
	}
	if _, err := r.Lookup(context.Background(), active.ID()); err != nil {
		t.Fatalf("active session must survive the sweep: %v", err)
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	r, err := NewRegistry(func(sessionID string) ServerBinding { return &testBinding{} })
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	sess, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	r.Close()
	r.Close()

	if r.Len() != 0 {
		t.Fatalf("expected no live sessions after close, got %d", r.Len())
	}
	if _, err := sess.Transport().HandleInbound(context.Background(), []byte(request(1, "x")), WaitDefault()); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed after close, got %v", err)
	}
}
