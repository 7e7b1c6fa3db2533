// Package collab implements the human-in-the-loop side of the server: a
// broker that publishes render requests to an audience channel and blocks
// until a human answers (or a deadline fires), plus the diagram store those
// requests draw from.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/logctx"
)

var (
	// ErrInteractionInFlight rejects a second blocking render on a key whose
	// first interaction has not resolved. Queueing would let a stale answer
	// satisfy the wrong question.
	ErrInteractionInFlight = errors.New("an interaction is already in flight for this key")
	// ErrTimeoutTooSmall rejects sub-floor blocking timeouts before anything
	// is published. A human cannot plausibly answer faster than the floor.
	ErrTimeoutTooSmall = errors.New("blocking timeout below minimum")
)

const (
	// MinBlockingTimeout is the floor for caller-supplied blocking timeouts.
	MinBlockingTimeout = time.Second
	// DefaultBlockingTimeout bounds blocking renders that specify no timeout.
	DefaultBlockingTimeout = 5 * time.Minute
)

// Outcome sources. Timeouts and cancellations are outcomes, not errors.
const (
	SourceExternal   = "external"   // a completion signal matched the interaction
	SourceTimeout    = "timeout"    // the deadline fired first
	SourceCancelled  = "cancelled"  // the owning session ended or the call was cancelled
	SourceDispatched = "dispatched" // non-blocking publish, nothing was awaited
)

// Key is the rendezvous key: which audience channel carries the request and
// which conversation it belongs to.
type Key struct {
	Audience       string
	ConversationID string
}

func (k Key) String() string { return k.Audience + "/" + k.ConversationID }

// RenderRequest describes one render publication.
type RenderRequest struct {
	// SessionID scopes the interaction for cascade teardown.
	SessionID      string
	Audience       string
	ConversationID string
	Payload        json.RawMessage
	// Blocking waits for a completion signal. Non-blocking publishes and
	// returns immediately.
	Blocking bool
	// Timeout bounds a blocking wait. Zero means DefaultBlockingTimeout.
	Timeout time.Duration
}

// Outcome is the terminal result of a render.
type Outcome struct {
	Completed     bool            `json:"completed"`
	Source        string          `json:"source"`
	Action        string          `json:"action,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	InteractionID string          `json:"interactionId"`
}

// CompletionSignal is a human answer arriving over a side channel.
type CompletionSignal struct {
	Audience       string          `json:"audience"`
	ConversationID string          `json:"conversationId"`
	InteractionID  string          `json:"interactionId"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// renderEvent is the wire shape published to the audience channel.
type renderEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	InteractionID  string          `json:"interactionId"`
	Blocking       bool            `json:"blocking"`
	Payload        json.RawMessage `json:"payload"`
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the broker's logger.
func WithBrokerLogger(log *slog.Logger) BrokerOption {
	return func(b *Broker) { b.log = log }
}

// WithDefaultBlockingTimeout overrides the default blocking timeout.
func WithDefaultBlockingTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d >= MinBlockingTimeout {
			b.defaultTimeout = d
		}
	}
}

// Broker publishes render requests through the broadcaster and rendezvouses
// completion signals back to the blocked caller by (key, interaction id).
// At most one interaction is live per key.
type Broker struct {
	log            *slog.Logger
	bus            broadcast.Broadcaster
	defaultTimeout time.Duration

	mu       sync.Mutex
	inflight map[Key]*interaction
}

// NewBroker constructs a broker over bus.
func NewBroker(bus broadcast.Broadcaster, opts ...BrokerOption) *Broker {
	b := &Broker{
		log:            slog.New(slog.DiscardHandler),
		bus:            bus,
		defaultTimeout: DefaultBlockingTimeout,
		inflight:       make(map[Key]*interaction),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// interaction is one live blocking render. Resolution happens exactly once;
// every path through it stops the timer.
type interaction struct {
	key       Key
	id        string
	sessionID string

	mu       sync.Mutex
	timer    *time.Timer
	resolved bool
	outcome  *Outcome

	done chan struct{}
}

func (it *interaction) arm(d time.Duration, fire func()) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.resolved {
		return
	}
	it.timer = time.AfterFunc(d, fire)
}

// resolve settles the interaction with o. It returns false when the
// interaction is already settled, in which case o is discarded.
func (it *interaction) resolve(o *Outcome) bool {
	it.mu.Lock()
	if it.resolved {
		it.mu.Unlock()
		return false
	}
	it.resolved = true
	it.outcome = o
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
	it.mu.Unlock()
	close(it.done)
	return true
}

// Render publishes a render request. Blocking renders suspend until a
// completion signal matches, the deadline fires, the context is cancelled or
// the owning session ends; all four settle the same Outcome exactly once.
func (b *Broker) Render(ctx context.Context, req RenderRequest) (*Outcome, error) {
	if req.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	id := uuid.NewString()
	ctx = logctx.WithInteractionData(ctx, &logctx.InteractionData{
		InteractionID:  id,
		Audience:       req.Audience,
		ConversationID: req.ConversationID,
	})

	if !req.Blocking {
		if err := b.publish(ctx, req, id); err != nil {
			return nil, err
		}
		b.log.InfoContext(ctx, "interaction.dispatch")
		return &Outcome{Source: SourceDispatched, InteractionID: id}, nil
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	if timeout < MinBlockingTimeout {
		return nil, fmt.Errorf("%w: %s < %s", ErrTimeoutTooSmall, timeout, MinBlockingTimeout)
	}

	key := Key{Audience: req.Audience, ConversationID: req.ConversationID}
	it := &interaction{key: key, id: id, sessionID: req.SessionID, done: make(chan struct{})}

	b.mu.Lock()
	if _, exists := b.inflight[key]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInteractionInFlight, key)
	}
	b.inflight[key] = it
	b.mu.Unlock()

	if err := b.publish(ctx, req, id); err != nil {
		b.remove(it)
		return nil, err
	}
	b.log.InfoContext(ctx, "interaction.start", slog.Duration("timeout", timeout))

	it.arm(timeout, func() {
		b.settle(it, &Outcome{Source: SourceTimeout, InteractionID: it.id})
	})

	select {
	case <-ctx.Done():
		b.settle(it, &Outcome{Source: SourceCancelled, InteractionID: it.id})
	case <-it.done:
	}

	o := it.outcome
	b.log.InfoContext(ctx, "interaction.end",
		slog.String("source", o.Source), slog.Bool("completed", o.Completed))
	return o, nil
}

func (b *Broker) publish(ctx context.Context, req RenderRequest, id string) error {
	data, err := json.Marshal(renderEvent{
		Type:           "render",
		ConversationID: req.ConversationID,
		InteractionID:  id,
		Blocking:       req.Blocking,
		Payload:        req.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode render event: %w", err)
	}
	if err := b.bus.Publish(ctx, req.Audience, data); err != nil {
		return fmt.Errorf("failed to publish render event: %w", err)
	}
	return nil
}

// Complete feeds an external completion signal into the broker. It reports
// whether the signal matched a live interaction; an unmatched or stale
// signal is logged and dropped, never an error.
func (b *Broker) Complete(ctx context.Context, sig CompletionSignal) bool {
	key := Key{Audience: sig.Audience, ConversationID: sig.ConversationID}

	b.mu.Lock()
	it, ok := b.inflight[key]
	b.mu.Unlock()

	if !ok {
		b.log.InfoContext(ctx, "interaction.signal.unmatched", slog.String("key", key.String()))
		return false
	}
	if sig.InteractionID != "" && sig.InteractionID != it.id {
		b.log.InfoContext(ctx, "interaction.signal.stale",
			slog.String("key", key.String()),
			slog.String("got", sig.InteractionID),
			slog.String("want", it.id))
		return false
	}

	return b.settle(it, &Outcome{
		Completed:     true,
		Source:        SourceExternal,
		Action:        sig.Action,
		Data:          sig.Data,
		InteractionID: it.id,
	})
}

// CancelSession settles every interaction owned by sessionID. Registered as
// a session terminate hook so teardown cascades into the broker.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var owned []*interaction
	for _, it := range b.inflight {
		if it.sessionID == sessionID {
			owned = append(owned, it)
		}
	}
	b.mu.Unlock()

	for _, it := range owned {
		b.settle(it, &Outcome{Source: SourceCancelled, InteractionID: it.id})
	}
}

// Close settles every live interaction as cancelled.
func (b *Broker) Close() {
	b.mu.Lock()
	all := make([]*interaction, 0, len(b.inflight))
	for _, it := range b.inflight {
		all = append(all, it)
	}
	b.mu.Unlock()

	for _, it := range all {
		b.settle(it, &Outcome{Source: SourceCancelled, InteractionID: it.id})
	}
}

// Len reports the number of live interactions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *Broker) settle(it *interaction, o *Outcome) bool {
	if !it.resolve(o) {
		return false
	}
	b.remove(it)
	return true
}

// remove drops it from the in-flight map if it still holds the key. A new
// interaction may have claimed the key since; that one stays.
func (b *Broker) remove(it *interaction) {
	b.mu.Lock()
	if cur, ok := b.inflight[it.key]; ok && cur == it {
		delete(b.inflight, it.key)
	}
	b.mu.Unlock()
}
