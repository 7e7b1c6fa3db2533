package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/jsonrpc"
)

// ServerBinding is the RPC server instance a transport feeds inbound
// requests into. One binding exists per session.
type ServerBinding interface {
	// Handle processes a request that expects a reply and always returns one.
	Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	// HandleNotification processes a request that expects no reply.
	HandleNotification(ctx context.Context, req *jsonrpc.Request)
}

// ErrTransportClosed is returned by HandleInbound after Close.
var ErrTransportClosed = errors.New("transport closed")

// DefaultWaitDuration bounds request waits when no explicit policy is given.
const DefaultWaitDuration = 30 * time.Second

type waitKind int

const (
	waitKindDefault waitKind = iota
	waitKindExact
	waitKindForever
)

// Wait is the timeout policy for one inbound batch. The zero value means
// "use the transport default". The three cases are distinct kinds of intent:
// default (absent or 0), exact (positive) and indefinite (-1). The last
// never arms a timer at all.
type Wait struct {
	kind waitKind
	d    time.Duration
}

// WaitDefault waits for the transport's configured default duration.
func WaitDefault() Wait { return Wait{kind: waitKindDefault} }

// WaitFor waits exactly d. A non-positive d falls back to the default.
func WaitFor(d time.Duration) Wait {
	if d <= 0 {
		return WaitDefault()
	}
	return Wait{kind: waitKindExact, d: d}
}

// WaitForever disables the deadline: resolution happens only when every
// expected response has arrived or the transport closes.
func WaitForever() Wait { return Wait{kind: waitKindForever} }

// IsIndefinite reports whether the policy never arms a timer.
func (w Wait) IsIndefinite() bool { return w.kind == waitKindForever }

// duration resolves the timer duration under the given default. Zero means
// no timer.
func (w Wait) duration(def time.Duration) time.Duration {
	switch w.kind {
	case waitKindExact:
		return w.d
	case waitKindForever:
		return 0
	default:
		return def
	}
}

// ParseWait maps the wire form of the timeout policy onto a Wait: empty or
// "0" mean default, "-1" means indefinite, a positive integer is a duration
// in milliseconds.
func ParseWait(raw string) (Wait, error) {
	if raw == "" {
		return WaitDefault(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Wait{}, fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	switch {
	case ms == 0:
		return WaitDefault(), nil
	case ms == -1:
		return WaitForever(), nil
	case ms > 0:
		return WaitFor(time.Duration(ms) * time.Millisecond), nil
	default:
		return Wait{}, fmt.Errorf("invalid timeout %d: must be -1, 0 or positive", ms)
	}
}

// Outcome is the result of one inbound batch.
type Outcome struct {
	// Accepted is set when the batch carried nothing expecting a reply; the
	// caller should answer 202 with no body.
	Accepted bool
	// Responses are the collected replies in server completion order.
	Responses []*jsonrpc.Response
	// Expected is how many replies the batch asked for. When
	// len(Responses) < Expected the wait resolved early (timeout or close).
	Expected int
	// FromArray mirrors the inbound framing so the reply can match it.
	FromArray bool
}

// Complete reports whether every expected reply was collected.
func (o *Outcome) Complete() bool { return len(o.Responses) >= o.Expected }

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// WithDefaultWait overrides the default wait duration.
func WithDefaultWait(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.defaultWait = d
		}
	}
}

// WithOutboundBuffer sets the push-stream buffer size.
func WithOutboundBuffer(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.outboundCap = n
		}
	}
}

// Transport owns one session's message flow: it feeds inbound batches into
// the bound RPC server, correlates the server's replies back to the waiting
// caller, and pushes everything else onto the long-lived outbound stream.
type Transport struct {
	log         *slog.Logger
	binding     ServerBinding
	defaultWait time.Duration
	outboundCap int

	mu       sync.Mutex
	waits    map[*pendingWait]struct{}
	outbound chan jsonrpc.Message
	closed   bool
}

// NewTransport binds a transport to a server binding.
func NewTransport(binding ServerBinding, opts ...TransportOption) *Transport {
	t := &Transport{
		log:         slog.New(slog.DiscardHandler),
		binding:     binding,
		defaultWait: DefaultWaitDuration,
		outboundCap: 32,
		waits:       make(map[*pendingWait]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.outbound = make(chan jsonrpc.Message, t.outboundCap)
	return t
}

// HandleInbound parses payload into a batch, dispatches it into the bound
// server and waits for the correlated replies under the given policy.
// Parse failures of the whole payload are errors; per-entry failures become
// error responses in the outcome. Batches with nothing expecting a reply
// resolve immediately.
func (t *Transport) HandleInbound(ctx context.Context, payload []byte, wait Wait) (*Outcome, error) {
	batch, err := jsonrpc.ParseBatch(payload)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	// Inbound responses have no consumer on this server; correlation loss is
	// terminal, so log and drop.
	for _, res := range batch.Responses() {
		t.log.InfoContext(ctx, "response.inbound.drop", slog.String("id", res.ID.String()))
	}

	var awaited []*jsonrpc.Request
	for _, req := range batch.Requests() {
		if req.IsNotification() {
			t.binding.HandleNotification(ctx, req)
			continue
		}
		awaited = append(awaited, req)
	}

	outcome := &Outcome{Expected: len(awaited), FromArray: batch.FromArray}

	if len(awaited) == 0 {
		if len(batch.Malformed) > 0 {
			// Nothing to wait for, but the caller still gets its per-entry
			// parse errors back.
			outcome.Responses = batch.Malformed
			return outcome, nil
		}
		outcome.Accepted = true
		return outcome, nil
	}

	w := newPendingWait(t, awaited, batch.Malformed)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.waits[w] = struct{}{}
	t.mu.Unlock()

	if d := wait.duration(t.defaultWait); d > 0 {
		w.arm(d)
	}

	for _, req := range awaited {
		req := req
		go func() {
			res := t.binding.Handle(ctx, req)
			if res == nil {
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "no response produced", nil)
			}
			t.deliver(res)
		}()
	}

	select {
	case <-ctx.Done():
		w.resolve()
		return nil, ctx.Err()
	case <-w.done:
	}

	outcome.Responses = w.results()
	return outcome, nil
}

// deliver routes a server-produced response either into the pending wait
// that expects it or onto the outbound stream.
func (t *Transport) deliver(res *jsonrpc.Response) {
	t.mu.Lock()
	var target *pendingWait
	for w := range t.waits {
		if w.wants(res.ID.String()) {
			target = w
			break
		}
	}
	t.mu.Unlock()

	if target != nil && target.offer(res) {
		return
	}

	// No wait claims this id: the caller stopped waiting (timeout) or it was
	// never awaited. Push it over the long-lived stream instead.
	b, err := json.Marshal(res)
	if err != nil {
		t.log.Error("response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	t.PushOutbound(b)
}

// PushOutbound queues a message for the long-lived stream. With no open
// stream the buffer absorbs a burst; past that, messages are dropped. A
// missing subscriber is not an error.
func (t *Transport) PushOutbound(msg jsonrpc.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.outbound <- msg:
	default:
		t.log.Warn("outbound.drop")
	}
}

// Stream exposes the outbound push stream. The channel closes when the
// transport closes. Messages preserve server emission order.
func (t *Transport) Stream() <-chan jsonrpc.Message {
	return t.outbound
}

// Close resolves every outstanding wait with whatever it has collected,
// clears all timers and closes the outbound stream. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	waits := make([]*pendingWait, 0, len(t.waits))
	for w := range t.waits {
		waits = append(waits, w)
	}
	t.waits = make(map[*pendingWait]struct{})
	close(t.outbound)
	t.mu.Unlock()

	for _, w := range waits {
		w.resolve()
	}
}

func (t *Transport) removeWait(w *pendingWait) {
	t.mu.Lock()
	delete(t.waits, w)
	t.mu.Unlock()
}

// pendingWait tracks one inbound batch: which request ids still owe a reply,
// what has been collected so far (in completion order), and the deadline
// timer, if any. Resolution happens exactly once; every path through it
// stops the timer.
type pendingWait struct {
	t *Transport

	mu        sync.Mutex
	expected  map[string]struct{}
	collected []*jsonrpc.Response
	timer     *time.Timer
	resolved  bool

	done chan struct{}
}

func newPendingWait(t *Transport, awaited []*jsonrpc.Request, seed []*jsonrpc.Response) *pendingWait {
	w := &pendingWait{
		t:        t,
		expected: make(map[string]struct{}, len(awaited)),
		done:     make(chan struct{}),
	}
	for _, req := range awaited {
		w.expected[req.ID.String()] = struct{}{}
	}
	// Parse-error responses synthesized during batch decode ride along with
	// the real replies.
	w.collected = append(w.collected, seed...)
	return w
}

// arm starts the deadline timer. Firing resolves the wait with whatever has
// been collected; that is a legitimate outcome, not an error.
func (w *pendingWait) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return
	}
	w.timer = time.AfterFunc(d, w.resolve)
}

// wants reports whether the wait still expects a reply for id. Callers must
// treat it as advisory: offer re-checks under the lock.
func (w *pendingWait) wants(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return false
	}
	_, ok := w.expected[id]
	return ok
}

// offer hands a response to the wait. It returns false when the wait is
// resolved or does not expect the id, in which case the caller keeps
// ownership of the response.
func (w *pendingWait) offer(res *jsonrpc.Response) bool {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return false
	}
	id := res.ID.String()
	if _, ok := w.expected[id]; !ok {
		w.mu.Unlock()
		return false
	}
	delete(w.expected, id)
	w.collected = append(w.collected, res)
	complete := len(w.expected) == 0
	w.mu.Unlock()

	if complete {
		w.resolve()
	}
	return true
}

// resolve finishes the wait exactly once: stops the timer, wakes the caller
// and deregisters from the transport.
func (w *pendingWait) resolve() {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	w.t.removeWait(w)
}

func (w *pendingWait) results() []*jsonrpc.Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*jsonrpc.Response, len(w.collected))
	copy(out, w.collected)
	return out
}
