package streamhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/logctx"
	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/sessionsign"
)

// ErrSessionNotFound is returned when a session id does not resolve to a
// live session: unknown, evicted, terminated or forged all look the same to
// the caller, who recovers by reinitializing.
var ErrSessionNotFound = errors.New("session not found")

const (
	// DefaultIdleTimeout is how long a session may go without accepted
	// requests before the sweep evicts it.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval is the cadence of the eviction sweep.
	DefaultSweepInterval = time.Minute
)

// Session is one client conversation: an opaque signed id, the transport
// that owns its message flow, and the RPC server instance bound to it.
// Identity is fixed at creation; only lastActivity mutates afterwards.
type Session struct {
	id        string
	transport *Transport
	binding   ServerBinding
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Transport returns the session's transport.
func (s *Session) Transport() *Transport { return s.transport }

// Binding returns the session's RPC server instance.
func (s *Session) Binding() ServerBinding { return s.binding }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	// Last writer wins; a sweep racing an accept on the same id is settled
	// by the terminate path being idempotent.
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// BindingFactory builds the per-session RPC server instance.
type BindingFactory func(sessionID string) ServerBinding

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithIdleTimeout sets the idle eviction threshold.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithSweepInterval sets the sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithTransportOptions forwards options to every session transport.
func WithTransportOptions(opts ...TransportOption) RegistryOption {
	return func(r *Registry) { r.transportOpts = opts }
}

// WithTerminateHook registers fn to run whenever a session ends, however it
// ends. Hooks carry the teardown cascade to collaborators that hold state
// keyed by session (the interaction broker, for one).
func WithTerminateHook(fn func(sessionID string)) RegistryOption {
	return func(r *Registry) { r.terminateHooks = append(r.terminateHooks, fn) }
}

// Registry owns the session map. Sessions are created on initialization,
// refreshed on every accepted request, evicted by the sweep when idle and
// torn down on explicit termination. An evicted id never resolves again:
// ids are minted once and never reused.
type Registry struct {
	log            *slog.Logger
	signer         *sessionsign.Signer
	newBinding     BindingFactory
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	transportOpts  []TransportOption
	terminateHooks []func(sessionID string)

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry constructs a registry and starts its sweep loop.
func NewRegistry(newBinding BindingFactory, opts ...RegistryOption) (*Registry, error) {
	if newBinding == nil {
		return nil, fmt.Errorf("binding factory is required")
	}
	signer, err := sessionsign.NewEphemeral()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		log:           slog.New(slog.DiscardHandler),
		signer:        signer,
		newBinding:    newBinding,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		sessions:      make(map[string]*Session),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.sweepLoop()
	return r, nil
}

// Initialize creates a new session with a freshly minted id and a fresh
// transport bound to a fresh server instance.
func (r *Registry) Initialize(ctx context.Context) (*Session, error) {
	id, err := r.signer.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to mint session id: %w", err)
	}

	now := time.Now()
	sess := &Session{
		id:        id,
		binding:   r.newBinding(id),
		createdAt: now,
	}
	sess.transport = NewTransport(sess.binding, append([]TransportOption{WithTransportLogger(r.log)}, r.transportOpts...)...)
	sess.lastActivity = now

	r.mu.Lock()
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id}),
		"session.create", slog.Int("live", count))
	return sess, nil
}

// Lookup resolves a session id and refreshes its activity timestamp. A
// forged, unknown or evicted id is ErrSessionNotFound.
func (r *Registry) Lookup(ctx context.Context, id string) (*Session, error) {
	if err := r.signer.Verify(id); err != nil {
		r.log.InfoContext(ctx, "session.id.invalid", slog.String("err", err.Error()))
		return nil, ErrSessionNotFound
	}

	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.touch(time.Now())
	return sess, nil
}

// Terminate ends a session. Terminating an id that is absent (never existed,
// already terminated, already swept) succeeds silently: the session is in
// the desired end state either way.
func (r *Registry) Terminate(ctx context.Context, id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.teardown(ctx, sess, "terminate")
}

// Close ends the sweep loop and every live session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		r.teardown(context.Background(), sess, "shutdown")
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// teardown closes the transport (resolving every outstanding wait) and runs
// the terminate hooks. Safe to call at most once per session; callers
// guarantee that by removing the session from the map first.
func (r *Registry) teardown(ctx context.Context, sess *Session, reason string) {
	sess.transport.Close()
	for _, hook := range r.terminateHooks {
		hook(sess.id)
	}
	r.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id}),
		"session.end", slog.String("reason", reason))
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep evicts every session idle beyond the threshold, through the same
// path as explicit termination.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var evict []*Session
	for id, sess := range r.sessions {
		if sess.idleSince(now) > r.idleTimeout {
			delete(r.sessions, id)
			evict = append(evict, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range evict {
		r.teardown(context.Background(), sess, "idle")
	}
	if len(evict) > 0 {
		r.log.Info("session.sweep", slog.Int("evicted", len(evict)))
	}
}
