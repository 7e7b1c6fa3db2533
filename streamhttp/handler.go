// Package streamhttp implements the streamable HTTP transport: a single
// endpoint speaking JSON-RPC over POST with an SSE push stream over GET,
// sessions correlated by the Mcp-Session-Id header.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ben-mad-jlp/claude-mermaid-collab/auth"
	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/jsonrpc"
	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/logctx"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"
	timeoutQueryParam  = "timeout_ms"
)

// writeJSONError writes a machine-readable error body. The code is a stable
// string clients can branch on; the message is for humans.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithEndpoint sets the MCP endpoint path. Defaults to /mcp.
func WithEndpoint(path string) HandlerOption {
	return func(h *Handler) {
		if path != "" {
			h.endpoint = path
		}
	}
}

// WithAuthenticator enables bearer-token authentication on the endpoint.
func WithAuthenticator(a auth.Authenticator, realm string) HandlerOption {
	return func(h *Handler) {
		h.auth = a
		if realm != "" {
			h.realm = realm
		}
	}
}

// Handler serves the MCP endpoint over a session registry.
type Handler struct {
	log      *slog.Logger
	registry *Registry
	auth     auth.Authenticator
	realm    string
	endpoint string
	mux      *http.ServeMux
}

// NewHandler builds the HTTP surface over registry.
func NewHandler(registry *Registry, opts ...HandlerOption) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	h := &Handler{
		log:      slog.New(slog.DiscardHandler),
		registry: registry,
		realm:    "mcp",
		endpoint: "/mcp",
	}
	for _, opt := range opts {
		opt(h)
	}

	// Method patterns give us 405 with an Allow header for free.
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST "+h.endpoint, h.handlePost)
	h.mux.HandleFunc("GET "+h.endpoint, h.handleGet)
	h.mux.HandleFunc("DELETE "+h.endpoint, h.handleDelete)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// checkAuthentication applies the optional bearer check. With no
// authenticator configured the endpoint is open.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}

	tok := ""
	if ah := r.Header.Get("Authorization"); ah != "" {
		if rest, ok := strings.CutPrefix(ah, "Bearer "); ok {
			tok = rest
		}
	}

	_, err := h.auth.CheckAuthentication(r.Context(), tok)
	if err != nil {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", h.realm))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "valid bearer token required")
		h.log.InfoContext(r.Context(), "auth.reject", slog.String("err", err.Error()))
		return false
	}
	return true
}

// handlePost accepts an inbound batch. Without a session header the batch
// must be a lone initialize request, which creates the session.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
		return
	}
	if !h.checkAuthentication(w, r) {
		return
	}

	wait, err := ParseWait(r.URL.Query().Get(timeoutQueryParam))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_timeout", err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	var sess *Session
	if sessionID == "" {
		sess, err = h.initializeSession(ctx, body)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session_not_found", err.Error())
			h.log.InfoContext(ctx, "session.init.reject", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, sess.ID())
	} else {
		sess, err = h.registry.Lookup(ctx, sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	outcome, err := sess.Transport().HandleInbound(ctx, body, wait)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransportClosed):
			writeJSONError(w, http.StatusNotFound, "session_not_found", "session not found")
		case ctx.Err() != nil:
			// Client went away; nothing useful to write.
		default:
			writeJSONError(w, http.StatusBadRequest, "parse_error", err.Error())
		}
		return
	}

	if outcome.Accepted {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	// Framing mirrors the request: an array in gets an array back, a single
	// request gets a bare response. A single request that produced nothing
	// before the deadline gets an empty array, the only unambiguous way to
	// say "no reply yet" in JSON.
	if !outcome.FromArray && len(outcome.Responses) == 1 {
		_ = enc.Encode(outcome.Responses[0])
	} else {
		if outcome.Responses == nil {
			outcome.Responses = []*jsonrpc.Response{}
		}
		_ = enc.Encode(outcome.Responses)
	}
	h.log.InfoContext(ctx, "http.post.ok",
		slog.Int("expected", outcome.Expected),
		slog.Int("got", len(outcome.Responses)),
		slog.Bool("complete", outcome.Complete()),
		slog.Duration("dur", time.Since(start)))
}

// initializeSession validates that body is a lone initialize request and
// creates a session for it. Anything else is indistinguishable from a lost
// session and reported the same way.
func (h *Handler) initializeSession(ctx context.Context, body []byte) (*Session, error) {
	batch, err := jsonrpc.ParseBatch(body)
	if err != nil {
		return nil, fmt.Errorf("expected initialize request")
	}
	reqs := batch.Requests()
	if batch.FromArray || len(batch.Malformed) > 0 || len(reqs) != 1 ||
		reqs[0].IsNotification() || mcp.Method(reqs[0].Method) != mcp.InitializeMethod {
		return nil, fmt.Errorf("expected initialize request")
	}
	return h.registry.Initialize(ctx)
}

// handleGet opens the session's long-lived SSE stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "accept must include text/event-stream")
		return
	}
	if !h.checkAuthentication(w, r) {
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_session_id", "Mcp-Session-Id header is required")
		return
	}
	sess, err := h.registry.Lookup(ctx, sessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	h.log.InfoContext(ctx, "http.stream.open")

	wf := &lockedWriteFlusher{Writer: w, Flusher: fl, ctx: ctx}
	seq := 0
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "http.stream.close", slog.String("reason", "client"))
			return
		case msg, ok := <-sess.Transport().Stream():
			if !ok {
				h.log.InfoContext(ctx, "http.stream.close", slog.String("reason", "session"))
				return
			}
			seq++
			if err := writeSSEEvent(wf, fmt.Sprintf("%d", seq), msg); err != nil {
				h.log.InfoContext(ctx, "http.stream.close", slog.String("reason", "write"), slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleDelete terminates a session. Deleting an absent session still
// answers 204: the session is gone either way.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if !h.checkAuthentication(w, r) {
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_session_id", "Mcp-Session-Id header is required")
		return
	}

	h.registry.Terminate(ctx, sessionID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// lockedWriteFlusher serializes writes to the SSE stream and refuses them
// once the request context is cancelled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
