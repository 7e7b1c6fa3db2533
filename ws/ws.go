// Package ws is the human-facing side channel: a WebSocket endpoint that
// subscribes a browser to an audience channel and feeds completion frames
// back into the interaction broker, plus an HTTP intake for the same frames.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
	"github.com/ben-mad-jlp/claude-mermaid-collab/collab"
)

const writeDeadline = 10 * time.Second

// completionFrame is what a browser sends back when a human responds.
type completionFrame struct {
	ConversationID string          `json:"conversationId"`
	InteractionID  string          `json:"interactionId,omitempty"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithCheckOrigin overrides the upgrade origin check. The default accepts
// any origin, which fits a localhost collaboration tool.
func WithCheckOrigin(fn func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.checkOrigin = fn }
}

// Handler serves GET /ws and POST /api/respond.
type Handler struct {
	log         *slog.Logger
	bus         broadcast.Broadcaster
	broker      *collab.Broker
	checkOrigin func(r *http.Request) bool
}

// NewHandler builds the side-channel surface over bus and broker.
func NewHandler(bus broadcast.Broadcaster, broker *collab.Broker, opts ...HandlerOption) *Handler {
	h := &Handler{
		log:         slog.New(slog.DiscardHandler),
		bus:         bus,
		broker:      broker,
		checkOrigin: func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("POST /api/respond", h.handleRespond)
}

// handleWS upgrades the connection, pipes audience-channel events out and
// completion frames back in. The audience doubles as the rendezvous key's
// channel half, so frames from this socket carry it implicitly.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	audience := r.URL.Query().Get("channel")
	if audience == "" {
		audience = collab.DefaultAudience
	}

	sub, err := h.bus.Subscribe(r.Context(), audience)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		h.log.WarnContext(r.Context(), "ws.subscribe.fail", slog.String("channel", audience), slog.String("err", err.Error()))
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	h.log.InfoContext(r.Context(), "ws.open", slog.String("channel", audience))

	done := make(chan struct{})
	defer close(done)

	// Writer: audience channel -> socket.
	go func() {
		for {
			data, err := sub.Next(r.Context())
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			default:
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	// Reader: completion frames -> broker.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.log.InfoContext(r.Context(), "ws.close", slog.String("channel", audience))
			return
		}
		var frame completionFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.log.WarnContext(r.Context(), "ws.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		matched := h.broker.Complete(r.Context(), collab.CompletionSignal{
			Audience:       audience,
			ConversationID: frame.ConversationID,
			InteractionID:  frame.InteractionID,
			Action:         frame.Action,
			Data:           frame.Data,
		})
		h.log.InfoContext(r.Context(), "ws.frame", slog.Bool("matched", matched))
	}
}

// respondBody is the HTTP form of a completion frame; audience is explicit
// here because there is no socket to infer it from.
type respondBody struct {
	Audience       string          `json:"audience,omitempty"`
	ConversationID string          `json:"conversationId"`
	InteractionID  string          `json:"interactionId,omitempty"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// handleRespond accepts a completion signal over plain HTTP. Matched or
// dropped, the answer is 202: the signal's fate is not the sender's problem.
func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.ConversationID == "" || body.Action == "" {
		http.Error(w, "conversationId and action are required", http.StatusBadRequest)
		return
	}
	if body.Audience == "" {
		body.Audience = collab.DefaultAudience
	}

	matched := h.broker.Complete(r.Context(), collab.CompletionSignal{
		Audience:       body.Audience,
		ConversationID: body.ConversationID,
		InteractionID:  body.InteractionID,
		Action:         body.Action,
		Data:           body.Data,
	})
	h.log.InfoContext(r.Context(), "respond.intake", slog.Bool("matched", matched))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"matched": matched})
}
