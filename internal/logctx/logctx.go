// Package logctx decorates slog records with request, session and
// interaction attributes carried on the context, so call sites can log
// terse event names without re-threading identifiers.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
		))
	}

	if id, ok := ctx.Value(interactionDataKey{}).(*InteractionData); ok {
		r.AddAttrs(slog.Group("interaction",
			slog.String("id", id.InteractionID),
			slog.String("audience", id.Audience),
			slog.String("conversation", id.ConversationID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type interactionDataKey struct{}

type InteractionData struct {
	InteractionID  string
	Audience       string
	ConversationID string
}

func WithInteractionData(ctx context.Context, data *InteractionData) context.Context {
	return context.WithValue(ctx, interactionDataKey{}, data)
}
