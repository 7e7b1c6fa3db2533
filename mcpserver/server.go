// Package mcpserver implements the RPC server this transport binds to: a
// method dispatcher over the MCP lifecycle plus a registry of typed tools.
// Each session gets its own Binding so handshake state never leaks across
// sessions.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/jsonrpc"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its bindings. If not
// provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithInstructions sets the instruction text surfaced during initialization.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithServerInfo overrides the advertised implementation info.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Server) { s.info = info }
}

// Server holds the shared configuration and tool surface. It is safe for
// concurrent use; per-session state lives on Binding.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	tools        *ToolSet
}

// New constructs a Server around a tool set.
func New(tools *ToolSet, opts ...Option) *Server {
	s := &Server{
		info:  mcp.ImplementationInfo{Name: "mermaid-collab", Version: "dev"},
		log:   slog.New(slog.DiscardHandler),
		tools: tools,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tools == nil {
		s.tools = NewToolSet()
	}
	return s
}

// NewBinding creates the per-session server instance for sessionID.
func (s *Server) NewBinding(sessionID string) *Binding {
	return &Binding{srv: s, sessionID: sessionID}
}

// Binding is one session's view of the server. It implements the transport's
// ServerBinding contract and the Session interface handed to tool handlers.
type Binding struct {
	srv       *Server
	sessionID string

	mu          sync.Mutex
	initialized bool
}

// SessionID implements Session.
func (b *Binding) SessionID() string { return b.sessionID }

// Handle processes one request and always produces a response. Handler
// panics are not recovered here; the transport owns the goroutine.
func (b *Binding) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return b.handleInitialize(req)
	case mcp.PingMethod:
		res, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		return res
	case mcp.ToolsListMethod:
		return b.handleToolsList(req)
	case mcp.ToolsCallMethod:
		return b.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// HandleNotification processes a request that expects no reply.
func (b *Binding) HandleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		b.mu.Lock()
		b.initialized = true
		b.mu.Unlock()
		b.srv.log.InfoContext(ctx, "session.ready")
	case mcp.CancelledNotificationMethod:
		b.srv.log.InfoContext(ctx, "rpc.cancelled")
	default:
		b.srv.log.InfoContext(ctx, "notification.ignored", slog.String("method", req.Method))
	}
}

func (b *Binding) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	// Echo a known client version; otherwise answer with ours and let the
	// client decide whether to proceed.
	version := mcp.LatestProtocolVersion
	switch initReq.ProtocolVersion {
	case "2024-11-05", "2025-03-26", "2025-06-18":
		version = initReq.ProtocolVersion
	}

	result := mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: false},
		},
		ServerInfo:   b.srv.info,
		Instructions: b.srv.instructions,
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize result", nil)
	}
	return res
}

func (b *Binding) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	result := mcp.ListToolsResult{Tools: b.srv.tools.List()}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tools list", nil)
	}
	return res
}

func (b *Binding) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var callReq mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &callReq); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	b.srv.log.InfoContext(ctx, "tool.call.start", slog.String("tool", callReq.Name))

	result, err := b.srv.tools.Call(ctx, b, &callReq)
	if err != nil {
		b.srv.log.WarnContext(ctx, "tool.call.fail", slog.String("tool", callReq.Name), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result", nil)
	}
	b.srv.log.InfoContext(ctx, "tool.call.ok", slog.String("tool", callReq.Name))
	return res
}
