package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/jsonrpc"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
)

func mustRequest(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

func decodeResult(t *testing.T, res *jsonrpc.Response, out any) {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("unexpected error response: %s", res.Error)
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func TestInitializeNegotiation(t *testing.T) {
	srv := New(nil, WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "0.1"}), WithInstructions("hello"))

	cases := []struct {
		client string
		want   string
	}{
		{client: "2024-11-05", want: "2024-11-05"},
		{client: "2025-03-26", want: "2025-03-26"},
		{client: "1999-01-01", want: mcp.LatestProtocolVersion},
		{client: "", want: mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		t.Run(tc.client, func(t *testing.T) {
			b := srv.NewBinding("sess-1")
			req := mustRequest(t, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{ProtocolVersion: tc.client})
			res := b.Handle(context.Background(), req)

			var result mcp.InitializeResult
			decodeResult(t, res, &result)
			if result.ProtocolVersion != tc.want {
				t.Fatalf("negotiated %q, want %q", result.ProtocolVersion, tc.want)
			}
			if result.ServerInfo.Name != "test" || result.Instructions != "hello" {
				t.Fatalf("unexpected server info: %+v", result)
			}
			if result.Capabilities.Tools == nil {
				t.Fatal("tools capability missing")
			}
		})
	}
}

func TestPing(t *testing.T) {
	b := New(nil).NewBinding("sess-1")
	res := b.Handle(context.Background(), mustRequest(t, 7, string(mcp.PingMethod), nil))
	if res.Error != nil {
		t.Fatalf("ping failed: %s", res.Error)
	}
	if res.ID.String() != "7" {
		t.Fatalf("ping reply has wrong id %s", res.ID.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	b := New(nil).NewBinding("sess-1")
	res := b.Handle(context.Background(), mustRequest(t, 1, "no/such/method", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", res)
	}
}

func TestToolsListAndCall(t *testing.T) {
	type greetArgs struct {
		Name string `json:"name"`
	}
	tools := NewToolSet(NewTool("greet", func(ctx context.Context, session Session, args greetArgs) (*mcp.CallToolResult, error) {
		return TextResult("hello " + args.Name + " from " + session.SessionID()), nil
	}, WithToolDescription("Greets by name.")))

	b := New(tools).NewBinding("sess-9")

	var list mcp.ListToolsResult
	decodeResult(t, b.Handle(context.Background(), mustRequest(t, 1, string(mcp.ToolsListMethod), nil)), &list)
	if len(list.Tools) != 1 || list.Tools[0].Name != "greet" {
		t.Fatalf("unexpected tool list %+v", list.Tools)
	}
	if _, ok := list.Tools[0].InputSchema.Properties["name"]; !ok {
		t.Fatalf("schema missing name property: %+v", list.Tools[0].InputSchema)
	}

	call := mcp.CallToolRequestReceived{Name: "greet", Arguments: json.RawMessage(`{"name":"ada"}`)}
	var result mcp.CallToolResult
	decodeResult(t, b.Handle(context.Background(), mustRequest(t, 2, string(mcp.ToolsCallMethod), call)), &result)
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "hello ada from sess-9" {
		t.Fatalf("unexpected call result %+v", result)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	b := New(NewToolSet()).NewBinding("sess-1")
	call := mcp.CallToolRequestReceived{Name: "missing"}
	res := b.Handle(context.Background(), mustRequest(t, 2, string(mcp.ToolsCallMethod), call))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid-params for unknown tool, got %+v", res)
	}
}

func TestToolArgumentDecodingIsStrict(t *testing.T) {
	type args struct {
		Name string `json:"name"`
	}
	tools := NewToolSet(NewTool("strict", func(ctx context.Context, session Session, a args) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}))
	b := New(tools).NewBinding("sess-1")

	call := mcp.CallToolRequestReceived{Name: "strict", Arguments: json.RawMessage(`{"name":"x","extra":true}`)}
	var result mcp.CallToolResult
	decodeResult(t, b.Handle(context.Background(), mustRequest(t, 2, string(mcp.ToolsCallMethod), call)), &result)
	if !result.IsError {
		t.Fatalf("unknown argument fields must produce a tool error, got %+v", result)
	}
}

func TestInitializedNotificationMarksReady(t *testing.T) {
	b := New(nil).NewBinding("sess-1")
	note, err := jsonrpc.NewRequest(nil, string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	b.HandleNotification(context.Background(), note)

	b.mu.Lock()
	ready := b.initialized
	b.mu.Unlock()
	if !ready {
		t.Fatal("binding not marked initialized")
	}
}
