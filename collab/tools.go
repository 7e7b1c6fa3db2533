package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcpserver"
)

// DefaultAudience is the channel used when a tool call names none.
const DefaultAudience = "default"

type renderDiagramArgs struct {
	Diagram        string `json:"diagram" jsonschema:"description=Mermaid source to render"`
	Title          string `json:"title,omitempty" jsonschema:"description=Optional title shown with the diagram"`
	Audience       string `json:"audience,omitempty" jsonschema:"description=Audience channel to publish to (default: default)"`
	ConversationID string `json:"conversationId" jsonschema:"description=Conversation the render belongs to"`
	Blocking       *bool  `json:"blocking,omitempty" jsonschema:"description=Wait for a human response (default: true)"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty" jsonschema:"description=Blocking wait bound in milliseconds (minimum 1000)"`
}

type saveDiagramArgs struct {
	Name    string `json:"name" jsonschema:"description=Diagram name"`
	Content string `json:"content" jsonschema:"description=Mermaid source"`
}

type getDiagramArgs struct {
	Name string `json:"name" jsonschema:"description=Diagram name"`
}

type listDiagramsArgs struct{}

type deleteDiagramArgs struct {
	Name string `json:"name" jsonschema:"description=Diagram name"`
}

// renderPayload is the payload carried inside the published render event.
type renderPayload struct {
	Diagram string `json:"diagram"`
	Title   string `json:"title,omitempty"`
}

// Tools builds the MCP tool surface over the broker and diagram store.
func Tools(broker *Broker, store *DiagramStore) []mcpserver.StaticTool {
	return []mcpserver.StaticTool{
		mcpserver.NewTool("render_diagram", renderDiagram(broker),
			mcpserver.WithToolDescription("Render a Mermaid diagram to a human audience and, by default, wait for their response.")),
		mcpserver.NewTool("save_diagram", saveDiagram(store),
			mcpserver.WithToolDescription("Save a named Mermaid diagram.")),
		mcpserver.NewTool("get_diagram", getDiagram(store),
			mcpserver.WithToolDescription("Fetch a saved Mermaid diagram by name.")),
		mcpserver.NewTool("list_diagrams", listDiagrams(store),
			mcpserver.WithToolDescription("List saved Mermaid diagrams.")),
		mcpserver.NewTool("delete_diagram", deleteDiagram(store),
			mcpserver.WithToolDescription("Delete a saved Mermaid diagram.")),
	}
}

func renderDiagram(broker *Broker) func(ctx context.Context, session mcpserver.Session, args renderDiagramArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, session mcpserver.Session, args renderDiagramArgs) (*mcp.CallToolResult, error) {
		if args.Diagram == "" {
			return mcpserver.Errorf("diagram is required"), nil
		}
		if args.ConversationID == "" {
			return mcpserver.Errorf("conversationId is required"), nil
		}
		audience := args.Audience
		if audience == "" {
			audience = DefaultAudience
		}
		blocking := true
		if args.Blocking != nil {
			blocking = *args.Blocking
		}

		payload, err := json.Marshal(renderPayload{Diagram: args.Diagram, Title: args.Title})
		if err != nil {
			return nil, fmt.Errorf("failed to encode render payload: %w", err)
		}

		outcome, err := broker.Render(ctx, RenderRequest{
			SessionID:      session.SessionID(),
			Audience:       audience,
			ConversationID: args.ConversationID,
			Payload:        payload,
			Blocking:       blocking,
			Timeout:        time.Duration(args.TimeoutMs) * time.Millisecond,
		})
		switch {
		case errors.Is(err, ErrTimeoutTooSmall), errors.Is(err, ErrInteractionInFlight):
			return mcpserver.Errorf("%v", err), nil
		case err != nil:
			return nil, err
		}

		summary := fmt.Sprintf("render %s: source=%s completed=%t", outcome.InteractionID, outcome.Source, outcome.Completed)
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{mcp.TextContent(summary)},
			StructuredContent: outcome,
		}, nil
	}
}

func saveDiagram(store *DiagramStore) func(ctx context.Context, session mcpserver.Session, args saveDiagramArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, session mcpserver.Session, args saveDiagramArgs) (*mcp.CallToolResult, error) {
		if args.Name == "" || args.Content == "" {
			return mcpserver.Errorf("name and content are required"), nil
		}
		if err := store.Save(ctx, args.Name, args.Content); err != nil {
			return mcpserver.Errorf("%v", err), nil
		}
		return mcpserver.TextResult(fmt.Sprintf("saved diagram %q", args.Name)), nil
	}
}

func getDiagram(store *DiagramStore) func(ctx context.Context, session mcpserver.Session, args getDiagramArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, session mcpserver.Session, args getDiagramArgs) (*mcp.CallToolResult, error) {
		d, err := store.Get(args.Name)
		if err != nil {
			return mcpserver.Errorf("%v", err), nil
		}
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{mcp.TextContent(d.Content)},
			StructuredContent: d,
		}, nil
	}
}

func listDiagrams(store *DiagramStore) func(ctx context.Context, session mcpserver.Session, args listDiagramsArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, session mcpserver.Session, args listDiagramsArgs) (*mcp.CallToolResult, error) {
		diagrams := store.List()
		names := make([]string, len(diagrams))
		for i, d := range diagrams {
			names[i] = d.Name
		}
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("%d diagrams", len(names)))},
			StructuredContent: map[string]any{"diagrams": names},
		}, nil
	}
}

func deleteDiagram(store *DiagramStore) func(ctx context.Context, session mcpserver.Session, args deleteDiagramArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, session mcpserver.Session, args deleteDiagramArgs) (*mcp.CallToolResult, error) {
		if err := store.Delete(ctx, args.Name); err != nil {
			return mcpserver.Errorf("%v", err), nil
		}
		return mcpserver.TextResult(fmt.Sprintf("deleted diagram %q", args.Name)), nil
	}
}
