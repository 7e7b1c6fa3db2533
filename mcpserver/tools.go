package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
	"github.com/invopop/jsonschema"
)

// Session exposes the calling session's identity to tool handlers.
type Session interface {
	SessionID() string
}

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are allowed. When false (default) the schema sets additionalProperties=false
// and decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. The input
// schema is reflected from A's struct tags and arguments are decoded
// strictly unless configured otherwise. Argument decode failures surface as
// tool errors, not protocol errors.
func NewTool[A any](name string, fn func(ctx context.Context, session Session, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, session, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// Errorf builds a tool-level error result.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// TextResult builds a plain text success result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// down-converts it to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map onto the MCP input schema shape.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema node onto the
// simplified MCP property shape.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolSet owns a mutable, threadsafe set of tool descriptors and handlers.
type ToolSet struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

// NewToolSet constructs a ToolSet with the given tool definitions.
func NewToolSet(defs ...StaticTool) *ToolSet {
	ts := &ToolSet{handlers: make(map[string]ToolHandler)}
	ts.Register(defs...)
	return ts
}

// Register adds tools, replacing any existing tool of the same name.
func (ts *ToolSet) Register(defs ...StaticTool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, def := range defs {
		if _, exists := ts.handlers[def.Descriptor.Name]; exists {
			for i := range ts.tools {
				if ts.tools[i].Name == def.Descriptor.Name {
					ts.tools[i] = def.Descriptor
					break
				}
			}
		} else {
			ts.tools = append(ts.tools, def.Descriptor)
		}
		ts.handlers[def.Descriptor.Name] = def.Handler
	}
}

// List returns the registered tool descriptors in registration order.
func (ts *ToolSet) List() []mcp.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]mcp.Tool, len(ts.tools))
	copy(out, ts.tools)
	return out
}

// ErrUnknownTool is returned by Call for a name with no registered handler.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Call dispatches a tool invocation to its handler.
func (ts *ToolSet) Call(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	ts.mu.RLock()
	handler, ok := ts.handlers[req.Name]
	ts.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}
	return handler(ctx, session, req)
}
