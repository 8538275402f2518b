package synthesis

import (
	"context"
	"encoding/json"
)

// ToolHandler answers one tool invocation. input is the raw JSON arguments
// chosen by the model.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is a named callable the remote model may invoke.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Invoker runs a prompt against a reasoning backend, dispatching tool calls
// until the model produces a final answer.
type Invoker interface {
	Invoke(ctx context.Context, system string, tools []Tool, user string) (string, error)
}

// Session binds a system prompt and a fixed tool set to an Invoker.
type Session struct {
	invoker Invoker
	system  string
	tools   []Tool
}

// NewSession starts a session with no tools registered.
func NewSession(invoker Invoker, system string) *Session {
	return &Session{invoker: invoker, system: system}
}

// Register adds a tool. Registering a name twice replaces the earlier tool.
func (s *Session) Register(tool Tool) *Session {
	for i, existing := range s.tools {
		if existing.Name == tool.Name {
			s.tools[i] = tool
			return s
		}
	}
	s.tools = append(s.tools, tool)
	return s
}

// Tools returns the registered tool names in registration order.
func (s *Session) Tools() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}

// Run sends prompt and returns the model's final text.
func (s *Session) Run(ctx context.Context, prompt string) (string, error) {
	return s.invoker.Invoke(ctx, s.system, append([]Tool(nil), s.tools...), prompt)
}

// ObjectSchema builds a JSON schema for an object with string properties,
// plus optional integer properties.
func ObjectSchema(required []string, stringProps, intProps map[string]string) map[string]any {
	props := make(map[string]any, len(stringProps)+len(intProps))
	for name, desc := range stringProps {
		props[name] = map[string]any{"type": "string", "description": desc}
	}
	for name, desc := range intProps {
		props[name] = map[string]any{"type": "integer", "description": desc}
	}
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
