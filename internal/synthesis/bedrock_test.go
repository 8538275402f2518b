package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ariastack/aria-engine/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// scriptedTransport replays canned responses and records request bodies.
type scriptedTransport struct {
	label     string
	responses []string
	err       error
	requests  []messagesRequest
	models    []string
}

func (s *scriptedTransport) name() string { return s.label }

func (s *scriptedTransport) invoke(_ context.Context, modelID string, body []byte) ([]byte, error) {
	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	s.requests = append(s.requests, req)
	s.models = append(s.models, modelID)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return []byte(next), nil
}

func newScriptedClient(transports ...transport) *BedrockClient {
	c := NewBedrockClient(context.Background(), config.BedrockConfig{ModelID: "reasoner", CopilotModelID: "copilot"}, false, nil)
	c.enabled = true
	c.transports = transports
	return c
}

func TestBedrockDisabled(t *testing.T) {
	c := NewBedrockClient(context.Background(), config.BedrockConfig{}, false, nil)
	if c.Enabled() {
		t.Fatalf("disabled client reports enabled")
	}
	if _, err := c.Invoke(context.Background(), "s", nil, "u"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := c.Chat(context.Background(), "s", nil, "u"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestBedrockInvokeToolLoop(t *testing.T) {
	tr := &scriptedTransport{label: "fake", responses: []string{
		`{"stop_reason":"tool_use","content":[{"type":"text","text":"calling"},{"type":"tool_use","id":"t1","name":"fetch_datadog_logs","input":{"service":"payment-svc"}}]}`,
		`{"stop_reason":"end_turn","content":[{"type":"text","text":"{\"ok\":true}"}]}`,
	}}
	c := newScriptedClient(tr)

	var gotInput string
	tool := Tool{
		Name: "fetch_datadog_logs",
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			gotInput = string(input)
			return `{"topErrors":[]}`, nil
		},
	}
	out, err := c.Invoke(context.Background(), "system", []Tool{tool}, "investigate")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected final text %q", out)
	}
	if gotInput != `{"service":"payment-svc"}` {
		t.Fatalf("handler got %q", gotInput)
	}
	if len(tr.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(tr.requests))
	}
	first := tr.requests[0]
	if first.AnthropicVersion != "bedrock-2023-05-31" || first.MaxTokens != 1200 || first.Temperature != 0.1 {
		t.Fatalf("unexpected request envelope %+v", first)
	}
	if len(first.Tools) != 1 || first.Tools[0].InputSchema["type"] != "object" {
		t.Fatalf("tool spec missing schema: %+v", first.Tools)
	}
	second := tr.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("expected user, assistant, tool_result turns, got %d", len(second.Messages))
	}
	result := second.Messages[2].Content[0]
	if result.Type != "tool_result" || result.ToolUseID != "t1" || result.Content != `{"topErrors":[]}` {
		t.Fatalf("unexpected tool result block %+v", result)
	}
}

func TestBedrockInvokeUnknownToolReportsError(t *testing.T) {
	tr := &scriptedTransport{label: "fake", responses: []string{
		`{"stop_reason":"tool_use","content":[{"type":"tool_use","id":"t1","name":"drop_tables","input":{}}]}`,
		`{"stop_reason":"end_turn","content":[{"type":"text","text":"sorry"}]}`,
	}}
	c := newScriptedClient(tr)
	if _, err := c.Invoke(context.Background(), "s", nil, "u"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	block := tr.requests[1].Messages[2].Content[0]
	if !block.IsError || !strings.Contains(block.Content, "drop_tables") {
		t.Fatalf("expected error tool result, got %+v", block)
	}
}

func TestBedrockInvokeStopsAfterMaxTurns(t *testing.T) {
	loop := `{"stop_reason":"tool_use","content":[{"type":"tool_use","id":"t","name":"x","input":{}}]}`
	responses := make([]string, maxToolTurns)
	for i := range responses {
		responses[i] = loop
	}
	c := newScriptedClient(&scriptedTransport{label: "fake", responses: responses})
	tool := Tool{Name: "x", Handler: func(context.Context, json.RawMessage) (string, error) { return "again", nil }}
	if _, err := c.Invoke(context.Background(), "s", []Tool{tool}, "u"); err == nil || !strings.Contains(err.Error(), "tool loop exceeded") {
		t.Fatalf("expected loop bound error, got %v", err)
	}
}

func TestBedrockFallsBackToSecondTransport(t *testing.T) {
	broken := &scriptedTransport{label: "iam", err: errors.New("no credentials")}
	ok := &scriptedTransport{label: "bearer", responses: []string{`{"stop_reason":"end_turn","content":[{"type":"text","text":"hi"}]}`}}
	c := newScriptedClient(broken, ok)
	out, err := c.Invoke(context.Background(), "s", nil, "u")
	if err != nil || out != "hi" {
		t.Fatalf("expected fallback answer, got %q %v", out, err)
	}

	c = newScriptedClient(&scriptedTransport{label: "iam", err: errors.New("denied")})
	if _, err := c.Invoke(context.Background(), "s", nil, "u"); err == nil || !strings.Contains(err.Error(), "iam (denied)") {
		t.Fatalf("expected joined failure, got %v", err)
	}
}

func TestBedrockSynthesizeRCA(t *testing.T) {
	tr := &scriptedTransport{label: "fake", responses: []string{
		`{"stop_reason":"end_turn","content":[{"type":"text","text":"Analysis:\n{\"hypotheses\":[],\"confidence\":0.5} done"}]}`,
	}}
	c := newScriptedClient(tr)
	out, err := c.SynthesizeRCA(context.Background(), map[string]any{"service": "payment-svc"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out != `{"hypotheses":[],"confidence":0.5}` {
		t.Fatalf("unexpected object %q", out)
	}
	req := tr.requests[0]
	if !strings.Contains(req.System, "root-cause analyst") || !strings.Contains(req.Messages[0].Content[0].Text, `"service": "payment-svc"`) {
		t.Fatalf("unexpected prompt %+v", req)
	}

	tr.responses = []string{`{"stop_reason":"end_turn","content":[{"type":"text","text":"no json"}]}`}
	if _, err := c.SynthesizeRCA(context.Background(), nil); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}

func TestBedrockChatTrimsHistory(t *testing.T) {
	tr := &scriptedTransport{label: "fake", responses: []string{`{"stop_reason":"end_turn","content":[{"type":"text","text":"answer"}]}`}}
	c := newScriptedClient(tr)
	history := make([]ChatTurn, 12)
	for i := range history {
		history[i] = ChatTurn{Role: "user", Content: "turn"}
	}
	history[11] = ChatTurn{Role: "assistant", Content: "last"}

	out, err := c.Chat(context.Background(), "copilot system", history, "what happened?")
	if err != nil || out != "answer" {
		t.Fatalf("chat: %q %v", out, err)
	}
	req := tr.requests[0]
	if tr.models[0] != "copilot" {
		t.Fatalf("chat should use the copilot model, got %s", tr.models[0])
	}
	if len(req.Messages) != 9 || req.MaxTokens != 600 || req.Temperature != 0.2 {
		t.Fatalf("unexpected chat request: %d messages, %+v", len(req.Messages), req)
	}
	if req.Messages[7].Role != "assistant" {
		t.Fatalf("history order lost")
	}
}

func TestBearerTransport(t *testing.T) {
	var gotURL, gotAuth string
	tr := &bearerTransport{
		baseURL: "https://bedrock-runtime.us-east-1.amazonaws.com",
		apiKey:  "secret",
		httpClient: &http.Client{Timeout: time.Second, Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			gotURL = req.URL.String()
			gotAuth = req.Header.Get("Authorization")
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"content":[]}`)), Header: make(http.Header)}, nil
		})},
	}
	if _, err := tr.invoke(context.Background(), "us.anthropic.claude-sonnet-4-6", []byte(`{}`)); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotURL != "https://bedrock-runtime.us-east-1.amazonaws.com/model/us.anthropic.claude-sonnet-4-6/invoke" {
		t.Fatalf("unexpected url %s", gotURL)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth %q", gotAuth)
	}

	tr.httpClient.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusUnauthorized, Body: io.NopCloser(strings.NewReader("bad token")), Header: make(http.Header)}, nil
	})
	if _, err := tr.invoke(context.Background(), "m", nil); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}
