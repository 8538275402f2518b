package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/utils"
)

// ErrDisabled is returned by every call when the reasoning backend is off.
var ErrDisabled = errors.New("synthesis backend disabled")

const (
	anthropicVersion   = "bedrock-2023-05-31"
	defaultMaxTokens   = 1200
	defaultTemperature = 0.1
	chatMaxTokens      = 600
	chatTemperature    = 0.2
	maxToolTurns       = 8
	maxChatHistory     = 8
)

const rcaSystemPrompt = "You are ARIA, a production incident root-cause analyst. " +
	"Respond ONLY with strict JSON: " +
	`{"narrative": string, "confidence": float 0-1, ` +
	`"hypotheses": [{"title": str, "probability": float, "evidence": [str], "remediation": [str]}], ` +
	`"recommendedPlan": [str]}. ` +
	"Rank hypotheses by probability descending."

// ContentBlock is one element of an Anthropic messages payload.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ChatTurn is a plain-text history entry for copilot chat.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesRequest struct {
	AnthropicVersion string     `json:"anthropic_version"`
	MaxTokens        int        `json:"max_tokens"`
	Temperature      float64    `json:"temperature"`
	System           string     `json:"system,omitempty"`
	Messages         []Message  `json:"messages"`
	Tools            []toolSpec `json:"tools,omitempty"`
}

type messagesResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// transport delivers one serialized InvokeModel body.
type transport interface {
	name() string
	invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
}

type iamTransport struct {
	client *bedrockruntime.Client
}

func (t *iamTransport) name() string { return "iam" }

func (t *iamTransport) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

type bearerTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (t *bearerTransport) name() string { return "bearer" }

func (t *bearerTransport) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/model/%s/invoke", t.baseURL, url.PathEscape(modelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		snippet := payload
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return payload, nil
}

// BedrockClient calls Anthropic models on AWS Bedrock. IAM credentials are
// tried first, then the bearer API key when one is configured.
type BedrockClient struct {
	enabled        bool
	modelID        string
	copilotModelID string
	maxTokens      int
	timeout        time.Duration
	transports     []transport
	logger         *slog.Logger
}

// NewBedrockClient constructs the reasoning connector. A disabled client makes
// no network calls and fails every request with ErrDisabled.
func NewBedrockClient(ctx context.Context, cfg config.BedrockConfig, enabled bool, logger *slog.Logger) *BedrockClient {
	c := &BedrockClient{
		enabled:        enabled,
		modelID:        cfg.ModelID,
		copilotModelID: cfg.CopilotModelID,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		logger:         utils.Component(logger, "bedrock"),
	}
	if c.copilotModelID == "" {
		c.copilotModelID = c.modelID
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if !enabled {
		return c
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		c.logger.Warn("aws config unavailable, IAM transport disabled", slog.Any("error", err))
	} else {
		c.transports = append(c.transports, &iamTransport{client: bedrockruntime.NewFromConfig(awsCfg)})
	}
	if cfg.APIKey != "" {
		c.transports = append(c.transports, &bearerTransport{
			baseURL:    fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", cfg.Region),
			apiKey:     cfg.APIKey,
			httpClient: &http.Client{Timeout: c.timeout},
		})
	}
	return c
}

// Enabled reports whether remote reasoning may be attempted.
func (c *BedrockClient) Enabled() bool {
	return c != nil && c.enabled && len(c.transports) > 0
}

// Invoke sends user under system with tools declared. Tool calls are
// dispatched to their handlers and answered until the model stops asking, up
// to a fixed number of turns. The final text blocks are concatenated.
func (c *BedrockClient) Invoke(ctx context.Context, system string, tools []Tool, user string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	byName := make(map[string]Tool, len(tools))
	specs := make([]toolSpec, 0, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		schema := t.InputSchema
		if schema == nil {
			schema = ObjectSchema(nil, nil, nil)
		}
		specs = append(specs, toolSpec{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	messages := []Message{textMessage("user", user)}
	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := c.send(ctx, c.modelID, messagesRequest{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        c.maxTokens,
			Temperature:      defaultTemperature,
			System:           system,
			Messages:         messages,
			Tools:            specs,
		})
		if err != nil {
			return "", err
		}
		if resp.StopReason != "tool_use" {
			return finalText(resp)
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})
		results := make([]ContentBlock, 0, len(resp.Content))
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			results = append(results, c.dispatch(ctx, byName, block))
		}
		if len(results) == 0 {
			return "", errors.New("model requested tool use without tool calls")
		}
		messages = append(messages, Message{Role: "user", Content: results})
	}
	return "", fmt.Errorf("tool loop exceeded %d turns", maxToolTurns)
}

// SynthesizeRCA asks the model for a root-cause JSON object given incident
// context and returns the extracted object text.
func (c *BedrockClient) SynthesizeRCA(ctx context.Context, incident any) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	encoded, err := json.MarshalIndent(incident, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode incident context: %w", err)
	}
	text, err := c.Invoke(ctx, rcaSystemPrompt, nil, "Incident context:\n"+string(encoded))
	if err != nil {
		return "", err
	}
	obj, ok := ExtractJSONObject(text)
	if !ok {
		return "", ErrNoJSON
	}
	return obj, nil
}

// Chat runs a single copilot turn on the copilot model. Only the most recent
// history entries are sent.
func (c *BedrockClient) Chat(ctx context.Context, system string, history []ChatTurn, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	if len(history) > maxChatHistory {
		history = history[len(history)-maxChatHistory:]
	}
	messages := make([]Message, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		if role != "assistant" {
			role = "user"
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, textMessage(role, turn.Content))
	}
	messages = append(messages, textMessage("user", prompt))

	resp, err := c.send(ctx, c.copilotModelID, messagesRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        chatMaxTokens,
		Temperature:      chatTemperature,
		System:           system,
		Messages:         messages,
	})
	if err != nil {
		return "", err
	}
	return finalText(resp)
}

func (c *BedrockClient) dispatch(ctx context.Context, tools map[string]Tool, call ContentBlock) ContentBlock {
	result := ContentBlock{Type: "tool_result", ToolUseID: call.ID}
	tool, ok := tools[call.Name]
	if !ok || tool.Handler == nil {
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		result.IsError = true
		return result
	}
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	out, err := tool.Handler(ctx, input)
	if err != nil {
		c.logger.Warn("tool call failed", slog.String("tool", call.Name), slog.Any("error", err))
		result.Content = err.Error()
		result.IsError = true
		return result
	}
	c.logger.Debug("tool call answered", slog.String("tool", call.Name), slog.Int("bytes", len(out)))
	result.Content = out
	return result
}

func (c *BedrockClient) send(ctx context.Context, modelID string, req messagesRequest) (messagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return messagesResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var failures []string
	for _, t := range c.transports {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		payload, err := t.invoke(callCtx, modelID, body)
		cancel()
		if err != nil {
			c.logger.Warn("bedrock invoke failed", slog.String("transport", t.name()), slog.Any("error", err))
			failures = append(failures, fmt.Sprintf("%s (%v)", t.name(), err))
			continue
		}
		var resp messagesResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			failures = append(failures, fmt.Sprintf("%s (decode response: %v)", t.name(), err))
			continue
		}
		return resp, nil
	}
	return messagesResponse{}, fmt.Errorf("bedrock unavailable: %s", strings.Join(failures, " | "))
}

func textMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

func finalText(resp messagesResponse) (string, error) {
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("model returned no text")
	}
	return strings.Join(parts, "\n"), nil
}
