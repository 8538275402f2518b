package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ariastack/aria-engine/internal/synthesis"
)

// CopilotSystemPrompt frames copilot chat replies.
const CopilotSystemPrompt = "You are ARIA Copilot, an incident-response assistant. " +
	"Be concise, practical, and runbook-oriented. " +
	"When asked for rollback strategy, give clear ordered steps, risk checks, and communication guidance."

const (
	copilotNoPrompt      = "Share the incident details and I'll help with root cause analysis and remediation."
	copilotEmptyResponse = "Claude on Bedrock returned an empty response — check your AWS credentials and model access."
	copilotHistoryWindow = 10
)

// ag-ui event types emitted for one copilot run.
const (
	AGUIRunStarted         = "RUN_STARTED"
	AGUITextMessageStart   = "TEXT_MESSAGE_START"
	AGUITextMessageContent = "TEXT_MESSAGE_CONTENT"
	AGUITextMessageEnd     = "TEXT_MESSAGE_END"
	AGUIRunFinished        = "RUN_FINISHED"
)

// Chatter answers copilot prompts.
type Chatter interface {
	Chat(ctx context.Context, system string, history []synthesis.ChatTurn, prompt string) (string, error)
}

// CopilotMessage is one message of an ag-ui run request. Content is either a
// string or a list of typed blocks.
type CopilotMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// CopilotRequest is the ag-ui run request body.
type CopilotRequest struct {
	ThreadID string           `json:"threadId"`
	RunID    string           `json:"runId"`
	Messages []CopilotMessage `json:"messages"`
}

// AGUIEvent is one ag-ui stream event. Unused fields are omitted.
type AGUIEvent struct {
	Type      string `json:"type"`
	ThreadID  string `json:"threadId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`
}

// CopilotInfo describes the copilot agent to ag-ui clients.
func CopilotInfo() map[string]any {
	return map[string]any{
		"agents": []map[string]string{
			{"name": "default", "id": "default", "description": "ARIA Incident Copilot"},
		},
		"actions": []map[string]string{
			{"name": "investigate_incident", "description": "Run ARIA triage→investigation→RCA pipeline"},
		},
	}
}

// Copilot runs one chat turn and emits the ag-ui event sequence for it. A
// chat failure or an empty reply is answered with a fixed explanation.
func (s *IncidentService) Copilot(ctx context.Context, req CopilotRequest, emit func(AGUIEvent)) {
	threadID := firstNonEmpty(req.ThreadID, uuid.NewString())
	runID := firstNonEmpty(req.RunID, uuid.NewString())
	messageID := uuid.NewString()

	emit(AGUIEvent{Type: AGUIRunStarted, ThreadID: threadID, RunID: runID})

	reply := copilotNoPrompt
	if prompt := LastUserMessage(req.Messages); prompt != "" {
		history := ConvertHistory(req.Messages[:len(req.Messages)-1])
		reply = s.chatReply(ctx, history, prompt)
	}

	emit(AGUIEvent{Type: AGUITextMessageStart, MessageID: messageID, Role: "assistant"})
	emit(AGUIEvent{Type: AGUITextMessageContent, MessageID: messageID, Delta: reply})
	emit(AGUIEvent{Type: AGUITextMessageEnd, MessageID: messageID})
	emit(AGUIEvent{Type: AGUIRunFinished, ThreadID: threadID, RunID: runID})
}

func (s *IncidentService) chatReply(ctx context.Context, history []synthesis.ChatTurn, prompt string) string {
	if s.chat == nil {
		return copilotEmptyResponse
	}
	reply, err := s.chat.Chat(ctx, CopilotSystemPrompt, history, prompt)
	if err != nil {
		s.logger.Warn("copilot chat failed", slog.Any("error", err))
		return copilotEmptyResponse
	}
	if strings.TrimSpace(reply) == "" {
		return copilotEmptyResponse
	}
	return reply
}

// LastUserMessage returns the text of the most recent user message.
func LastUserMessage(messages []CopilotMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messageText(messages[i].Content)
		}
	}
	return ""
}

// ConvertHistory keeps the non-empty user and assistant turns among the last
// ten messages.
func ConvertHistory(messages []CopilotMessage) []synthesis.ChatTurn {
	if len(messages) > copilotHistoryWindow {
		messages = messages[len(messages)-copilotHistoryWindow:]
	}
	out := make([]synthesis.ChatTurn, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if text := messageText(msg.Content); text != "" {
			out = append(out, synthesis.ChatTurn{Role: msg.Role, Content: text})
		}
	}
	return out
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
