package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/synthesis"
	"github.com/ariastack/aria-engine/internal/utils"
)

// Investigation tiers.
const (
	TierToolSession     = "tool-session"
	TierDirectConnector = "direct-connector"
)

// ToolFetchDatadogLogs is the log evidence tool exposed to the reasoner.
const ToolFetchDatadogLogs = "fetch_datadog_logs"

const investigationSystemPrompt = "You are ARIA's investigation specialist. " +
	"Use fetch_datadog_logs to collect evidence for the incident service. " +
	"After calling the tool, respond ONLY with the raw JSON from the tool result."

// FetchLogsInput is the argument shape of the log evidence tool.
type FetchLogsInput struct {
	Service       string  `json:"service"`
	WindowMinutes float64 `json:"window_minutes,omitempty"`
}

// InvestigationStage gathers log evidence for the triaged service.
type InvestigationStage struct {
	reasoner Reasoner
	logs     LogSource
	logger   *slog.Logger
}

// NewInvestigationStage constructs the investigation stage.
func NewInvestigationStage(reasoner Reasoner, logs LogSource, logger *slog.Logger) *InvestigationStage {
	return &InvestigationStage{reasoner: reasoner, logs: logs, logger: utils.Component(logger, "investigation")}
}

// Run returns evidence for alert over the triage window.
func (s *InvestigationStage) Run(ctx context.Context, alert models.Alert, triage models.TriageResult) (models.InvestigationResult, error) {
	window := utils.ClampWindow(float64(triage.InvestigationWindowMinutes), models.DefaultInvestigationWindowMinutes)

	resolver := Resolver[models.Evidence]{
		Stage:  models.StageInvestigation,
		Logger: s.logger,
		Attempts: []Attempt[models.Evidence]{
			{
				Tier:    TierToolSession,
				Enabled: reasonerEnabled(s.reasoner),
				Run: func(ctx context.Context) (models.Evidence, error) {
					return s.viaTool(ctx, alert, triage, window)
				},
			},
			{
				Tier: TierDirectConnector,
				Run: func(ctx context.Context) (models.Evidence, error) {
					return normalizeEvidence(s.logs.FetchEvidence(ctx, alert.Service, window)), nil
				},
			},
		},
		Validate: validateEvidence,
	}
	evidence, _, err := resolver.Resolve(ctx)
	if err != nil {
		return models.InvestigationResult{}, err
	}
	return models.InvestigationResult{Datadog: evidence}, nil
}

// LogsTool builds the log evidence tool for service. The most recent
// evidence returned is written to *last when last is non-nil.
func LogsTool(logs LogSource, service string, window int, last *models.Evidence) synthesis.Tool {
	return synthesis.Tool{
		Name:        ToolFetchDatadogLogs,
		Description: "Fetch recent error logs from Datadog for the given service and time window.",
		InputSchema: synthesis.ObjectSchema(
			[]string{"service"},
			map[string]string{"service": "Service name to query."},
			map[string]string{"window_minutes": "Look-back window in minutes."},
		),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var in FetchLogsInput
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", fmt.Errorf("invalid tool input: %w", err)
				}
			}
			if strings.TrimSpace(in.Service) == "" {
				in.Service = service
			}
			minutes := utils.ClampWindow(in.WindowMinutes, window)
			evidence := normalizeEvidence(logs.FetchEvidence(ctx, in.Service, minutes))
			if last != nil {
				*last = evidence
			}
			encoded, err := json.Marshal(evidence)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}
}

func (s *InvestigationStage) viaTool(ctx context.Context, alert models.Alert, triage models.TriageResult, window int) (models.Evidence, error) {
	var called bool
	var fetched models.Evidence
	tool := LogsTool(s.logs, alert.Service, window, &fetched)
	inner := tool.Handler
	tool.Handler = func(ctx context.Context, raw json.RawMessage) (string, error) {
		called = true
		return inner(ctx, raw)
	}

	prompt := fmt.Sprintf("Service: %s. Severity: %s. Window: %d minutes. Fetch Datadog logs now.",
		alert.Service, triage.Severity, window)
	text, err := synthesis.NewSession(s.reasoner, investigationSystemPrompt).Register(tool).Run(ctx, prompt)
	if err != nil {
		return models.Evidence{}, err
	}
	if !called {
		return models.Evidence{}, errors.New("reasoner answered without calling " + ToolFetchDatadogLogs)
	}

	var evidence models.Evidence
	if err := synthesis.DecodeObject(text, &evidence, "windowStart", "windowEnd", "topErrors", "connectorMode"); err != nil {
		return models.Evidence{}, err
	}
	evidence = normalizeEvidence(evidence)
	if evidence.ConnectorMode != fetched.ConnectorMode {
		return models.Evidence{}, fmt.Errorf("answer reports connector mode %q but the tool returned %q", evidence.ConnectorMode, fetched.ConnectorMode)
	}
	if !cmp.Equal(evidence.TopErrors, fetched.TopErrors) {
		return models.Evidence{}, errors.New("answer top errors differ from the " + ToolFetchDatadogLogs + " result")
	}
	return fetched, nil
}

func validateEvidence(ev models.Evidence) error {
	if !ev.ConnectorMode.Valid() {
		return fmt.Errorf("connector mode %q is not live or mock", ev.ConnectorMode)
	}
	if ev.WindowStart == "" || ev.WindowEnd == "" {
		return errors.New("evidence window bounds missing")
	}
	return nil
}

func normalizeEvidence(ev models.Evidence) models.Evidence {
	if ev.TopErrors == nil {
		ev.TopErrors = []models.LogFinding{}
	}
	if ev.Notes == nil {
		ev.Notes = []string{}
	}
	return ev
}
