package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/synthesis"
	"github.com/ariastack/aria-engine/internal/utils"
)

// Triage tiers.
const (
	TierRemoteReasoning = "remote-reasoning"
	TierRuleBased       = "rule-based"
)

const triageSystemPrompt = `You are ARIA's triage specialist.
Analyze the alert and respond ONLY with valid JSON (no markdown):
{
  "severity": "sev1" | "sev2" | "sev3",
  "affectedService": "<service name>",
  "urgencyReason": "<1 sentence>",
  "investigationWindowMinutes": <number>
}
Severity rules: sev1 = errorRatePct >= 10% OR p99LatencyMs >= 3000; sev2 = >= 5% OR >= 2000; else sev3.`

const (
	sev1Reason = "High customer impact: elevated errors and latency exceed critical thresholds."
	sev2Reason = "Moderate impact: performance degradation likely visible to users."
	sev3Reason = "Low impact: continue monitoring while investigation runs."
)

// TriageStage classifies alert severity.
type TriageStage struct {
	reasoner Reasoner
	logger   *slog.Logger
}

// NewTriageStage constructs the triage stage. reasoner may be nil.
func NewTriageStage(reasoner Reasoner, logger *slog.Logger) *TriageStage {
	return &TriageStage{reasoner: reasoner, logger: utils.Component(logger, "triage")}
}

// Run classifies alert, preferring the remote reasoner when enabled.
func (s *TriageStage) Run(ctx context.Context, alert models.Alert) (models.TriageResult, error) {
	resolver := Resolver[models.TriageResult]{
		Stage:  models.StageTriage,
		Logger: s.logger,
		Attempts: []Attempt[models.TriageResult]{
			{
				Tier:    TierRemoteReasoning,
				Enabled: reasonerEnabled(s.reasoner),
				Run: func(ctx context.Context) (models.TriageResult, error) {
					return s.remote(ctx, alert)
				},
			},
			{
				Tier: TierRuleBased,
				Run: func(context.Context) (models.TriageResult, error) {
					return ClassifySeverity(alert), nil
				},
			},
		},
		Validate: validateTriage,
	}
	result, _, err := resolver.Resolve(ctx)
	return result, err
}

func (s *TriageStage) remote(ctx context.Context, alert models.Alert) (models.TriageResult, error) {
	prompt := alert
	prompt.ScreenshotBase64 = ""
	encoded, err := json.MarshalIndent(prompt, "", "  ")
	if err != nil {
		return models.TriageResult{}, fmt.Errorf("encode alert: %w", err)
	}

	text, err := synthesis.NewSession(s.reasoner, triageSystemPrompt).
		Run(ctx, "Triage this incident:\n"+string(encoded))
	if err != nil {
		return models.TriageResult{}, err
	}

	var reply triageReply
	if err := synthesis.DecodeObject(text, &reply, "severity"); err != nil {
		return models.TriageResult{}, err
	}
	result := models.TriageResult{
		Severity:                   models.Severity(strings.ToLower(strings.TrimSpace(reply.Severity))),
		AffectedService:            strings.TrimSpace(reply.AffectedService),
		UrgencyReason:              reply.UrgencyReason,
		InvestigationWindowMinutes: utils.ClampWindow(reply.InvestigationWindowMinutes, models.DefaultInvestigationWindowMinutes),
	}
	if result.AffectedService == "" {
		result.AffectedService = alert.Service
	}
	return result, nil
}

// triageReply accepts any JSON number for the window.
type triageReply struct {
	Severity                   string  `json:"severity"`
	AffectedService            string  `json:"affectedService"`
	UrgencyReason              string  `json:"urgencyReason"`
	InvestigationWindowMinutes float64 `json:"investigationWindowMinutes"`
}

func validateTriage(result models.TriageResult) error {
	if !result.Severity.Valid() {
		return fmt.Errorf("severity %q not one of sev1, sev2, sev3", result.Severity)
	}
	return nil
}

// ClassifySeverity applies the fixed latency and error-rate thresholds.
func ClassifySeverity(alert models.Alert) models.TriageResult {
	severity, reason := models.SeveritySev3, sev3Reason
	switch {
	case alert.ErrorRatePct >= 10 || alert.P99LatencyMs >= 3000:
		severity, reason = models.SeveritySev1, sev1Reason
	case alert.ErrorRatePct >= 5 || alert.P99LatencyMs >= 2000:
		severity, reason = models.SeveritySev2, sev2Reason
	}
	return models.TriageResult{
		Severity:                   severity,
		AffectedService:            alert.Service,
		UrgencyReason:              reason,
		InvestigationWindowMinutes: models.DefaultInvestigationWindowMinutes,
	}
}
