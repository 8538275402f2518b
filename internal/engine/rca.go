package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/repo"
	"github.com/ariastack/aria-engine/internal/synthesis"
	"github.com/ariastack/aria-engine/internal/utils"
)

// RCA tiers. The first tier reuses TierToolSession.
const (
	TierDirectSynthesis = "direct-synthesis"
	TierDeterministic   = "deterministic"
)

// RCA tool names.
const (
	ToolGetBlastRadius = "get_blast_radius"
	ToolGetRunbooks    = "get_runbooks"
)

const rcaSystemPrompt = "You are ARIA's root-cause analyst. " +
	"Call get_blast_radius and get_runbooks to gather evidence, " +
	"then respond ONLY with JSON: " +
	`{"narrative": str, "confidence": float, ` +
	`"hypotheses": [{"title": str, "probability": float, "evidence": [str], "remediation": [str]}], ` +
	`"recommendedPlan": [str]}.`

const fallbackNarrative = "Primary signal points to datastore saturation causing queue wait amplification across the payment critical path."

// BlastRadiusInput is the argument shape of the blast radius tool.
type BlastRadiusInput struct {
	Service string `json:"service"`
}

// BlastRadiusOutput is what the blast radius tool returns.
type BlastRadiusOutput struct {
	Impacted []string             `json:"impacted"`
	Upstream []string             `json:"upstream"`
	Mode     models.ConnectorMode `json:"mode"`
}

// RunbooksInput is the argument shape of the runbook tool.
type RunbooksInput struct {
	Service string `json:"service"`
	Query   string `json:"query"`
}

// RCAStage ranks root-cause hypotheses and builds a remediation plan.
type RCAStage struct {
	reasoner Reasoner
	graph    GraphSource
	runbooks RunbookSource
	logger   *slog.Logger
}

// NewRCAStage constructs the RCA stage.
func NewRCAStage(reasoner Reasoner, graph GraphSource, runbooks RunbookSource, logger *slog.Logger) *RCAStage {
	return &RCAStage{reasoner: reasoner, graph: graph, runbooks: runbooks, logger: utils.Component(logger, "rca")}
}

// Run prefetches the dependency graph and runbooks, then resolves the report.
func (s *RCAStage) Run(ctx context.Context, alert models.Alert, triage models.TriageResult, investigation models.InvestigationResult) (models.RCAReport, error) {
	graph, runbooks, err := s.prefetch(ctx, alert)
	if err != nil {
		return models.RCAReport{}, err
	}
	evidence := investigation.Datadog

	resolver := Resolver[models.RCAReport]{
		Stage:  models.StageRCA,
		Logger: s.logger,
		Attempts: []Attempt[models.RCAReport]{
			{
				Tier:    TierToolSession,
				Enabled: reasonerEnabled(s.reasoner),
				Run: func(ctx context.Context) (models.RCAReport, error) {
					return s.viaTools(ctx, alert, triage, evidence, graph, runbooks)
				},
			},
			{
				Tier:    TierDirectSynthesis,
				Enabled: reasonerEnabled(s.reasoner),
				Run: func(ctx context.Context) (models.RCAReport, error) {
					return s.viaSynthesis(ctx, alert, evidence, graph, runbooks)
				},
			},
			{
				Tier: TierDeterministic,
				Run: func(context.Context) (models.RCAReport, error) {
					return DeterministicRCA(alert, evidence, graph, runbooks), nil
				},
			},
		},
		Validate: validateRCA,
	}

	report, _, err := resolver.Resolve(ctx)
	if err != nil {
		return models.RCAReport{}, err
	}
	report.BlastRadius = nonNil(graph.ImpactedServices)
	report.Runbooks = runbooks
	models.SortHypotheses(report.Hypotheses)
	return report, nil
}

// prefetch fetches the graph and runbooks concurrently.
func (s *RCAStage) prefetch(ctx context.Context, alert models.Alert) (models.DependencyGraph, []models.Runbook, error) {
	var (
		graph    models.DependencyGraph
		runbooks []models.Runbook
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		graph = s.graph.FetchBlastRadius(gctx, alert.Service)
		return nil
	})
	g.Go(func() error {
		runbooks = s.runbooks.FetchRunbooks(gctx, alert.Service, alert.Summary, repo.DefaultRunbookLimit)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.DependencyGraph{}, nil, fmt.Errorf("rca prefetch: %w", err)
	}
	if runbooks == nil {
		runbooks = []models.Runbook{}
	}
	return graph, runbooks, nil
}

// BlastRadiusTool builds the dependency graph tool. Lookups for the incident
// service are answered from the prefetched graph.
func BlastRadiusTool(source GraphSource, service string, prefetched *models.DependencyGraph, called *bool) synthesis.Tool {
	return synthesis.Tool{
		Name:        ToolGetBlastRadius,
		Description: "Get the list of services impacted by a failure in the given service using the Neo4j dependency graph.",
		InputSchema: synthesis.ObjectSchema([]string{"service"}, map[string]string{"service": "Failing service name."}, nil),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var in BlastRadiusInput
			if err := unmarshalInput(raw, &in); err != nil {
				return "", err
			}
			if called != nil {
				*called = true
			}
			var graph models.DependencyGraph
			if prefetched != nil && (in.Service == "" || in.Service == service) {
				graph = *prefetched
			} else {
				graph = source.FetchBlastRadius(ctx, firstNonEmpty(in.Service, service))
			}
			return marshalString(BlastRadiusOutput{
				Impacted: nonNil(graph.ImpactedServices),
				Upstream: nonNil(graph.UpstreamServices),
				Mode:     graph.ConnectorMode,
			})
		},
	}
}

// RunbooksTool builds the runbook lookup tool. Lookups for the incident
// service are answered from the prefetched runbooks.
func RunbooksTool(source RunbookSource, service string, prefetched []models.Runbook, called *bool) synthesis.Tool {
	return synthesis.Tool{
		Name:        ToolGetRunbooks,
		Description: "Retrieve historical incident runbooks matching the given service and incident description.",
		InputSchema: synthesis.ObjectSchema(
			[]string{"service", "query"},
			map[string]string{"service": "Service name.", "query": "Incident description."},
			nil,
		),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var in RunbooksInput
			if err := unmarshalInput(raw, &in); err != nil {
				return "", err
			}
			if called != nil {
				*called = true
			}
			runbooks := prefetched
			if prefetched == nil || (in.Service != "" && in.Service != service) {
				runbooks = source.FetchRunbooks(ctx, firstNonEmpty(in.Service, service), in.Query, repo.DefaultRunbookLimit)
			}
			return marshalString(nonNilRunbooks(runbooks))
		},
	}
}

func (s *RCAStage) viaTools(ctx context.Context, alert models.Alert, triage models.TriageResult, evidence models.Evidence, graph models.DependencyGraph, runbooks []models.Runbook) (models.RCAReport, error) {
	var graphCalled, runbooksCalled bool
	session := synthesis.NewSession(s.reasoner, rcaSystemPrompt).
		Register(BlastRadiusTool(s.graph, alert.Service, &graph, &graphCalled)).
		Register(RunbooksTool(s.runbooks, alert.Service, runbooks, &runbooksCalled))

	prompt := fmt.Sprintf("Service: %s. Severity: %s. Summary: %s. Top errors: %s. Call both tools then synthesize root cause.",
		alert.Service, triage.Severity, alert.Summary, quoteList(topMessages(evidence, 3)))
	text, err := session.Run(ctx, prompt)
	if err != nil {
		return models.RCAReport{}, err
	}
	if !graphCalled || !runbooksCalled {
		return models.RCAReport{}, fmt.Errorf("reasoner skipped tools (blast radius called=%t, runbooks called=%t)", graphCalled, runbooksCalled)
	}
	return decodeRCA(text, runbooks)
}

func (s *RCAStage) viaSynthesis(ctx context.Context, alert models.Alert, evidence models.Evidence, graph models.DependencyGraph, runbooks []models.Runbook) (models.RCAReport, error) {
	incident := map[string]any{
		"service":      alert.Service,
		"summary":      alert.Summary,
		"p99LatencyMs": alert.P99LatencyMs,
		"errorRatePct": alert.ErrorRatePct,
		"topErrors":    topMessages(evidence, 0),
		"blastRadius":  nonNil(graph.ImpactedServices),
		"runbooks":     runbookSummaries(runbooks),
	}
	text, err := s.reasoner.SynthesizeRCA(ctx, incident)
	if err != nil {
		return models.RCAReport{}, err
	}
	return decodeRCA(text, runbooks)
}

type rcaPayload struct {
	Narrative       string              `json:"narrative"`
	Confidence      *float64            `json:"confidence"`
	Hypotheses      []models.Hypothesis `json:"hypotheses"`
	RecommendedPlan []string            `json:"recommendedPlan"`
}

func decodeRCA(text string, runbooks []models.Runbook) (models.RCAReport, error) {
	var payload rcaPayload
	if err := synthesis.DecodeObject(text, &payload, "hypotheses"); err != nil {
		return models.RCAReport{}, err
	}
	if len(payload.Hypotheses) == 0 {
		return models.RCAReport{}, errors.New("model returned no hypotheses")
	}

	hypotheses := make([]models.Hypothesis, len(payload.Hypotheses))
	for i, h := range payload.Hypotheses {
		h.Title = strings.TrimSpace(h.Title)
		h.Evidence = nonNil(h.Evidence)
		h.Remediation = nonNil(h.Remediation)
		hypotheses[i] = h
	}
	models.SortHypotheses(hypotheses)

	confidence := hypotheses[0].Probability
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}
	plan := dedupeCapped(payload.RecommendedPlan, models.MaxRecommendedPlanSteps)
	if len(plan) == 0 {
		plan = BuildPlan(hypotheses[0].Remediation, runbooks)
	}
	return models.RCAReport{
		Hypotheses:      hypotheses,
		RecommendedPlan: plan,
		Confidence:      confidence,
		Narrative:       payload.Narrative,
	}, nil
}

func validateRCA(report models.RCAReport) error {
	if len(report.Hypotheses) == 0 {
		return errors.New("hypotheses missing")
	}
	for i, h := range report.Hypotheses {
		if h.Title == "" {
			return fmt.Errorf("hypothesis %d has no title", i)
		}
		if h.Probability < 0 || h.Probability > 1 {
			return fmt.Errorf("hypothesis %q probability %v outside [0,1]", h.Title, h.Probability)
		}
	}
	if report.Confidence < 0 || report.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", report.Confidence)
	}
	if len(report.RecommendedPlan) > models.MaxRecommendedPlanSteps {
		return fmt.Errorf("recommended plan has %d steps", len(report.RecommendedPlan))
	}
	return nil
}

// DeterministicRCA builds the fixed two-hypothesis report from the top log
// finding, the alert metrics and the best runbook. Equal inputs always yield
// equal output.
func DeterministicRCA(alert models.Alert, evidence models.Evidence, graph models.DependencyGraph, runbooks []models.Runbook) models.RCAReport {
	topError := "No top error"
	if len(evidence.TopErrors) > 0 {
		topError = evidence.TopErrors[0].Message
	}

	runbookLine := "No matching runbook found."
	remediation := []string{"Increase DB pool limit.", "Add circuit breaker."}
	if len(runbooks) > 0 {
		primary := runbooks[0]
		runbookLine = "Matched runbook: " + primary.Title
		if len(primary.Steps) > 0 {
			n := len(primary.Steps)
			if n > 3 {
				n = 3
			}
			remediation = append([]string(nil), primary.Steps[:n]...)
		}
	}

	hypotheses := []models.Hypothesis{
		{
			Title:       "Database connection pool saturation",
			Probability: 0.88,
			Evidence: []string{
				"Primary error: " + topError,
				fmt.Sprintf("Error rate %s%% and p99 %sms consistent with saturation.", formatMetric(alert.ErrorRatePct), formatMetric(alert.P99LatencyMs)),
				runbookLine,
			},
			Remediation: remediation,
		},
		{
			Title:       "Downstream DB latency amplified by retry storm",
			Probability: 0.58,
			Evidence: []string{
				"Retries and timeouts increase queue depth under contention.",
				"Trace summary shows DB wait dominates execution time.",
			},
			Remediation: []string{"Throttle retries with jitter.", "Cap concurrent in-flight DB operations."},
		},
	}

	return models.RCAReport{
		Hypotheses:      hypotheses,
		BlastRadius:     nonNil(graph.ImpactedServices),
		Runbooks:        nonNilRunbooks(runbooks),
		RecommendedPlan: BuildPlan(remediation, runbooks),
		Confidence:      0.88,
		Narrative:       fallbackNarrative,
	}
}

// BuildPlan concatenates primary steps with runbook steps, dropping
// duplicates and stopping at the plan cap.
func BuildPlan(primary []string, runbooks []models.Runbook) []string {
	steps := append([]string(nil), primary...)
	for _, rb := range runbooks {
		steps = append(steps, rb.Steps...)
	}
	return dedupeCapped(steps, models.MaxRecommendedPlanSteps)
}

func dedupeCapped(steps []string, limit int) []string {
	seen := make(map[string]struct{}, len(steps))
	out := make([]string, 0, limit)
	for _, step := range steps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		if _, ok := seen[step]; ok {
			continue
		}
		if len(out) == limit {
			break
		}
		seen[step] = struct{}{}
		out = append(out, step)
	}
	return out
}

func topMessages(evidence models.Evidence, limit int) []string {
	findings := evidence.TopErrors
	if limit > 0 && len(findings) > limit {
		findings = findings[:limit]
	}
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Message
	}
	return out
}

func runbookSummaries(runbooks []models.Runbook) []map[string]any {
	out := make([]map[string]any, 0, len(runbooks))
	for _, rb := range runbooks {
		out = append(out, map[string]any{
			"title":           rb.Title,
			"summary":         rb.Summary,
			"steps":           nonNil(rb.Steps),
			"similarityScore": rb.SimilarityScore,
		})
	}
	return out
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func unmarshalInput(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func marshalString(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilRunbooks(runbooks []models.Runbook) []models.Runbook {
	if runbooks == nil {
		return []models.Runbook{}
	}
	return runbooks
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
