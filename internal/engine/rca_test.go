package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/synthesis"
)

func paymentGraph() models.DependencyGraph {
	return models.DependencyGraph{
		ImpactedServices: []string{"checkout-svc", "order-api", "fraud-detection-svc"},
		UpstreamServices: []string{"orders-db"},
		ConnectorMode:    models.ModeMock,
	}
}

func TestDeterministicRCAShape(t *testing.T) {
	report := DeterministicRCA(paymentAlert(), sampleEvidence(models.ModeMock), paymentGraph(), sampleRunbooks())

	if len(report.Hypotheses) != 2 {
		t.Fatalf("expected 2 hypotheses, got %d", len(report.Hypotheses))
	}
	if report.Hypotheses[0].Probability != 0.88 || report.Hypotheses[1].Probability != 0.58 {
		t.Fatalf("unexpected probabilities %+v", report.Hypotheses)
	}
	wantEvidence := []string{
		"Primary error: Connection pool exhausted",
		"Error rate 12% and p99 4200ms consistent with saturation.",
		"Matched runbook: Pool playbook",
	}
	if diff := cmp.Diff(wantEvidence, report.Hypotheses[0].Evidence); diff != "" {
		t.Fatalf("primary evidence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Raise pool.", "Add breaker.", "Fail fast."}, report.Hypotheses[0].Remediation); diff != "" {
		t.Fatalf("primary remediation mismatch (-want +got):\n%s", diff)
	}
	wantPlan := []string{"Raise pool.", "Add breaker.", "Fail fast.", "Page DBA.", "Backoff with jitter."}
	if diff := cmp.Diff(wantPlan, report.RecommendedPlan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if report.Confidence != 0.88 || report.Narrative != fallbackNarrative {
		t.Fatalf("unexpected confidence or narrative: %v %q", report.Confidence, report.Narrative)
	}
}

func TestDeterministicRCAWithoutEvidenceOrRunbooks(t *testing.T) {
	report := DeterministicRCA(paymentAlert(), models.Evidence{}, models.DependencyGraph{}, nil)
	primary := report.Hypotheses[0]
	if primary.Evidence[0] != "Primary error: No top error" || primary.Evidence[2] != "No matching runbook found." {
		t.Fatalf("unexpected evidence %v", primary.Evidence)
	}
	want := []string{"Increase DB pool limit.", "Add circuit breaker."}
	if diff := cmp.Diff(want, report.RecommendedPlan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if report.BlastRadius == nil || report.Runbooks == nil {
		t.Fatalf("empty collections should encode as arrays")
	}
}

func TestDeterministicRCAIsIdempotent(t *testing.T) {
	first, err := json.Marshal(DeterministicRCA(paymentAlert(), sampleEvidence(models.ModeMock), paymentGraph(), sampleRunbooks()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(DeterministicRCA(paymentAlert(), sampleEvidence(models.ModeMock), paymentGraph(), sampleRunbooks()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("deterministic tier is not byte-stable")
	}
}

func TestBuildPlanDedupesAndCaps(t *testing.T) {
	runbooks := []models.Runbook{
		{Steps: []string{"a", "b", "a"}},
		{Steps: []string{"c", "d", "e", "f"}},
	}
	got := BuildPlan([]string{"x", "a", "x"}, runbooks)
	if diff := cmp.Diff([]string{"x", "a", "b", "c", "d"}, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestRCAPrefetchRunsConcurrently(t *testing.T) {
	const delay = 200 * time.Millisecond
	stage := NewRCAStage(nil,
		&fakeGraph{graph: paymentGraph(), delay: delay},
		&fakeRunbooks{runbooks: sampleRunbooks(), delay: delay},
		nil,
	)

	start := time.Now()
	report, err := stage.Run(context.Background(), paymentAlert(), models.TriageResult{Severity: models.SeveritySev1}, models.InvestigationResult{Datadog: sampleEvidence(models.ModeMock)})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed >= 2*delay-20*time.Millisecond {
		t.Fatalf("prefetch looks sequential: %v for two %v fetches", elapsed, delay)
	}
	if elapsed < delay {
		t.Fatalf("prefetch returned before the slowest fetch: %v", elapsed)
	}
	if len(report.Runbooks) != 2 || len(report.BlastRadius) != 3 {
		t.Fatalf("prefetched data missing from report: %+v", report)
	}
}

func TestRCAToolTierOverridesEchoedData(t *testing.T) {
	graph := &fakeGraph{graph: paymentGraph()}
	runbooks := &fakeRunbooks{runbooks: sampleRunbooks()}
	reasoner := &fakeReasoner{enabled: true, invoke: func(ctx context.Context, system string, tools []synthesis.Tool, user string) (string, error) {
		if !strings.Contains(user, `Top errors: ["Connection pool exhausted", "DB query timeout"]`) {
			t.Fatalf("unexpected prompt %q", user)
		}
		var blast BlastRadiusOutput
		if err := json.Unmarshal([]byte(callTool(t, ctx, tools, ToolGetBlastRadius, `{"service":"payment-svc"}`)), &blast); err != nil {
			t.Fatalf("decode blast radius: %v", err)
		}
		if len(blast.Impacted) != 3 || blast.Mode != models.ModeMock {
			t.Fatalf("blast radius tool returned %+v", blast)
		}
		callTool(t, ctx, tools, ToolGetRunbooks, `{"service":"payment-svc","query":"pool"}`)
		return `{"narrative":"n","confidence":0.7,
			"hypotheses":[{"title":"low","probability":0.2},{"title":"high","probability":0.9,"evidence":["e"],"remediation":["r"]}],
			"recommendedPlan":["r","r","s"],
			"blastRadius":["made-up-svc"]}`, nil
	}}

	report, err := NewRCAStage(reasoner, graph, runbooks, nil).Run(context.Background(), paymentAlert(), models.TriageResult{Severity: models.SeveritySev1}, models.InvestigationResult{Datadog: sampleEvidence(models.ModeLive)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Hypotheses[0].Title != "high" || report.Hypotheses[1].Title != "low" {
		t.Fatalf("hypotheses not sorted: %+v", report.Hypotheses)
	}
	if report.Hypotheses[1].Evidence == nil || report.Hypotheses[1].Remediation == nil {
		t.Fatalf("missing hypothesis lists should be empty, not nil")
	}
	if diff := cmp.Diff(paymentGraph().ImpactedServices, report.BlastRadius); diff != "" {
		t.Fatalf("blast radius must come from the graph (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sampleRunbooks(), report.Runbooks); diff != "" {
		t.Fatalf("runbooks must come from the prefetch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"r", "s"}, report.RecommendedPlan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if report.Confidence != 0.7 || report.Narrative != "n" {
		t.Fatalf("unexpected confidence/narrative %+v", report)
	}
}

func TestRCAFallsThroughToDeterministic(t *testing.T) {
	logger, buf := captureLogger()
	var synthesized map[string]any
	reasoner := &fakeReasoner{
		enabled: true,
		invoke: func(ctx context.Context, _ string, tools []synthesis.Tool, _ string) (string, error) {
			callTool(t, ctx, tools, ToolGetBlastRadius, `{}`)
			return `{"hypotheses":[{"title":"skipped runbooks","probability":0.5}]}`, nil
		},
		synthesize: func(_ context.Context, incident any) (string, error) {
			synthesized = incident.(map[string]any)
			return `{"confidence":0.9,"hypotheses":[{"title":"overconfident","probability":1.4}]}`, nil
		},
	}
	stage := NewRCAStage(reasoner, &fakeGraph{graph: paymentGraph()}, &fakeRunbooks{runbooks: sampleRunbooks()}, logger)

	report, err := stage.Run(context.Background(), paymentAlert(), models.TriageResult{}, models.InvestigationResult{Datadog: sampleEvidence(models.ModeMock)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Confidence != 0.88 || report.Hypotheses[0].Title != "Database connection pool saturation" {
		t.Fatalf("expected deterministic report, got %+v", report)
	}
	if synthesized["service"] != "payment-svc" || len(synthesized["runbooks"].([]map[string]any)) != 2 {
		t.Fatalf("unexpected synthesis context %+v", synthesized)
	}
	failures := failuresByTier(t, buf)
	if failures[TierToolSession] != 1 || failures[TierDirectSynthesis] != 1 || failures[TierDeterministic] != 0 {
		t.Fatalf("unexpected failure records %v", failures)
	}
}

func TestRCASynthesisErrorFallsThrough(t *testing.T) {
	reasoner := &fakeReasoner{
		enabled: true,
		invoke: func(context.Context, string, []synthesis.Tool, string) (string, error) {
			return "", errors.New("throttled")
		},
		synthesize: func(context.Context, any) (string, error) {
			return `{"confidence":0.5,"hypotheses":[]}`, nil
		},
	}
	report, err := NewRCAStage(reasoner, &fakeGraph{}, &fakeRunbooks{}, nil).Run(context.Background(), paymentAlert(), models.TriageResult{}, models.InvestigationResult{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Narrative != fallbackNarrative {
		t.Fatalf("empty hypotheses must fail the tier")
	}
	if report.BlastRadius == nil || report.Runbooks == nil {
		t.Fatalf("collections should be non-nil")
	}
}
