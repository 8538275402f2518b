package extractors

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ariastack/aria-engine/internal/models"
)

func messages(findings []models.LogFinding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Message
	}
	return out
}

func TestRankPrefersSeverityThenSurge(t *testing.T) {
	findings := []models.LogFinding{
		{Level: "warn", Message: "slow request 120ms"},
		{Level: "error", Message: "db timeout after 4200ms"},
		{Level: "error", Message: "cache miss storm 1"},
		{Level: "error", Message: "db timeout after 3900ms"},
		{Level: "critical", Message: "pool exhausted"},
		{Level: "error", Message: "db timeout after 4100ms"},
	}

	got := messages(NewLogsExtractor().Rank(findings, 4))
	want := []string{
		"pool exhausted",
		"db timeout after 4200ms",
		"db timeout after 3900ms",
		"db timeout after 4100ms",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rank mismatch (-want +got):\n%s", diff)
	}
}

func TestRankKeepsOrderOnTies(t *testing.T) {
	findings := []models.LogFinding{
		{Level: "error", Message: "a"},
		{Level: "error", Message: "b"},
		{Level: "error", Message: "c"},
	}
	got := messages(NewLogsExtractor().Rank(findings, 0))
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Fatalf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestRankEmpty(t *testing.T) {
	if got := NewLogsExtractor().Rank(nil, 8); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestSignature(t *testing.T) {
	if Signature("Timeout after 4200ms id=17") != Signature("timeout after 310ms id=9") {
		t.Fatalf("expected numeric noise to normalise away")
	}
}
