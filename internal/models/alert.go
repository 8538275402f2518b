package models

// Alert describes a service degradation handed to the pipeline. It is never
// mutated once ingested.
type Alert struct {
	IncidentID       string  `json:"incidentId"`
	Service          string  `json:"service"`
	Summary          string  `json:"summary"`
	P99LatencyMs     float64 `json:"p99LatencyMs"`
	ErrorRatePct     float64 `json:"errorRatePct"`
	StartedAt        string  `json:"startedAt"`
	ScreenshotBase64 string  `json:"screenshotBase64,omitempty"`
}

// Severity captures triage impact levels.
type Severity string

const (
	SeveritySev1 Severity = "sev1"
	SeveritySev2 Severity = "sev2"
	SeveritySev3 Severity = "sev3"
)

// Valid reports whether s is one of the recognised severities.
func (s Severity) Valid() bool {
	switch s {
	case SeveritySev1, SeveritySev2, SeveritySev3:
		return true
	}
	return false
}

// DefaultInvestigationWindowMinutes is used when triage does not supply a window.
const DefaultInvestigationWindowMinutes = 30

// TriageResult is the output of the triage stage.
type TriageResult struct {
	Severity                   Severity `json:"severity"`
	AffectedService            string   `json:"affectedService"`
	UrgencyReason              string   `json:"urgencyReason"`
	InvestigationWindowMinutes int      `json:"investigationWindowMinutes"`
}
