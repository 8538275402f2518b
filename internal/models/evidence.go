package models

// ConnectorMode records whether evidence came from a live backend or the
// deterministic offline generator.
type ConnectorMode string

const (
	ModeLive ConnectorMode = "live"
	ModeMock ConnectorMode = "mock"
)

// Valid reports whether m is a known connector mode.
func (m ConnectorMode) Valid() bool {
	return m == ModeLive || m == ModeMock
}

// LogFinding is one observed error log line.
type LogFinding struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Evidence is the investigation output. TopErrors is ordered by relevance,
// most significant first.
type Evidence struct {
	WindowStart    string        `json:"windowStart"`
	WindowEnd      string        `json:"windowEnd"`
	TopErrors      []LogFinding  `json:"topErrors"`
	TracesSummary  string        `json:"tracesSummary"`
	MetricsSummary string        `json:"metricsSummary"`
	ConnectorMode  ConnectorMode `json:"connectorMode"`
	Notes          []string      `json:"notes"`
}

// InvestigationResult wraps the evidence gathered for a run.
type InvestigationResult struct {
	Datadog Evidence `json:"datadog"`
}

// DependencyGraph lists services around the failing service.
type DependencyGraph struct {
	ImpactedServices []string      `json:"impactedServices"`
	UpstreamServices []string      `json:"upstreamServices"`
	ConnectorMode    ConnectorMode `json:"connectorMode"`
}

// Runbook is a recorded remediation procedure.
type Runbook struct {
	Title           string   `json:"title" yaml:"title"`
	Summary         string   `json:"summary" yaml:"summary"`
	Steps           []string `json:"steps" yaml:"steps"`
	LastUsedAt      string   `json:"lastUsedAt,omitempty" yaml:"lastUsedAt"`
	SimilarityScore float64  `json:"similarityScore" yaml:"similarityScore"`
}
