package models

// EventType discriminates pipeline events.
type EventType string

const (
	EventStep   EventType = "step"
	EventReport EventType = "report"
	EventError  EventType = "error"
)

// StepStatus is the lifecycle state carried by a step event.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
)

// Stage names used as the step agent.
const (
	StageTriage        = "triage"
	StageInvestigation = "investigation"
	StageRCA           = "rca"
)

// Step narrates a stage transition.
type Step struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`
	Status    StepStatus     `json:"status"`
	Title     string         `json:"title"`
	Detail    string         `json:"detail"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Report bundles the full result of a successful run.
type Report struct {
	Alert         Alert               `json:"alert"`
	Triage        TriageResult        `json:"triage"`
	Investigation InvestigationResult `json:"investigation"`
	RCA           RCAReport           `json:"rca"`
}

// PipelineEvent is a single item of the progress stream.
type PipelineEvent struct {
	Type    EventType `json:"type"`
	Step    *Step     `json:"step,omitempty"`
	Report  *Report   `json:"report,omitempty"`
	Message string    `json:"message,omitempty"`
}

// StepEvent wraps a step.
func StepEvent(step Step) PipelineEvent {
	return PipelineEvent{Type: EventStep, Step: &step}
}

// ReportEvent wraps the terminal report.
func ReportEvent(report Report) PipelineEvent {
	return PipelineEvent{Type: EventReport, Report: &report}
}

// ErrorEvent wraps a stream-level failure.
func ErrorEvent(message string) PipelineEvent {
	return PipelineEvent{Type: EventError, Message: message}
}
