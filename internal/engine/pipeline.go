package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// Emitter receives pipeline events in order. It must not block for long;
// delivery failures are the emitter's concern and never stop the run.
type Emitter func(models.PipelineEvent)

// StageObserver is notified of each stage's wall-clock duration.
type StageObserver func(stage string, d time.Duration)

// Pipeline sequences triage, investigation and RCA and narrates progress. It
// holds no per-run state and is safe for concurrent runs.
type Pipeline struct {
	triage        *TriageStage
	investigation *InvestigationStage
	rca           *RCAStage
	logger        *slog.Logger
	observe       StageObserver
	now           func() time.Time
	newID         func() string
}

// NewPipeline wires the three stages around the supplied connectors.
func NewPipeline(reasoner Reasoner, logs LogSource, graph GraphSource, runbooks RunbookSource, logger *slog.Logger) *Pipeline {
	logger = utils.Component(logger, "pipeline")
	return &Pipeline{
		triage:        NewTriageStage(reasoner, logger),
		investigation: NewInvestigationStage(reasoner, logs, logger),
		rca:           NewRCAStage(reasoner, graph, runbooks, logger),
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// WithStageObserver registers a duration callback for each stage.
func (p *Pipeline) WithStageObserver(observe StageObserver) *Pipeline {
	p.observe = observe
	return p
}

// Run executes one investigation for alert. It emits two step events per
// stage followed by a single report event and returns the report. An error is
// returned only when a stage exhausts every tier; no report is emitted then.
func (p *Pipeline) Run(ctx context.Context, alert models.Alert, emit Emitter) (models.Report, error) {
	if emit == nil {
		emit = func(models.PipelineEvent) {}
	}

	emit(p.step(models.StageTriage, models.StepRunning, "Triage Agent started",
		"Classifying severity and identifying affected service.", nil))
	started := p.now()
	triage, err := p.triage.Run(ctx, alert)
	p.observed(models.StageTriage, started)
	if err != nil {
		return models.Report{}, err
	}
	emit(p.step(models.StageTriage, models.StepCompleted, "Triage complete",
		fmt.Sprintf("Severity %s — %s.", strings.ToUpper(string(triage.Severity)), triage.AffectedService),
		map[string]any{
			"severity":                   triage.Severity,
			"investigationWindowMinutes": triage.InvestigationWindowMinutes,
		}))

	emit(p.step(models.StageInvestigation, models.StepRunning, "Investigation Agent started",
		fmt.Sprintf("Querying Datadog for the last %d minutes.", windowOrDefault(triage.InvestigationWindowMinutes)), nil))
	started = p.now()
	investigation, err := p.investigation.Run(ctx, alert, triage)
	p.observed(models.StageInvestigation, started)
	if err != nil {
		return models.Report{}, err
	}
	emit(p.step(models.StageInvestigation, models.StepCompleted, "Investigation complete",
		fmt.Sprintf("Collected %d high-signal log entries.", len(investigation.Datadog.TopErrors)),
		map[string]any{"datadogMode": investigation.Datadog.ConnectorMode}))

	emit(p.step(models.StageRCA, models.StepRunning, "RCA + Remediation Agent started",
		"Traversing Neo4j blast radius and matching MongoDB runbooks.", nil))
	started = p.now()
	rca, err := p.rca.Run(ctx, alert, triage, investigation)
	p.observed(models.StageRCA, started)
	if err != nil {
		return models.Report{}, err
	}
	emit(p.step(models.StageRCA, models.StepCompleted, "RCA synthesis complete",
		fmt.Sprintf("Top hypothesis confidence %d%% — %d impacted services.", int(math.Round(rca.Confidence*100)), len(rca.BlastRadius)),
		map[string]any{
			"confidence":      rca.Confidence,
			"blastRadiusSize": len(rca.BlastRadius),
		}))

	report := models.Report{
		Alert:         alert,
		Triage:        triage,
		Investigation: investigation,
		RCA:           rca,
	}
	emit(models.ReportEvent(report))
	p.logger.Info("investigation complete",
		slog.String("incident", alert.IncidentID),
		slog.String("severity", string(triage.Severity)),
		slog.String("connector_mode", string(investigation.Datadog.ConnectorMode)),
		slog.Float64("confidence", rca.Confidence),
	)
	return report, nil
}

func (p *Pipeline) step(agent string, status models.StepStatus, title, detail string, payload map[string]any) models.PipelineEvent {
	return models.StepEvent(models.Step{
		ID:        p.newID(),
		Agent:     agent,
		Status:    status,
		Title:     title,
		Detail:    detail,
		Timestamp: utils.ISO(p.now()),
		Payload:   payload,
	})
}

func (p *Pipeline) observed(stage string, started time.Time) {
	if p.observe != nil {
		p.observe(stage, p.now().Sub(started))
	}
}

func windowOrDefault(minutes int) int {
	if minutes <= 0 {
		return models.DefaultInvestigationWindowMinutes
	}
	return minutes
}
