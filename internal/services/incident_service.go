package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariastack/aria-engine/internal/engine"
	"github.com/ariastack/aria-engine/internal/metrics"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// seriesRun is the latency series for whole pipeline runs.
const seriesRun = "run"

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, alert models.Alert, emit engine.Emitter) (models.Report, error)
}

// IncidentService fronts the pipeline for every transport. It validates
// alerts, turns orchestration failures into a terminal error event, and keeps
// run accounting.
type IncidentService struct {
	logger    *slog.Logger
	pipeline  Runner
	chat      Chatter
	latencies *utils.LatencyTracker
}

// NewIncidentService constructs the service facade. Stage durations reported
// by the pipeline feed the latency tracker.
func NewIncidentService(logger *slog.Logger, pipeline *engine.Pipeline, chat Chatter) *IncidentService {
	s := newIncidentService(logger, nil, chat)
	if pipeline != nil {
		s.pipeline = pipeline.WithStageObserver(s.observeStage)
	}
	return s
}

func newIncidentService(logger *slog.Logger, runner Runner, chat Chatter) *IncidentService {
	return &IncidentService{
		logger:    utils.Component(logger, "incident-service"),
		pipeline:  runner,
		chat:      chat,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Investigate runs the pipeline for alert, forwarding events to emit. An
// invalid alert is rejected before any event. Any failure after that point,
// including a panic, is emitted as a single error event and returned.
func (s *IncidentService) Investigate(ctx context.Context, alert models.Alert, emit engine.Emitter) (report models.Report, err error) {
	if err := ValidateAlert(alert); err != nil {
		return models.Report{}, err
	}
	if s.pipeline == nil {
		return models.Report{}, utils.NewAppError("investigate", "pipeline not configured", nil)
	}
	if emit == nil {
		emit = func(models.PipelineEvent) {}
	}

	s.logger.Debug("investigation started", slog.String("incident", alert.IncidentID), slog.String("service", alert.Service))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		duration := time.Since(start)
		if err != nil {
			metrics.ObserveInvestigation(duration, metrics.OutcomeError)
			s.logger.Error("investigation pipeline error", slog.String("incident", alert.IncidentID), slog.Any("error", err))
			emit(models.ErrorEvent(utils.PublicMessage(err)))
			return
		}
		metrics.ObserveInvestigation(duration, metrics.OutcomeSuccess)
		s.latencies.Observe(seriesRun, duration)
		if count := s.latencies.Count(seriesRun); count >= 20 && count%20 == 0 {
			s.logger.Info("investigation latency",
				slog.Duration("p95", s.LatencyP95("")),
				slog.Duration("triage_p95", s.LatencyP95(models.StageTriage)),
				slog.Duration("investigation_p95", s.LatencyP95(models.StageInvestigation)),
				slog.Duration("rca_p95", s.LatencyP95(models.StageRCA)),
				slog.Int("samples", count))
		}
	}()

	return s.pipeline.Run(ctx, alert, emit)
}

// LatencyP95 returns the p95 latency of whole runs, or of a single stage when
// stage names one.
func (s *IncidentService) LatencyP95(stage string) time.Duration {
	if stage == "" {
		stage = seriesRun
	}
	return s.latencies.Percentile(stage, 95)
}

func (s *IncidentService) observeStage(stage string, d time.Duration) {
	s.latencies.Observe(stage, d)
}
