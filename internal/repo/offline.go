package repo

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// MockEvidenceNote is attached to every offline evidence bundle.
const MockEvidenceNote = "Mock evidence — set ARIA_MODE=live with Datadog credentials for real log queries."

// OfflineEvidence returns the deterministic log evidence for service.
func OfflineEvidence(service string, now time.Time) models.Evidence {
	ts := utils.ISO(now)
	start, end := utils.Window(now, models.DefaultInvestigationWindowMinutes)
	return models.Evidence{
		WindowStart: start,
		WindowEnd:   end,
		TopErrors: []models.LogFinding{
			{
				Timestamp: ts,
				Level:     "error",
				Message:   fmt.Sprintf("FATAL [%s] Connection pool exhausted: all 100 connections in use (wait_timeout 500ms exceeded)", service),
			},
			{
				Timestamp: ts,
				Level:     "error",
				Message:   fmt.Sprintf("ERROR [%s] DB query timeout after 4200ms on SELECT payment_id FROM orders", service),
			},
			{
				Timestamp: ts,
				Level:     "error",
				Message:   fmt.Sprintf("ERROR [%s] Retry storm: 847 retries/min exceeding safe threshold of 200", service),
			},
		},
		TracesSummary:  fmt.Sprintf("DB wait time accounts for 89%% of p99 latency in %s traces.", service),
		MetricsSummary: "CPU 34% | Memory 62% | DB connections 100/100 (saturated) | Error rate 12%",
		ConnectorMode:  models.ModeMock,
		Notes:          []string{MockEvidenceNote},
	}
}

// OfflineGraph returns the deterministic dependency graph for service.
func OfflineGraph(service string) models.DependencyGraph {
	if service == "payment-svc" {
		return models.DependencyGraph{
			ImpactedServices: []string{"checkout-svc", "order-api", "fraud-detection-svc"},
			UpstreamServices: []string{"orders-db", "redis-cache"},
			ConnectorMode:    models.ModeMock,
		}
	}
	return models.DependencyGraph{
		ImpactedServices: []string{"client-of-" + service},
		UpstreamServices: []string{"upstream-db-for-" + service},
		ConnectorMode:    models.ModeMock,
	}
}

// RunbookFixtures is an offline runbook pack keyed by service. A nil pack
// serves only the built-in runbooks.
type RunbookFixtures struct {
	byService map[string][]models.Runbook
}

// RunbookFixture is one entry of the YAML fixtures pack.
type RunbookFixture struct {
	Service        string   `yaml:"service"`
	models.Runbook `yaml:",inline"`
	LastUsedDays   int      `yaml:"lastUsedDaysAgo"`
	Tags           []string `yaml:"tags"`
}

// RunbookFixtureFile is the YAML root structure.
type RunbookFixtureFile struct {
	Runbooks []RunbookFixture `yaml:"runbooks"`
}

// LoadRunbookFixtures loads a pack from path. An empty path or a missing file
// yields a nil pack.
func LoadRunbookFixtures(path string, now time.Time) (*RunbookFixtures, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runbook fixtures: %w", err)
	}
	var file RunbookFixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse runbook fixtures: %w", err)
	}

	pack := &RunbookFixtures{byService: make(map[string][]models.Runbook)}
	for _, fx := range file.Runbooks {
		if fx.Service == "" || fx.Title == "" {
			continue
		}
		rb := fx.Runbook
		if rb.LastUsedAt == "" && fx.LastUsedDays > 0 {
			rb.LastUsedAt = utils.ISO(now.AddDate(0, 0, -fx.LastUsedDays))
		}
		for _, svc := range append([]string{fx.Service}, fx.Tags...) {
			svc = strings.TrimSpace(svc)
			if svc != "" {
				pack.byService[svc] = append(pack.byService[svc], rb)
			}
		}
	}
	return pack, nil
}

// For returns the pack's runbooks for service, if any.
func (f *RunbookFixtures) For(service string) []models.Runbook {
	if f == nil {
		return nil
	}
	return append([]models.Runbook(nil), f.byService[service]...)
}

// OfflineRunbooks returns the deterministic runbooks for service, preferring
// the fixtures pack when it covers the service.
func OfflineRunbooks(service string, now time.Time, pack *RunbookFixtures) []models.Runbook {
	if fromPack := pack.For(service); len(fromPack) > 0 {
		return fromPack
	}
	if service == "payment-svc" {
		return []models.Runbook{
			{
				Title:   "Payment DB Pool Saturation Playbook",
				Summary: "Mitigate high p99 latency caused by connection pool exhaustion.",
				Steps: []string{
					"Increase orders-db pool max from 100 to 200.",
					"Enable circuit breaker for optional downstream calls.",
					"Set fail-fast timeout to 750ms on DB acquire path.",
				},
				LastUsedAt:      utils.ISO(now.AddDate(0, 0, -42)),
				SimilarityScore: 0.93,
			},
			{
				Title:   "Retry Storm Containment SOP",
				Summary: "Reduce cascading load when retries amplify latency.",
				Steps: []string{
					"Apply exponential backoff with jitter on payment retries.",
					"Cap in-flight DB requests at safe concurrency threshold.",
					"Disable non-critical synchronous enrichments temporarily.",
				},
				LastUsedAt:      utils.ISO(now.AddDate(0, 0, -51)),
				SimilarityScore: 0.86,
			},
		}
	}
	return []models.Runbook{
		{
			Title:   service + " Incident Baseline Runbook",
			Summary: "Generic mitigation for elevated latency and errors.",
			Steps: []string{
				fmt.Sprintf("Scale %s replicas by 2x.", service),
				"Enable circuit breaker for unstable dependencies.",
				"Verify recovery in p95/p99 and 5xx error rate.",
			},
			LastUsedAt:      utils.ISO(now.AddDate(0, 0, -30)),
			SimilarityScore: 0.70,
		},
	}
}
