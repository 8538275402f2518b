package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/extractors"
	"github.com/ariastack/aria-engine/internal/metrics"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// MaxLogFindings bounds the findings kept per evidence bundle.
const MaxLogFindings = 8

const (
	liveTracesSummary = "Datadog APM traces available via MCP in production deployment."
	unknownLogLine    = "Unknown log line"
)

// DatadogLogs fetches error log evidence from the Datadog Logs Search API, or
// serves the offline bundle when the connector is not live.
type DatadogLogs struct {
	baseURL    string
	apiKey     string
	appKey     string
	pageLimit  int
	live       bool
	httpClient *http.Client
	extractor  *extractors.LogsExtractor
	logger     *slog.Logger
	now        func() time.Time
}

// NewDatadogLogs constructs the log-evidence connector.
func NewDatadogLogs(cfg config.DatadogConfig, live bool, logger *slog.Logger) *DatadogLogs {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		site := cfg.Site
		if site == "" {
			site = "datadoghq.com"
		}
		baseURL = "https://api." + site
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 20
	}
	return &DatadogLogs{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		appKey:     cfg.AppKey,
		pageLimit:  pageLimit,
		live:       live,
		httpClient: &http.Client{Timeout: timeout},
		extractor:  extractors.NewLogsExtractor(),
		logger:     utils.Component(logger, "datadog"),
		now:        time.Now,
	}
}

// Live reports whether the connector queries Datadog.
func (d *DatadogLogs) Live() bool { return d != nil && d.live }

// FetchEvidence returns error log evidence for service over the trailing
// window. It never fails: backend errors yield the offline bundle with a note
// describing the failure.
func (d *DatadogLogs) FetchEvidence(ctx context.Context, service string, windowMinutes int) models.Evidence {
	now := d.now()
	if !d.Live() {
		return OfflineEvidence(service, now)
	}
	windowMinutes = utils.ClampWindow(float64(windowMinutes), models.DefaultInvestigationWindowMinutes)
	start, end := utils.Window(now, windowMinutes)

	findings, err := d.searchErrors(ctx, service, start, end, utils.ISO(now))
	if err != nil {
		d.logger.Warn("datadog live query failed, using offline evidence",
			slog.String("service", service),
			slog.Any("error", err),
		)
		metrics.ObserveConnectorFallback(config.ConnectorDatadog)
		evidence := OfflineEvidence(service, now)
		evidence.Notes = append(evidence.Notes, fmt.Sprintf("Live query failed: %v", err))
		return evidence
	}

	top := d.extractor.Rank(findings, MaxLogFindings)
	return models.Evidence{
		WindowStart:    start,
		WindowEnd:      end,
		TopErrors:      top,
		TracesSummary:  liveTracesSummary,
		MetricsSummary: fmt.Sprintf("Live query returned %d error events in %dm window.", len(top), windowMinutes),
		ConnectorMode:  models.ModeLive,
		Notes:          []string{},
	}
}

type logsSearchRequest struct {
	Filter logsFilter `json:"filter"`
	Sort   string     `json:"sort"`
	Page   logsPage   `json:"page"`
}

type logsFilter struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Query string `json:"query"`
}

type logsPage struct {
	Limit int `json:"limit"`
}

type logsSearchResponse struct {
	Data []struct {
		Attributes struct {
			Timestamp  string `json:"timestamp"`
			Status     string `json:"status"`
			Message    string `json:"message"`
			Attributes struct {
				Message string `json:"message"`
			} `json:"attributes"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorQuery is the log search expression used for service.
func ErrorQuery(service string) string {
	return fmt.Sprintf("service:%s (status:error OR level:error OR @level:error)", service)
}

func (d *DatadogLogs) searchErrors(ctx context.Context, service, start, end, fallbackTS string) ([]models.LogFinding, error) {
	payload := logsSearchRequest{
		Filter: logsFilter{From: start, To: end, Query: ErrorQuery(service)},
		Sort:   "timestamp",
		Page:   logsPage{Limit: d.pageLimit},
	}

	var response logsSearchResponse
	if err := d.postJSON(ctx, d.baseURL+"/api/v2/logs/events/search", payload, &response); err != nil {
		return nil, err
	}

	findings := make([]models.LogFinding, 0, len(response.Data))
	for _, item := range response.Data {
		attrs := item.Attributes
		finding := models.LogFinding{
			Timestamp: firstNonEmpty(attrs.Timestamp, fallbackTS),
			Level:     firstNonEmpty(attrs.Status, "error"),
			Message:   firstNonEmpty(attrs.Attributes.Message, attrs.Message, unknownLogLine),
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

func (d *DatadogLogs) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("DD-API-KEY", d.apiKey)
	req.Header.Set("DD-APPLICATION-KEY", d.appKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
