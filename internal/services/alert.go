package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// ErrInvalidAlert marks ingestion failures.
var ErrInvalidAlert = errors.New("invalid alert")

// ValidationError lists the alert fields that are missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: missing or invalid fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidAlert }

// alertPayload distinguishes absent numeric fields from zero values.
type alertPayload struct {
	IncidentID       *string  `json:"incidentId"`
	Service          *string  `json:"service"`
	Summary          *string  `json:"summary"`
	P99LatencyMs     *float64 `json:"p99LatencyMs"`
	ErrorRatePct     *float64 `json:"errorRatePct"`
	StartedAt        *string  `json:"startedAt"`
	ScreenshotBase64 *string  `json:"screenshotBase64"`
}

// DecodeAlert parses and validates a JSON alert body.
func DecodeAlert(body []byte) (models.Alert, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return models.Alert{}, utils.NewAppError("decode alert", "empty request body", ErrInvalidAlert)
	}
	var payload alertPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Alert{}, utils.NewAppError("decode alert", "malformed alert JSON", fmt.Errorf("%w: %v", ErrInvalidAlert, err))
	}

	var missing []string
	text := func(name string, v *string) string {
		if v == nil || strings.TrimSpace(*v) == "" {
			missing = append(missing, name)
			return ""
		}
		return strings.TrimSpace(*v)
	}
	number := func(name string, v *float64) float64 {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			missing = append(missing, name)
			return 0
		}
		return *v
	}

	alert := models.Alert{
		IncidentID:   text("incidentId", payload.IncidentID),
		Service:      text("service", payload.Service),
		Summary:      text("summary", payload.Summary),
		P99LatencyMs: number("p99LatencyMs", payload.P99LatencyMs),
		ErrorRatePct: number("errorRatePct", payload.ErrorRatePct),
		StartedAt:    text("startedAt", payload.StartedAt),
	}
	if alert.StartedAt != "" {
		if _, err := utils.ParseRFC3339(alert.StartedAt); err != nil {
			missing = append(missing, "startedAt")
		}
	}
	if payload.ScreenshotBase64 != nil {
		alert.ScreenshotBase64 = *payload.ScreenshotBase64
	}
	if len(missing) > 0 {
		return models.Alert{}, utils.NewAppError("decode alert", "alert rejected", &ValidationError{Fields: missing})
	}
	return alert, nil
}

// ValidateAlert checks an alert built outside DecodeAlert, such as one read
// from a gRPC struct.
func ValidateAlert(alert models.Alert) error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"incidentId", alert.IncidentID},
		{"service", alert.Service},
		{"summary", alert.Summary},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if _, err := utils.ParseRFC3339(strings.TrimSpace(alert.StartedAt)); err != nil {
		missing = append(missing, "startedAt")
	}
	if math.IsNaN(alert.P99LatencyMs) || math.IsInf(alert.P99LatencyMs, 0) {
		missing = append(missing, "p99LatencyMs")
	}
	if math.IsNaN(alert.ErrorRatePct) || math.IsInf(alert.ErrorRatePct, 0) {
		missing = append(missing, "errorRatePct")
	}
	if len(missing) > 0 {
		return utils.NewAppError("validate alert", "alert rejected", &ValidationError{Fields: missing})
	}
	return nil
}

// DemoAlert returns the built-in payment-svc incident, started eight minutes
// before now.
func DemoAlert(now time.Time) models.Alert {
	return models.Alert{
		IncidentID:   "inc-2026-02-20-payment-latency",
		Service:      "payment-svc",
		Summary:      "Payment service p99 latency at 4.2s and error rate at 12%",
		P99LatencyMs: 4200,
		ErrorRatePct: 12,
		StartedAt:    utils.ISO(now.Add(-8 * time.Minute)),
	}
}
