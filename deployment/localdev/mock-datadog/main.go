// mock-datadog answers the Datadog Logs Search API with canned error logs so
// the live connector can be exercised locally:
//
//	ARIA_MODE=live DATADOG_API_KEY=x DATADOG_APP_KEY=y \
//	  aria investigate --demo --config=localdev.yaml   # datadog.baseURL: http://localhost:8126
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type searchRequest struct {
	Filter struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Query string `json:"query"`
	} `json:"filter"`
	Page struct {
		Limit int `json:"limit"`
	} `json:"page"`
}

type logAttributes struct {
	Timestamp  string         `json:"timestamp"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type logEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Attributes logAttributes `json:"attributes"`
}

func main() {
	addr := flag.String("addr", ":8126", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v2/logs/events/search", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		if r.Header.Get("DD-API-KEY") == "" || r.Header.Get("DD-APPLICATION-KEY") == "" {
			w.WriteHeader(http.StatusForbidden)
			writeJSON(w, map[string]any{"errors": []string{"Forbidden"}})
			return
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"errors": []string{err.Error()}})
			return
		}
		writeJSON(w, map[string]any{"data": cannedLogs(serviceFromQuery(req.Filter.Query), req.Page.Limit)})
	})

	logger := log.New(log.Writer(), "datadog-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func serviceFromQuery(query string) string {
	for _, field := range strings.Fields(query) {
		if svc, ok := strings.CutPrefix(field, "service:"); ok && svc != "" {
			return svc
		}
	}
	return "unknown-svc"
}

func cannedLogs(service string, limit int) []logEvent {
	now := time.Now().UTC()
	lines := []struct {
		status, message string
		nested          bool
		age             time.Duration
	}{
		{"error", "Connection pool exhausted: all 100 connections in use", true, 90 * time.Second},
		{"error", "Connection pool exhausted: all 100 connections in use", true, 75 * time.Second},
		{"error", "DB query timeout after 4200ms on SELECT payment_id FROM orders", false, 60 * time.Second},
		{"warn", "Retry budget at 80% for downstream fraud-detection-svc", false, 45 * time.Second},
		{"critical", "Circuit breaker opened for orders-db", true, 30 * time.Second},
	}
	if limit <= 0 || limit > len(lines) {
		limit = len(lines)
	}
	events := make([]logEvent, 0, limit)
	for i, line := range lines[:limit] {
		attrs := logAttributes{
			Timestamp: now.Add(-line.age).Format(time.RFC3339Nano),
			Status:    line.status,
		}
		msg := fmt.Sprintf("[%s] %s", service, line.message)
		if line.nested {
			attrs.Attributes = map[string]any{"message": msg}
		} else {
			attrs.Message = msg
		}
		events = append(events, logEvent{ID: fmt.Sprintf("evt-%d", i+1), Type: "log", Attributes: attrs})
	}
	return events
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
