package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/services"
)

func newTestHTTP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := newHTTPServer(config.ServerConfig{CORSOrigins: []string{"http://localhost:3000"}}, config.ModeMock, offlineService(t), quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// readFrames collects the JSON payloads of every SSE data frame.
func readFrames(t *testing.T, resp *http.Response) []json.RawMessage {
	t.Helper()
	var frames []json.RawMessage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected SSE line %q", line)
		}
		frames = append(frames, json.RawMessage(strings.TrimPrefix(line, "data: ")))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return frames
}

func TestHealth(t *testing.T) {
	ts := newTestHTTP(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{"ok": true, "service": "aria-backend", "runtime": "go", "mode": "mock"}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestInvestigateStreamsEvents(t *testing.T) {
	ts := newTestHTTP(t)
	resp, err := http.Post(ts.URL+"/incidents/investigate", "application/json", strings.NewReader(demoAlertJSON))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache, no-transform" {
		t.Fatalf("unexpected cache control %q", got)
	}

	frames := readFrames(t, resp)
	if len(frames) != 7 {
		t.Fatalf("expected 7 frames, got %d", len(frames))
	}
	var agents []string
	for _, frame := range frames[:6] {
		var ev models.PipelineEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		agents = append(agents, ev.Step.Agent+":"+string(ev.Step.Status))
	}
	want := []string{
		"triage:running", "triage:completed",
		"investigation:running", "investigation:completed",
		"rca:running", "rca:completed",
	}
	if diff := cmp.Diff(want, agents); diff != "" {
		t.Fatalf("step order mismatch (-want +got):\n%s", diff)
	}

	var last models.PipelineEvent
	if err := json.Unmarshal(frames[6], &last); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if last.Type != models.EventReport || last.Report.Alert.IncidentID != "inc-1" {
		t.Fatalf("expected report for inc-1, got %+v", last)
	}
	if last.Report.Investigation.Datadog.ConnectorMode != models.ModeMock {
		t.Fatalf("expected mock evidence, got %s", last.Report.Investigation.Datadog.ConnectorMode)
	}
}

func TestInvestigateRejectsBadAlert(t *testing.T) {
	ts := newTestHTTP(t)
	resp, err := http.Post(ts.URL+"/incidents/investigate", "application/json", strings.NewReader(`{"incidentId":"inc-1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("error must not open a stream, got %q", got)
	}
	var body struct {
		Error  string   `json:"error"`
		Fields []string `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]string{"service", "summary", "p99LatencyMs", "errorRatePct", "startedAt"}, body.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestCopilotRunStream(t *testing.T) {
	ts := newTestHTTP(t)
	body := `{"threadId":"t-9","messages":[{"role":"user","content":"what now?"}]}`
	resp, err := http.Post(ts.URL+"/copilotkit/agent/default/run", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	var types []string
	for _, frame := range frames {
		var ev services.AGUIEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		types = append(types, ev.Type)
		if ev.Type == services.AGUIRunStarted && ev.ThreadID != "t-9" {
			t.Fatalf("thread id not echoed: %+v", ev)
		}
	}
	want := []string{"RUN_STARTED", "TEXT_MESSAGE_START", "TEXT_MESSAGE_CONTENT", "TEXT_MESSAGE_END", "RUN_FINISHED"}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
}

func TestCopilotStopAndInfo(t *testing.T) {
	ts := newTestHTTP(t)

	resp, err := http.Post(ts.URL+"/copilotkit/agent/default/stop/t-1", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var stopped map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stopped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if stopped["stopped"] != true || stopped["threadId"] != "t-1" {
		t.Fatalf("unexpected stop response %+v", stopped)
	}

	resp, err = http.Get(ts.URL + "/copilotkit/info")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var info struct {
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info.Agents) != 1 || info.Agents[0].ID != "default" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestHTTP(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/incidents/investigate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin must not be allowed, got %q", got)
	}
}
