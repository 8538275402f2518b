package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/stream"
	"github.com/ariastack/aria-engine/internal/utils"
)

// maxAlertBytes bounds alert bodies, which may carry a base64 screenshot.
const maxAlertBytes = 16 << 20

const serviceName = "aria-backend"

// HTTPServer serves the investigation stream, health and the copilot
// endpoints.
type HTTPServer struct {
	cfg      config.ServerConfig
	mode     string
	svc      *services.IncidentService
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer constructs an HTTP server bound to the configured address.
func NewHTTPServer(cfg config.ServerConfig, mode string, svc *services.IncidentService, logger *slog.Logger) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	s := newHTTPServer(cfg, mode, svc, logger)
	s.listener = lis
	return s, nil
}

func newHTTPServer(cfg config.ServerConfig, mode string, svc *services.IncidentService, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:    cfg,
		mode:   mode,
		svc:    svc,
		logger: utils.Component(logger, "http"),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped with CORS.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /{$}", s.root)
	mux.HandleFunc("POST /incidents/investigate", s.investigate)
	mux.HandleFunc("GET /copilotkit/info", s.copilotInfo)
	mux.HandleFunc("POST /copilotkit", s.copilot)
	mux.HandleFunc("POST /copilotkit/agent/{agentID}/run", s.copilot)
	mux.HandleFunc("POST /copilotkit/agent/{agentID}/connect", s.copilot)
	mux.HandleFunc("POST /copilotkit/agent/{agentID}/stop/{threadID}", s.copilotStop)
	return s.cors(mux)
}

// Start serves requests until Shutdown is invoked.
func (s *HTTPServer) Start() error {
	if s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *HTTPServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": serviceName,
		"runtime": "go",
		"mode":    s.mode,
	})
}

func (s *HTTPServer) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"runtime":   "go",
		"endpoints": []string{"/health", "/incidents/investigate", "/copilotkit"},
	})
}

// investigate validates the alert before the stream opens, then runs the
// pipeline to completion even if the client goes away.
func (s *HTTPServer) investigate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, utils.NewAppError("read body", "could not read request", err))
		return
	}
	alert, err := services.DecodeAlert(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sink := stream.NewSSESink(w)
	if _, err := s.svc.Investigate(context.WithoutCancel(r.Context()), alert, sink.Emit); err != nil {
		s.logger.Debug("investigation ended with error event", slog.String("incident", alert.IncidentID), slog.Any("error", err))
	}
	if sink.Disconnected() {
		s.logger.Info("client disconnected before run finished",
			slog.String("incident", alert.IncidentID),
			slog.Int("delivered", sink.Sent()))
	}
}

func (s *HTTPServer) copilotInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, services.CopilotInfo())
}

func (s *HTTPServer) copilot(w http.ResponseWriter, r *http.Request) {
	var req services.CopilotRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, utils.NewAppError("read body", "could not read request", err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, utils.NewAppError("decode copilot request", "malformed JSON", err))
			return
		}
	}

	sink := stream.NewSSESink(w)
	s.svc.Copilot(r.Context(), req, func(ev services.AGUIEvent) { _ = sink.Send(ev) })
}

func (s *HTTPServer) copilotStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "threadId": r.PathValue("threadID")})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	payload := map[string]any{"error": utils.PublicMessage(err)}
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		payload["fields"] = verr.Fields
	}
	writeJSON(w, code, payload)
}
