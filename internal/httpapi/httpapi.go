// Package httpapi implements the informative edge HTTP surface (spec §6):
// a thin submit endpoint plus the C9 health/metrics probes, built atop
// gorilla/mux the way canonical-snapd's daemon wires its own REST surface.
// The route table itself has no original-source equivalent — the original
// kept its FastAPI app out of the filtered, code-only retrieval pack — so
// the endpoint shapes come straight from spec §6. The X-Request-ID echo is
// grounded on the original's middleware.py RequestLoggingMiddleware, which
// generates (or passes through) a req_id and sets it as a response header
// on every call. The hub's own HTTP layer is explicitly out of scope for
// request authentication (spec §1 Non-goals: "assumed enforced at the
// edge") — this package is the edge.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/engine"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/telemetry"
)

// Engine is the narrow submit surface the HTTP edge depends on.
type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error)
}

// Registry is the narrow read surface backing the devices listing endpoint.
type Registry interface {
	List(onlineOnly bool) []model.Device
	Get(id string) (model.Device, bool)
}

// Server builds and serves the edge HTTP surface.
type Server struct {
	log     *zap.Logger
	router  *mux.Router
	engine  Engine
	reg     Registry
	health  *telemetry.Health
	metrics *telemetry.Metrics

	defaultTimeout time.Duration
}

// New builds a Server with every route registered.
func New(log *zap.Logger, eng Engine, reg Registry, health *telemetry.Health, metrics *telemetry.Metrics, defaultTimeout time.Duration) *Server {
	s := &Server{
		log:            log,
		router:         mux.NewRouter(),
		engine:         eng,
		reg:            reg,
		health:         health,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/devices/{device_id}/{module}/commands", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/devices", s.handleListDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/devices/{device_id}", s.handleGetDevice).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz/live", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz/ready", s.handleReadiness).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleFullHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler exposes the underlying mux.Router for http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

// submitRequestBody is the edge contract's inbound JSON body (spec §6:
// "submit returns {ok, req_id, dispatched, device_id, action, ts}").
type submitRequestBody struct {
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	ReqID  string         `json:"req_id"`
}

type submitResponseBody struct {
	OK         bool   `json:"ok"`
	ReqID      string `json:"req_id"`
	Dispatched bool   `json:"dispatched"`
	DeviceID   string `json:"device_id"`
	Action     string `json:"action"`
	TS         string `json:"ts"`
	Success    bool   `json:"success,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleSubmit parses the edge contract's POST body, echoes X-Request-ID
// (generating one if absent), and blocks on the engine's full lifecycle.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponseBody{OK: false, Error: "bad_json"})
		return
	}

	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = body.ReqID
	}
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", reqID)

	actor := body.Actor
	if actor == "" {
		actor = "api"
	}

	result, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		DeviceID: vars["device_id"],
		Module:   vars["module"],
		Actor:    actor,
		Action:   body.Action,
		Params:   body.Params,
		ReqID:    reqID,
		Timeout:  s.defaultTimeout,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, submitResponseBody{OK: false, ReqID: reqID, Error: err.Error()})
		return
	}

	resp := submitResponseBody{
		OK:         result.Status != engine.ResultFailed,
		ReqID:      result.ReqID,
		Dispatched: result.Status != engine.ResultProcessing,
		DeviceID:   vars["device_id"],
		Action:     body.Action,
		TS:         time.Now().UTC().Format(time.RFC3339),
		Success:    result.Success,
		Status:     string(result.Status),
		Error:      result.Error,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	onlineOnly := r.URL.Query().Get("online") == "true"
	writeJSON(w, http.StatusOK, s.reg.List(onlineOnly))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["device_id"]
	device, ok := s.reg.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Liveness())
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	readiness := s.health.Readiness(r.Context())
	status := http.StatusOK
	if !readiness.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readiness)
}

func (s *Server) handleFullHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.FullHealth(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
