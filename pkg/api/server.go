package api

import (
	"log/slog"
	"net/http"

	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/detect"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/orchestrate"
	"github.com/opx-platform/opx-core/pkg/outcome"
	"github.com/opx-platform/opx-core/pkg/ratelimit"
)

// Server bundles the pipeline services behind the HTTP surface.
type Server struct {
	detections   *detect.Service
	orchestrator *orchestrate.Orchestrator
	incidents    *incident.Manager
	evidences    *evidence.Store
	outcomes     *outcome.Recorder
	learning     *outcome.Store
	automation   *config.AutomationStore
	idem         *idempotency.Service
	verifier     *JWTVerifier
	limiter      ratelimit.Limiter
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewServer wires the surface.
func NewServer(detections *detect.Service, orchestrator *orchestrate.Orchestrator,
	incidents *incident.Manager, evidences *evidence.Store, outcomes *outcome.Recorder,
	learning *outcome.Store, automation *config.AutomationStore, idem *idempotency.Service,
	verifier *JWTVerifier, limiter ratelimit.Limiter, metrics *observability.Metrics,
	logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		detections:   detections,
		orchestrator: orchestrator,
		incidents:    incidents,
		evidences:    evidences,
		outcomes:     outcomes,
		learning:     learning,
		automation:   automation,
		idem:         idem,
		verifier:     verifier,
		limiter:      limiter,
		metrics:      metrics,
		logger:       logger,
	}
}

// Handler assembles the routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)

	mux.HandleFunc("POST /v1/signals", s.handleIngestSignal)
	mux.HandleFunc("POST /v1/promotions", s.handlePromote)

	mux.HandleFunc("POST /v1/incidents/{id}/transitions", s.handleTransition)
	mux.HandleFunc("GET /v1/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("GET /v1/incidents/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /v1/incidents/{id}/resolution", s.handleGetResolution)
	mux.HandleFunc("GET /v1/incidents/{id}/verify-chain", s.handleVerifyChain)
	mux.HandleFunc("GET /v1/incidents", s.handleFindSimilar)

	mux.HandleFunc("GET /v1/evidence/{id}", s.handleGetEvidence)

	mux.HandleFunc("POST /v1/outcomes", s.handleRecordOutcome)
	mux.HandleFunc("GET /v1/services/{service}/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/services/{service}/calibration", s.handleCalibration)
	mux.HandleFunc("GET /v1/summaries/{id}", s.handleGetStoredSummary)

	mux.HandleFunc("GET /v1/automation", s.handleGetAutomation)
	mux.HandleFunc("PUT /v1/automation", s.handleSetAutomation)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(s.limiter, s.metrics)(handler)
	handler = AuthMiddleware(s.verifier)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
