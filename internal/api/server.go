// Package api is the HTTP Front-End (spec.md §4.2, component C5): it
// decodes an AdmissionReview, hands the request to the worker pool,
// waits for exactly one reply, and re-encodes the shaped response.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubewarden/policy-server/internal/admissionreview"
	"github.com/kubewarden/policy-server/internal/communication"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// maxRequestBodyBytes bounds how much of an AdmissionReview body the
// front-end will read before giving up, a guard against a
// misconfigured or malicious apiserver.
const maxRequestBodyBytes = 8 << 20

// Pool is the subset of *workerpool.Pool the front-end depends on,
// kept as an interface so handler tests can substitute a fake pool
// without standing up real sandbox evaluators.
type Pool interface {
	Submit(ctx context.Context, req communication.EvalRequest) error
}

// Server wires the pool into the HTTP routes spec.md §4.2 names.
type Server struct {
	pool Pool

	// ready reports whether the worker pool came up with at least one
	// working evaluator. When false, /readiness answers 503 instead of
	// 200 (SPEC_FULL.md §10's --readiness-probe).
	ready func() bool

	logger zerolog.Logger
}

// NewServer builds a Server. Call Handler to obtain the http.Handler
// to listen with.
func NewServer(pool Pool, ready func() bool, logger zerolog.Logger) *Server {
	return &Server{pool: pool, ready: ready, logger: logger}
}

// Handler builds the routed, otelhttp-wrapped http.Handler: POST
// /validate/{policy_id} and GET /readiness, per spec.md §4.2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate/{policy_id}", s.handleValidate)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	return otelhttp.NewHandler(mux, "policy-server")
}

// errorResponse is the JSON envelope spec.md §4.5 describes for every
// non-AdmissionReview error path: {"message": "..."}.
type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Message: message})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "worker pool is not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("policy_id")

	ctx, span := telemetry.StartValidationSpan(r.Context(), policyID)
	defer span.End()

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	envelope, err := admissionreview.Decode(body)
	if err != nil {
		s.logger.Error().Err(err).Str("policy_id", policyID).Msg("failed to decode AdmissionReview")
		writeError(w, http.StatusBadRequest, "invalid AdmissionReview object")
		return
	}
	if envelope.Request == nil {
		writeError(w, http.StatusBadRequest, "No Request object defined inside AdmissionReview object")
		return
	}

	telemetry.SetRequestFields(span, *envelope.Request)

	replySink := make(chan communication.Reply, 1)
	evalReq := communication.EvalRequest{
		PolicyID:      policyID,
		Request:       *envelope.Request,
		ReplySink:     replySink,
		ParentContext: trace.ContextWithSpan(context.Background(), span),
	}

	if err := s.pool.Submit(ctx, evalReq); err != nil {
		s.logger.Error().Err(err).Str("policy_id", policyID).Msg("failed to submit request to worker pool")
		writeError(w, http.StatusInternalServerError, "error while sending request from API to Worker pool")
		return
	}

	select {
	case reply, ok := <-replySink:
		if !ok {
			writeError(w, http.StatusInternalServerError, "broken channel")
			return
		}
		if !reply.Known {
			writeError(w, http.StatusNotFound, "requested policy not known")
			return
		}
		telemetry.SetResponseFields(span, reply.Response)
		s.writeAdmissionReview(w, envelope, reply.Response)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for policy evaluation")
	}
}

func (s *Server) writeAdmissionReview(w http.ResponseWriter, envelope *admissionreview.Envelope, resp admissionreview.Response) {
	body, err := envelope.EncodeResponse(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode AdmissionReview response")
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
}
