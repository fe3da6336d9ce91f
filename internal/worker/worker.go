// Package worker implements the Policy Worker (spec.md §4.3, component
// C3): a single-threaded drain loop over a shared queue of
// communication.EvalRequest, one evaluator set per worker.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kubewarden/policy-server/internal/admissionreview"
	"github.com/kubewarden/policy-server/internal/communication"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/response"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// EvaluatorEntry bundles a policy's evaluator with the per-policy
// settings the Worker applies around every call: mode, mutate
// permission, namespace override, and the optional CEL pre-filter
// (SPEC_FULL.md §11.1). It is exported so the worker pool can build
// one set per Worker off a shared sandbox.Engine.
type EvaluatorEntry struct {
	evaluator       sandbox.PolicyEvaluator
	mode            config.PolicyMode
	allowedToMutate bool
	acceptNamespace string
	matchCondition  cel.Program // nil when the policy has none
}

// Worker owns one evaluator per configured policy and drains Requests
// from a shared, bounded channel until it is closed. Evaluations
// within a single Worker are strictly sequential (spec.md §5).
type Worker struct {
	id                    int
	evaluators            map[string]EvaluatorEntry
	requests              <-chan communication.EvalRequest
	metrics               *telemetry.Metrics
	alwaysAcceptNamespace string
	logger                zerolog.Logger
}

// New builds a Worker. It does not start draining requests; call Run
// for that. alwaysAcceptNamespace is the process-wide
// --always-accept-admission-reviews-on-namespace override, applied to
// every policy this Worker evaluates (original_source/src/worker.rs).
//
// Every Worker is additionally tagged with a random UUID, distinct
// from its sequential id, so log lines from a given worker instance
// stay distinguishable across process restarts.
func New(id int, evaluators map[string]EvaluatorEntry, requests <-chan communication.EvalRequest, metrics *telemetry.Metrics, alwaysAcceptNamespace string, logger zerolog.Logger) *Worker {
	return &Worker{
		id:                    id,
		evaluators:            evaluators,
		requests:              requests,
		metrics:               metrics,
		alwaysAcceptNamespace: alwaysAcceptNamespace,
		logger:                logger.With().Int("worker_id", id).Str("worker_uuid", uuid.NewString()).Logger(),
	}
}

// newEntry constructs the per-policy entry BuildEvaluators' map holds.
// It compiles the optional CEL match condition once, so Run never pays
// compilation cost per request.
func newEntry(evaluator sandbox.PolicyEvaluator, policy config.Policy) (EvaluatorEntry, error) {
	entry := EvaluatorEntry{
		evaluator:       evaluator,
		mode:            policy.Mode,
		allowedToMutate: policy.AllowedToMutate,
		acceptNamespace: policy.AcceptNamespace,
	}

	if policy.MatchCondition != "" {
		program, err := compileMatchCondition(policy.MatchCondition)
		if err != nil {
			return EvaluatorEntry{}, fmt.Errorf("compiling match condition: %w", err)
		}
		entry.matchCondition = program
	}

	return entry, nil
}

// BuildEvaluators instantiates one sandbox.PolicyEvaluator per policy
// against engine, ready to hand to New. A policy whose evaluator fails
// to build is reported in the returned error map and simply absent
// from the evaluators map; it is the caller's decision whether that is
// fatal for the whole pool (spec.md §4.4 "Partial build failure").
func BuildEvaluators(engine sandbox.Engine, policies map[string]config.Policy) (map[string]EvaluatorEntry, map[string]error) {
	evaluators := make(map[string]EvaluatorEntry, len(policies))
	errs := make(map[string]error)

	for id, policy := range policies {
		evaluator, err := sandbox.NewEvaluator(engine, policy)
		if err != nil {
			errs[id] = err
			continue
		}

		entry, err := newEntry(evaluator, policy)
		if err != nil {
			evaluator.Close()
			errs[id] = err
			continue
		}

		evaluators[id] = entry
	}

	return evaluators, errs
}

// Run blocks, dequeuing EvalRequests until requests is closed. Every
// dequeued request receives exactly one reply (spec.md §3 invariant).
// A sandbox failure never takes the Worker down; it is translated into
// a synthetic rejection and the loop continues (spec.md §7).
func (w *Worker) Run() {
	for req := range w.requests {
		w.handle(req)
	}
}

// handle processes a single request. spec.md §4.3's failure semantics
// require the Worker to survive a sandbox call that panics or crashes;
// the wasm binding already turns traps into a code-500 response, but a
// genuine Go panic (e.g. a misbehaving evaluator) would otherwise take
// the whole worker goroutine down. The deferred recover turns that
// into the same kind of synthetic rejection a sandbox-reported failure
// gets, and the worker keeps draining its queue.
func (w *Worker) handle(req communication.EvalRequest) {
	ctx := req.ParentContext
	_, span := telemetry.StartPolicyEvalSpan(ctx)
	defer span.End()

	replied := false
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("policy_id", req.PolicyID).Msg("worker recovered from a panic during evaluation")
			if !replied {
				w.reply(req, communication.Reply{Known: true, Response: syntheticRejection(req.Request.UID, 500, fmt.Sprintf("policy evaluation panicked: %v", r))})
			}
		}
	}()

	entry, known := w.evaluators[req.PolicyID]
	if !known {
		w.reply(req, communication.Reply{Known: false})
		replied = true
		return
	}

	if entry.matchCondition != nil {
		matched, err := evaluateMatchCondition(entry.matchCondition, req.Request)
		if err != nil {
			w.logger.Error().Err(err).Str("policy_id", req.PolicyID).Msg("match condition evaluation failed")
			w.replyWithEvaluation(req, entry, syntheticRejection(req.Request.UID, 500, fmt.Sprintf("match condition evaluation failed: %v", err)), 0)
			replied = true
			return
		}
		if !matched {
			w.reply(req, communication.Reply{Known: true, Response: admissionreview.Response{UID: req.Request.UID, Allowed: true}})
			replied = true
			return
		}
	}

	payload, err := json.Marshal(req.Request)
	if err != nil {
		w.logger.Error().Err(err).Str("policy_id", req.PolicyID).Msg("failed to serialize admission request")
		w.replyWithEvaluation(req, entry, syntheticRejection(req.Request.UID, 400, fmt.Sprintf("Failed to serialize AdmissionReview: %v", err)), 0)
		replied = true
		return
	}

	start := time.Now()
	raw := entry.evaluator.Validate(payload, req.Request.UID)
	duration := time.Since(start)

	w.replyWithEvaluation(req, entry, raw, duration)
	replied = true
}

// replyWithEvaluation applies the response shaper, replies, and
// records metrics — the common tail of spec.md §4.3 steps 5-7,
// shared by both the synthetic-rejection and the real-evaluation
// paths so a serialization failure still "counts as an evaluation"
// (spec.md §7).
func (w *Worker) replyWithEvaluation(req communication.EvalRequest, entry EvaluatorEntry, raw admissionreview.Response, duration time.Duration) {
	var errorCode int32
	hasErrorCode := false
	if raw.Status != nil && raw.Status.Code != nil {
		errorCode = *raw.Status.Code
		hasErrorCode = true
	}
	accepted := raw.Allowed
	mutated := raw.Patch != nil

	shaped := response.Shape(response.Input{
		PolicyID:              req.PolicyID,
		Mode:                  entry.mode,
		AllowedToMutate:       entry.allowedToMutate,
		AcceptNamespace:       entry.acceptNamespace,
		AlwaysAcceptNamespace: w.alwaysAcceptNamespace,
		Raw:                   raw,
		RequestNamespace:      req.Request.Namespace,
	})

	w.reply(req, communication.Reply{Known: true, Response: shaped})

	if w.metrics != nil {
		eval := telemetry.Evaluation{
			PolicyID:          req.PolicyID,
			Mode:              string(entry.mode),
			ResourceNamespace: req.Request.Namespace,
			ResourceKind:      requestKind(req.Request),
			Operation:         req.Request.Operation,
			Accepted:          accepted,
			Mutated:           mutated,
			ErrorCode:         errorCode,
			HasErrorCode:      hasErrorCode,
		}
		w.metrics.RecordLatency(req.ParentContext, duration, eval)
		w.metrics.RecordEvaluation(req.ParentContext, eval)
	}
}

func requestKind(req admissionreview.Request) string {
	if req.RequestKind != nil {
		return req.RequestKind.Kind
	}
	return req.Kind.Kind
}

// reply sends on ReplySink without blocking the worker if the
// receiver has gone away: a dropped receiver is logged, not fatal
// (spec.md §4.1, §4.3 "Failure semantics").
func (w *Worker) reply(req communication.EvalRequest, reply communication.Reply) {
	select {
	case req.ReplySink <- reply:
	default:
		w.logger.Warn().Str("policy_id", req.PolicyID).Msg("receiver dropped")
	}
}

func syntheticRejection(uid string, code int32, message string) admissionreview.Response {
	return admissionreview.Response{
		UID:     uid,
		Allowed: false,
		Status:  &admissionreview.Status{Code: &code, Message: message},
	}
}

func compileMatchCondition(expression string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("request", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid match condition %q: %w", expression, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building CEL program: %w", err)
	}
	return program, nil
}

func evaluateMatchCondition(program cel.Program, req admissionreview.Request) (bool, error) {
	asJSON, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshaling request for match condition: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(asJSON, &asMap); err != nil {
		return false, fmt.Errorf("projecting request for match condition: %w", err)
	}

	out, _, err := program.Eval(map[string]any{"request": asMap})
	if err != nil {
		return false, fmt.Errorf("evaluating match condition: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("match condition did not evaluate to a boolean, got %T", out.Value())
	}
	return matched, nil
}
