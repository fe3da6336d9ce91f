package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/admissionreview"
	"github.com/kubewarden/policy-server/internal/communication"
	"github.com/kubewarden/policy-server/internal/config"
)

type fakeEvaluator struct {
	response admissionreview.Response
	closed   bool
	panics   bool
}

func (f *fakeEvaluator) Validate(_ []byte, uid string) admissionreview.Response {
	if f.panics {
		panic("sandbox evaluator misbehaved")
	}
	resp := f.response
	resp.UID = uid
	return resp
}

func (f *fakeEvaluator) Close() { f.closed = true }

func newTestWorker(evaluators map[string]EvaluatorEntry, alwaysAcceptNamespace string) (*Worker, chan communication.EvalRequest) {
	requests := make(chan communication.EvalRequest, 4)
	w := New(0, evaluators, requests, nil, alwaysAcceptNamespace, zerolog.Nop())
	return w, requests
}

func TestWorker_UnknownPolicyRepliesNotKnown(t *testing.T) {
	w, requests := newTestWorker(map[string]EvaluatorEntry{}, "")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "missing",
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	w.Run()

	reply := <-replySink
	assert.False(t, reply.Known)
}

func TestWorker_KnownPolicyShapesResponse(t *testing.T) {
	eval := &fakeEvaluator{response: admissionreview.Response{Allowed: true}}
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect, allowedToMutate: false},
	}
	w, requests := newTestWorker(evaluators, "")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1", Namespace: "default"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	w.Run()

	reply := <-replySink
	require.True(t, reply.Known)
	assert.True(t, reply.Response.Allowed)
	assert.Equal(t, "req-1", reply.Response.UID)
}

func TestWorker_AlwaysAcceptNamespaceOverridesRejection(t *testing.T) {
	eval := &fakeEvaluator{response: admissionreview.Response{
		Allowed: false,
		Status:  &admissionreview.Status{Message: "denied"},
	}}
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect},
	}
	w, requests := newTestWorker(evaluators, "kube-system")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1", Namespace: "kube-system"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	w.Run()

	reply := <-replySink
	assert.True(t, reply.Response.Allowed)
}

func TestWorker_MatchConditionFalseSkipsEvaluation(t *testing.T) {
	eval := &fakeEvaluator{response: admissionreview.Response{Allowed: false}}
	program, err := compileMatchCondition(`request.operation == "DELETE"`)
	require.NoError(t, err)
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect, matchCondition: program},
	}
	w, requests := newTestWorker(evaluators, "")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1", Operation: "CREATE"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	w.Run()

	reply := <-replySink
	require.True(t, reply.Known)
	assert.True(t, reply.Response.Allowed, "a non-matching request is allowed without invoking the sandbox")
}

func TestWorker_MatchConditionTrueEvaluatesPolicy(t *testing.T) {
	eval := &fakeEvaluator{response: admissionreview.Response{Allowed: false, Status: &admissionreview.Status{Message: "denied"}}}
	program, err := compileMatchCondition(`request.operation == "DELETE"`)
	require.NoError(t, err)
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect, matchCondition: program},
	}
	w, requests := newTestWorker(evaluators, "")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1", Operation: "DELETE"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	w.Run()

	reply := <-replySink
	assert.False(t, reply.Response.Allowed)
}

func TestWorker_RecoversFromEvaluatorPanic(t *testing.T) {
	eval := &fakeEvaluator{panics: true}
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect},
	}
	w, requests := newTestWorker(evaluators, "")
	replySink := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	// A second, well-behaved request proves the worker goroutine
	// survived the panic and kept draining its queue.
	eval2 := &fakeEvaluator{response: admissionreview.Response{Allowed: true}}
	evaluators["other-policy"] = EvaluatorEntry{evaluator: eval2, mode: config.PolicyModeProtect}
	replySink2 := make(chan communication.Reply, 1)
	requests <- communication.EvalRequest{
		PolicyID:      "other-policy",
		Request:       admissionreview.Request{UID: "req-2"},
		ReplySink:     replySink2,
		ParentContext: context.Background(),
	}
	close(requests)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive an evaluator panic")
	}

	reply := <-replySink
	require.True(t, reply.Known)
	assert.False(t, reply.Response.Allowed)
	require.NotNil(t, reply.Response.Status)
	assert.Equal(t, int32(500), *reply.Response.Status.Code)

	reply2 := <-replySink2
	assert.True(t, reply2.Response.Allowed)
}

func TestWorker_DroppedReceiverDoesNotBlockOrCrash(t *testing.T) {
	eval := &fakeEvaluator{response: admissionreview.Response{Allowed: true}}
	evaluators := map[string]EvaluatorEntry{
		"my-policy": {evaluator: eval, mode: config.PolicyModeProtect},
	}
	w, requests := newTestWorker(evaluators, "")

	// Unbuffered and never read: the worker must not block forever.
	replySink := make(chan communication.Reply)
	requests <- communication.EvalRequest{
		PolicyID:      "my-policy",
		Request:       admissionreview.Request{UID: "req-1"},
		ReplySink:     replySink,
		ParentContext: context.Background(),
	}
	close(requests)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker blocked on a dropped receiver")
	}
}
