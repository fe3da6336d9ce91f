// Package communication defines the envelope that crosses the boundary
// between the cooperative HTTP front-end and the blocking worker pool
// (spec.md §4.1, component C1).
package communication

import (
	"context"

	"github.com/kubewarden/policy-server/internal/admissionreview"
)

// Reply is what a Worker sends back on EvalRequest.ReplySink.
//
//   - Known == true: Response holds the shaped verdict.
//   - Known == false: the policy id was not known to the worker; the
//     front-end must answer with "policy not known" (spec.md §3, §4.5).
type Reply struct {
	Known    bool
	Response admissionreview.Response
}

// EvalRequest is a single-producer/single-consumer envelope: the HTTP
// handler constructs and sends it exactly once, the Worker that
// dequeues it replies on ReplySink exactly once. There is no
// cancellation of an in-flight evaluation; a dropped receiver is
// detected by the Worker at reply time and logged, not treated as an
// error (spec.md §4.1).
type EvalRequest struct {
	PolicyID string
	Request  admissionreview.Request

	// ReplySink is consumed exactly once by whichever Worker dequeues
	// this request.
	ReplySink chan<- Reply

	// ParentContext carries the trace span the HTTP handler opened
	// (via trace.ContextWithSpan), so the Worker's "policy_eval" span
	// can be parented to it even though it runs on a different
	// goroutine (spec.md §4.3 step 1).
	ParentContext context.Context
}
