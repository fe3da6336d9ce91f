// Package response implements the response-shaping state machine
// (spec.md §4.2, component C2): a pure, total function from a raw
// sandbox verdict to the AdmissionResponse actually returned to the
// API server. It has no I/O and is covered by the table-driven tests in
// shaper_test.go.
package response

import (
	"fmt"

	"github.com/kubewarden/policy-server/internal/admissionreview"
	"github.com/kubewarden/policy-server/internal/config"
)

// Input bundles the Shape function's parameters so call sites read as
// one value rather than six positional arguments.
type Input struct {
	PolicyID        string
	Mode            config.PolicyMode
	AllowedToMutate bool
	// AcceptNamespace is the empty string when unset; Shape treats ""
	// as "no override" rather than as a literal namespace to match,
	// since the empty namespace never appears on a real request.
	AcceptNamespace string
	// AlwaysAcceptNamespace is the process-wide
	// --always-accept-admission-reviews-on-namespace override
	// (SPEC_FULL.md §10), applied identically to every policy. It
	// is independent of AcceptNamespace; either one matching is
	// enough.
	AlwaysAcceptNamespace string
	Raw                   admissionreview.Response
	RequestNamespace      string
}

// Shape applies the rules of spec.md §4.2 in order: mode projection,
// then namespace override. It never fails and never mutates in.Raw.
func Shape(in Input) admissionreview.Response {
	out := modeProjection(in.PolicyID, in.Mode, in.AllowedToMutate, in.Raw)

	if in.RequestNamespace != "" && (in.AcceptNamespace == in.RequestNamespace || in.AlwaysAcceptNamespace == in.RequestNamespace) {
		out.Allowed = true
	}

	return out
}

func modeProjection(policyID string, mode config.PolicyMode, allowedToMutate bool, raw admissionreview.Response) admissionreview.Response {
	out := raw.Clone()

	if mode == config.PolicyModeMonitor {
		out.Allowed = true
		out.Patch = nil
		out.PatchType = nil
		out.Status = nil
		return out
	}

	// Protect mode (the default): a patch from a policy that is not
	// allowed to mutate is rejected outright, everything else passes
	// through untouched.
	if out.Patch != nil && !allowedToMutate {
		return rejectMutationNotAllowed(policyID, out)
	}
	return out
}

// rejectMutationNotAllowed is the canonical, byte-for-byte stable
// rejection produced when Protect mode sees a patch from a policy that
// is not allowed to mutate (spec.md §4.2 step 1, §8 property 3).
func rejectMutationNotAllowed(policyID string, raw admissionreview.Response) admissionreview.Response {
	message := fmt.Sprintf(
		"Request rejected by policy %s. The policy attempted to mutate the request, but it is currently configured to not allow mutations.",
		policyID,
	)
	out := raw
	out.Allowed = false
	out.Patch = nil
	out.PatchType = nil
	out.Status = &admissionreview.Status{Message: message}
	return out
}
