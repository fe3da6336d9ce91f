// Package admissionreview adapts the Kubernetes AdmissionReview wire
// format (v1 and v1beta1) into the dispatch core's internal request and
// response types. The wire format itself is an external contract (see
// spec.md §6); this package only decodes/encodes it.
package admissionreview

import "encoding/json"

// GroupVersionKind and GroupVersionResource mirror the k8s.io/apimachinery
// metav1 types closely enough for the core's purposes, without pulling
// the whole admission wire type into every downstream package.
type GroupVersionKind struct {
	Group   string `json:"group"`
	Version string `json:"version"`
	Kind    string `json:"kind"`
}

type GroupVersionResource struct {
	Group    string `json:"group"`
	Version  string `json:"version"`
	Resource string `json:"resource"`
}

// Request is the subset of an AdmissionRequest the dispatch core reads,
// per spec.md §3.
type Request struct {
	UID         string               `json:"uid"`
	Kind        GroupVersionKind     `json:"kind"`
	Resource    GroupVersionResource `json:"resource"`
	SubResource string               `json:"subResource,omitempty"`
	Name        string               `json:"name,omitempty"`
	Namespace   string               `json:"namespace,omitempty"`
	Operation   string               `json:"operation"`
	RequestKind *GroupVersionKind    `json:"requestKind,omitempty"`
	Object      json.RawMessage      `json:"object,omitempty"`
	OldObject   json.RawMessage      `json:"oldObject,omitempty"`
}

// Status mirrors metav1.Status's fields that the core can set.
type Status struct {
	Code    *int32 `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response is the subset of an AdmissionResponse the dispatch core
// writes, per spec.md §3.
type Response struct {
	UID       string  `json:"uid"`
	Allowed   bool    `json:"allowed"`
	Patch     *string `json:"patch,omitempty"`
	PatchType *string `json:"patchType,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

// Clone returns a deep copy, used by the response shaper so that its
// inputs are never mutated.
func (r Response) Clone() Response {
	out := r
	if r.Patch != nil {
		p := *r.Patch
		out.Patch = &p
	}
	if r.PatchType != nil {
		pt := *r.PatchType
		out.PatchType = &pt
	}
	if r.Status != nil {
		s := *r.Status
		out.Status = &s
	}
	return out
}
