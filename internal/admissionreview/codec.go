package admissionreview

import (
	"encoding/json"
	"fmt"

	admissionv1 "k8s.io/api/admission/v1"
	admissionv1beta1 "k8s.io/api/admission/v1beta1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/apimachinery/pkg/types"
)

func admissionUID(uid string) types.UID {
	return types.UID(uid)
}

// scheme and deserializer are built once and reused across requests,
// the same pattern used by autermann's admission-webhook-server and by
// psturc's ci-scheduling-webhook: a single UniversalDeserializer that
// accepts both admission/v1 and admission/v1beta1 payloads.
var (
	scheme               = runtime.NewScheme()
	universalDeserializer runtime.Decoder
)

func init() {
	utilMust(admissionv1.AddToScheme(scheme))
	utilMust(admissionv1beta1.AddToScheme(scheme))
	universalDeserializer = serializer.NewCodecFactory(scheme).UniversalDeserializer()
}

func utilMust(err error) {
	if err != nil {
		panic(fmt.Sprintf("admissionreview: building scheme: %v", err))
	}
}

// Envelope carries the decoded Request alongside enough of the
// original wire envelope (apiVersion/kind, and the v1beta1-ness) to
// produce a response the caller's API server will accept.
type Envelope struct {
	apiVersion string
	kind       string
	isV1Beta1  bool

	// Request is nil when the incoming AdmissionReview had no
	// `request` field (a malformed call per spec.md §4.5 step 1).
	Request *Request
}

// Decode parses body as an AdmissionReview (v1 or v1beta1) and
// extracts the embedded AdmissionRequest. It does not fail on a
// missing `request` field; callers must check Envelope.Request.
func Decode(body []byte) (*Envelope, error) {
	obj, gvk, err := universalDeserializer.Decode(body, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding AdmissionReview: %w", err)
	}

	env := &Envelope{
		apiVersion: gvk.GroupVersion().String(),
		kind:       gvk.Kind,
	}

	switch review := obj.(type) {
	case *admissionv1.AdmissionReview:
		env.Request = requestFromV1(review.Request)
	case *admissionv1beta1.AdmissionReview:
		env.isV1Beta1 = true
		env.Request = requestFromV1Beta1(review.Request)
	default:
		return nil, fmt.Errorf("decoding AdmissionReview: unsupported type %T", obj)
	}

	return env, nil
}

func requestFromV1(r *admissionv1.AdmissionRequest) *Request {
	if r == nil {
		return nil
	}
	return &Request{
		UID:         string(r.UID),
		Kind:        GroupVersionKind{Group: r.Kind.Group, Version: r.Kind.Version, Kind: r.Kind.Kind},
		Resource:    GroupVersionResource{Group: r.Resource.Group, Version: r.Resource.Version, Resource: r.Resource.Resource},
		SubResource: r.SubResource,
		Name:        r.Name,
		Namespace:   r.Namespace,
		Operation:   string(r.Operation),
		RequestKind: gvkPtr(r.RequestKind),
		Object:      r.Object.Raw,
		OldObject:   r.OldObject.Raw,
	}
}

func requestFromV1Beta1(r *admissionv1beta1.AdmissionRequest) *Request {
	if r == nil {
		return nil
	}
	return &Request{
		UID:         string(r.UID),
		Kind:        GroupVersionKind{Group: r.Kind.Group, Version: r.Kind.Version, Kind: r.Kind.Kind},
		Resource:    GroupVersionResource{Group: r.Resource.Group, Version: r.Resource.Version, Resource: r.Resource.Resource},
		SubResource: r.SubResource,
		Name:        r.Name,
		Namespace:   r.Namespace,
		Operation:   string(r.Operation),
		RequestKind: gvkPtr(r.RequestKind),
		Object:      r.Object.Raw,
		OldObject:   r.OldObject.Raw,
	}
}

func gvkPtr(gvk *metav1.GroupVersionKind) *GroupVersionKind {
	if gvk == nil {
		return nil
	}
	return &GroupVersionKind{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind}
}

// EncodeResponse serializes resp as an AdmissionReview, echoing the
// apiVersion/kind of the request envelope it was decoded from.
func (e *Envelope) EncodeResponse(resp Response) ([]byte, error) {
	if e.isV1Beta1 {
		review := admissionv1beta1.AdmissionReview{
			TypeMeta: metav1.TypeMeta{APIVersion: e.apiVersion, Kind: e.kind},
			Response: toV1Beta1(resp),
		}
		return json.Marshal(review)
	}
	review := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: e.apiVersion, Kind: e.kind},
		Response: toV1(resp),
	}
	return json.Marshal(review)
}

func toV1(resp Response) *admissionv1.AdmissionResponse {
	out := &admissionv1.AdmissionResponse{
		UID:     admissionUID(resp.UID),
		Allowed: resp.Allowed,
	}
	if resp.Patch != nil {
		out.Patch = []byte(*resp.Patch)
	}
	if resp.PatchType != nil {
		pt := admissionv1.PatchType(*resp.PatchType)
		out.PatchType = &pt
	}
	if resp.Status != nil {
		out.Result = &metav1.Status{Message: resp.Status.Message}
		if resp.Status.Code != nil {
			out.Result.Code = *resp.Status.Code
		}
	}
	return out
}

func toV1Beta1(resp Response) *admissionv1beta1.AdmissionResponse {
	out := &admissionv1beta1.AdmissionResponse{
		UID:     admissionUID(resp.UID),
		Allowed: resp.Allowed,
	}
	if resp.Patch != nil {
		out.Patch = []byte(*resp.Patch)
	}
	if resp.PatchType != nil {
		pt := admissionv1beta1.PatchType(*resp.PatchType)
		out.PatchType = &pt
	}
	if resp.Status != nil {
		out.Result = &metav1.Status{Message: resp.Status.Message}
		if resp.Status.Code != nil {
			out.Result.Code = *resp.Status.Code
		}
	}
	return out
}
