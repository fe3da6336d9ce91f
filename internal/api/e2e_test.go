package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/kubewarden/policy-server/internal/admissionreview"
	"github.com/kubewarden/policy-server/internal/api"
	"github.com/kubewarden/policy-server/internal/communication"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/response"
)

// shapingPool plays the part the Worker would: it runs the exact same
// response.Shape call a real worker makes, over a canned raw sandbox
// verdict, and replies on the request's sink. Driving requests through
// a real httptest.Server and a real http.Client against this pool
// exercises the full HTTP front-end (routing, AdmissionReview
// decode/encode, response shaping) for every row of spec.md §8's
// end-to-end scenario table, without standing up a real sandbox.
type shapingPool struct {
	mode            config.PolicyMode
	allowedToMutate bool
	acceptNamespace string
	raw             admissionreview.Response
	known           bool
}

func (p *shapingPool) Submit(_ context.Context, req communication.EvalRequest) error {
	if !p.known {
		req.ReplySink <- communication.Reply{Known: false}
		return nil
	}
	raw := p.raw
	raw.UID = req.Request.UID
	shaped := response.Shape(response.Input{
		PolicyID:         req.PolicyID,
		Mode:             p.mode,
		AllowedToMutate:  p.allowedToMutate,
		AcceptNamespace:  p.acceptNamespace,
		Raw:              raw,
		RequestNamespace: req.Request.Namespace,
	})
	req.ReplySink <- communication.Reply{Known: true, Response: shaped}
	return nil
}

const policyID = "psp-caps"
const requestUID = "U1"

func admissionReviewFor(namespace string) string {
	return fmt.Sprintf(`{
  "apiVersion": "admission.k8s.io/v1",
  "kind": "AdmissionReview",
  "request": {
    "uid": %q,
    "kind": {"group": "", "version": "v1", "kind": "Pod"},
    "resource": {"group": "", "version": "v1", "resource": "pods"},
    "name": "my-pod",
    "namespace": %q,
    "operation": "CREATE",
    "object": {}
  }
}`, requestUID, namespace)
}

func startServer(pool api.Pool) *httptest.Server {
	server := api.NewServer(pool, nil, zerolog.Nop())
	return httptest.NewServer(server.Handler())
}

func postAdmissionReview(ts *httptest.Server, body string) (*http.Response, map[string]any) {
	resp, err := http.Post(ts.URL+"/validate/"+policyID, "application/json", bytes.NewBufferString(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var decoded map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
	return resp, decoded
}

var patchType = "application/json-patch+json"

var _ = Describe("the HTTP front-end, end to end", func() {
	var ts *httptest.Server

	AfterEach(func() {
		if ts != nil {
			ts.Close()
		}
	})

	It("scenario 1: Protect mode rejects an unauthorized mutation", func() {
		patch := "P"
		pool := &shapingPool{
			mode:            config.PolicyModeProtect,
			allowedToMutate: false,
			known:           true,
			raw: admissionreview.Response{
				Allowed:   true,
				Patch:     &patch,
				PatchType: &patchType,
			},
		}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, admissionReviewFor("dev"))
		Expect(httpResp.StatusCode).To(Equal(http.StatusOK))

		review := decoded["response"].(map[string]any)
		Expect(review["uid"]).To(Equal(requestUID))
		Expect(review["allowed"]).To(Equal(false))
		status := review["status"].(map[string]any)
		Expect(status["message"]).To(ContainSubstring("Request rejected by policy psp-caps"))
	})

	It("scenario 2: Protect mode allows an authorized mutation", func() {
		patch := "P"
		pool := &shapingPool{
			mode:            config.PolicyModeProtect,
			allowedToMutate: true,
			known:           true,
			raw: admissionreview.Response{
				Allowed:   true,
				Patch:     &patch,
				PatchType: &patchType,
			},
		}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, admissionReviewFor("dev"))
		Expect(httpResp.StatusCode).To(Equal(http.StatusOK))

		review := decoded["response"].(map[string]any)
		Expect(review["uid"]).To(Equal(requestUID))
		Expect(review["allowed"]).To(Equal(true))
		Expect(review["patchType"]).To(Equal(patchType))
	})

	It("scenario 3: Monitor mode always allows and clears the verdict", func() {
		code := int32(500)
		pool := &shapingPool{
			mode:  config.PolicyModeMonitor,
			known: true,
			raw: admissionreview.Response{
				Allowed: false,
				Status:  &admissionreview.Status{Code: &code, Message: "bad"},
			},
		}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, admissionReviewFor("dev"))
		Expect(httpResp.StatusCode).To(Equal(http.StatusOK))

		review := decoded["response"].(map[string]any)
		Expect(review["uid"]).To(Equal(requestUID))
		Expect(review["allowed"]).To(Equal(true))
		Expect(review["patch"]).To(BeNil())
		Expect(review["status"]).To(BeNil())
	})

	It("scenario 4: a namespace override forces allowed=true but keeps the status", func() {
		pool := &shapingPool{
			mode:            config.PolicyModeProtect,
			allowedToMutate: false,
			acceptNamespace: "kube-system",
			known:           true,
			raw: admissionreview.Response{
				Allowed: false,
				Status:  &admissionreview.Status{Message: "no"},
			},
		}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, admissionReviewFor("kube-system"))
		Expect(httpResp.StatusCode).To(Equal(http.StatusOK))

		review := decoded["response"].(map[string]any)
		Expect(review["uid"]).To(Equal(requestUID))
		Expect(review["allowed"]).To(Equal(true))
		status := review["status"].(map[string]any)
		Expect(status["message"]).To(Equal("no"))
	})

	It("scenario 5: an unknown policy answers 404 without invoking any evaluator", func() {
		pool := &shapingPool{known: false}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, admissionReviewFor("dev"))
		Expect(httpResp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(decoded["message"]).To(Equal("requested policy not known"))
	})

	It("scenario 6: a missing request field answers 400", func() {
		pool := &shapingPool{known: true}
		ts = startServer(pool)

		httpResp, decoded := postAdmissionReview(ts, `{"apiVersion": "admission.k8s.io/v1", "kind": "AdmissionReview"}`)
		Expect(httpResp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(decoded["message"]).To(Equal("No Request object defined inside AdmissionReview object"))
	})
})
