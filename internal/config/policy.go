package config

import "encoding/json"

// PolicyMode mirrors api/policies/v1.PolicyMode: it controls whether a
// policy's verdict is enforced or only observed.
type PolicyMode string

const (
	PolicyModeProtect PolicyMode = "protect"
	PolicyModeMonitor PolicyMode = "monitor"
)

// Policy is the static, load-once configuration of a single policy
// instance. It is immutable once the process has started.
type Policy struct {
	// ID is the stable, URL-safe identifier used to route
	// /validate/{id} requests and to key the worker's evaluator map.
	ID string `json:"id"`

	// ArtifactRef locates the compiled policy artifact. Fetching,
	// precompiling and on-disk caching of the artifact are out of
	// scope for this repository; ArtifactRef is handed, as-is, to the
	// sandbox loader.
	ArtifactRef string `json:"module"`

	// Settings is opaque configuration passed to the sandbox at
	// evaluator construction time.
	Settings json.RawMessage `json:"settings,omitempty"`

	// Mode selects Protect (enforced) or Monitor (logged only).
	Mode PolicyMode `json:"mode"`

	// AllowedToMutate controls whether a patch returned by the policy
	// is honored (Protect mode only; ignored in Monitor mode).
	AllowedToMutate bool `json:"allowedToMutate"`

	// AcceptNamespace, when set, forces allowed=true for any request
	// whose namespace matches it, regardless of the policy's verdict.
	AcceptNamespace string `json:"acceptNamespace,omitempty"`

	// MatchCondition is an optional CEL expression evaluated against
	// the decoded AdmissionRequest (exposed to CEL as `request`)
	// before the sandbox is invoked. A false result skips the policy
	// entirely and the request is allowed. See SPEC_FULL.md §11.1.
	MatchCondition string `json:"matchCondition,omitempty"`
}
