package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/kubewarden/policy-server/internal/config"
)

// NewEvaluator builds a PolicyEvaluator for policy against the shared
// engine. Only the local-file artifact reference form is supported
// here: resolving registry:// and https:// references, precompiling,
// and on-disk caching are the out-of-scope "policy artifact fetching"
// collaborator of spec.md §1. A deployment that needs those simply
// arranges for ArtifactRef to already be a path to a fetched file
// before the policy-server starts.
func NewEvaluator(engine Engine, policy config.Policy) (PolicyEvaluator, error) {
	path := strings.TrimPrefix(policy.ArtifactRef, "file://")

	artifact, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy artifact %q: %w", path, err)
	}

	evaluator, err := newWasmEvaluator(engine, artifact, policy.Settings)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", policy.ID, err)
	}
	return evaluator, nil
}
