package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Load reads the static policy list from a YAML file and decodes it
// into a map keyed by policy id, ready to be handed to
// workerpool.Build. Policies are loaded once, at startup; there is no
// facility for reloading them without a process restart.
func Load(path string) (map[string]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config %q: %w", path, err)
	}

	var policies []Policy
	if err := yaml.Unmarshal(raw, &policies); err != nil {
		return nil, fmt.Errorf("decoding policy config %q: %w", path, err)
	}

	byID := make(map[string]Policy, len(policies))
	for _, policy := range policies {
		if policy.ID == "" {
			return nil, fmt.Errorf("policy config %q: entry with empty id", path)
		}
		if policy.Mode == "" {
			policy.Mode = PolicyModeProtect
		}
		if _, exists := byID[policy.ID]; exists {
			return nil, fmt.Errorf("policy config %q: duplicate policy id %q", path, policy.ID)
		}
		byID[policy.ID] = policy
	}

	return byID, nil
}
