package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyOverride is the parsed form of an optional YAML policy file.
// LoadPolicyOverride only parses it: nothing in asyncgated loads it at
// startup, and receipt validation and the termination table do not read
// it. Grounded on pkg/config/profile_loader.go's YAML-file
// regional-profile shape; AsyncGate's version is much smaller since the
// termination table itself is pure Go data, not a jurisdiction policy.
type PolicyOverride struct {
	// RequireAdditionalParents lists task types that must carry at
	// least N parents on a terminal receipt beyond the normal minimum
	// of one, keyed by task type.
	RequireAdditionalParents map[string]int `yaml:"require_additional_parents"`
}

// LoadPolicyOverride reads and parses a PolicyOverride YAML file. An
// empty path is not an error — it means no override is configured.
func LoadPolicyOverride(path string) (*PolicyOverride, error) {
	if path == "" {
		return &PolicyOverride{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy override %q: %w", path, err)
	}
	var override PolicyOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse policy override %q: %w", path, err)
	}
	return &override, nil
}
