package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy overrides the retry knobs of one change kind. Zero fields keep
// the kind's built-in default.
type RetryPolicy struct {
	MaxRetryCount *int          `yaml:"max_retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type policyFile struct {
	Policies map[string]RetryPolicy `yaml:"policies"`
}

// LoadRetryPolicies reads per-kind retry policies from a YAML file such as
//
//	policies:
//	  stop_process:
//	    max_retry_count: 10
//	    retry_interval: 15s
//
// An empty path yields no overrides.
func LoadRetryPolicies(path string) (map[string]RetryPolicy, error) {
	if path == "" {
		return map[string]RetryPolicy{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retry policies: %w", err)
	}
	return ParseRetryPolicies(b)
}

func ParseRetryPolicies(b []byte) (map[string]RetryPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse retry policies: %w", err)
	}
	for kind, p := range f.Policies {
		if p.MaxRetryCount != nil && *p.MaxRetryCount < 0 {
			return nil, fmt.Errorf("retry policy %q: max_retry_count must be >= 0", kind)
		}
		if p.RetryInterval < 0 {
			return nil, fmt.Errorf("retry policy %q: retry_interval must be >= 0", kind)
		}
	}
	if f.Policies == nil {
		f.Policies = map[string]RetryPolicy{}
	}
	return f.Policies, nil
}
