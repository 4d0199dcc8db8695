package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy is a bounded exponential backoff budget for one class of
// external call.
type RetryPolicy struct {
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	MaximumInterval    time.Duration `yaml:"maximum_interval"`
	MaximumAttempts    int           `yaml:"maximum_attempts"`
}

// Policy holds the engine's tunable behavior: retry budgets per gateway
// capability, human-decision deadlines per kind, the mandate retry bound,
// and worker scheduling parameters.
type Policy struct {
	GatewayRetry      map[string]RetryPolicy   `yaml:"gateway_retry"`
	DecisionDeadlines map[string]time.Duration `yaml:"decision_deadlines"`

	MaxMandateAttempts int `yaml:"max_mandate_attempts"`

	LeaseDuration time.Duration `yaml:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// DefaultPolicy returns the policy applied when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		GatewayRetry: map[string]RetryPolicy{
			"quote":       {InitialInterval: 2 * time.Second, BackoffCoefficient: 2.0, MaximumInterval: time.Minute, MaximumAttempts: 3},
			"mandate":     {InitialInterval: 2 * time.Second, BackoffCoefficient: 2.0, MaximumInterval: time.Minute, MaximumAttempts: 3},
			"sanctions":   {InitialInterval: 5 * time.Second, BackoffCoefficient: 2.0, MaximumInterval: 2 * time.Minute, MaximumAttempts: 5},
			"procurement": {InitialInterval: 5 * time.Second, BackoffCoefficient: 2.0, MaximumInterval: 2 * time.Minute, MaximumAttempts: 5},
		},
		DecisionDeadlines: map[string]time.Duration{
			"document_upload":     72 * time.Hour,
			"risk_manager_review": 24 * time.Hour,
			"quote_review":        48 * time.Hour,
			"mandate_collection":  72 * time.Hour,
			"contract_signing":    96 * time.Hour,
			"two_factor_approval": 48 * time.Hour,
		},
		MaxMandateAttempts: 3,
		LeaseDuration:      2 * time.Minute,
		PollInterval:       5 * time.Second,
		SweepInterval:      30 * time.Second,
		Concurrency:        8,
	}
}

// LoadPolicy reads the policy file and overlays it on the defaults. An empty
// path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return policy, nil
}

func (p *Policy) validate() error {
	if p.MaxMandateAttempts < 1 {
		return fmt.Errorf("max_mandate_attempts must be at least 1")
	}
	if p.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	for name, rp := range p.GatewayRetry {
		if rp.MaximumAttempts < 1 {
			return fmt.Errorf("gateway_retry.%s.maximum_attempts must be at least 1", name)
		}
		if rp.BackoffCoefficient < 1 {
			return fmt.Errorf("gateway_retry.%s.backoff_coefficient must be >= 1", name)
		}
	}
	return nil
}

// RetryFor returns the retry budget for the named gateway capability,
// falling back to a single attempt when none is configured.
func (p *Policy) RetryFor(capability string) RetryPolicy {
	if rp, ok := p.GatewayRetry[capability]; ok {
		return rp
	}
	return RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2.0, MaximumInterval: time.Minute, MaximumAttempts: 1}
}

// DeadlineFor returns the decision deadline for the given kind, with a
// conservative default for unconfigured kinds.
func (p *Policy) DeadlineFor(kind string) time.Duration {
	if d, ok := p.DecisionDeadlines[kind]; ok {
		return d
	}
	return 24 * time.Hour
}
