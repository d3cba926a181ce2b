package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderSettings is one entry in a provider table loaded from
// providers.yaml: a named LLM endpoint and its credentials.
type ProviderSettings struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CandidateSettings is one (provider, model) pair in a tier's candidate
// chain.
type CandidateSettings struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProvidersConfig is the on-disk shape of providers.yaml: the provider
// endpoint table, the per-tier candidate chains that reference it, and a
// handful of optional runtime overrides. FanoutConcurrency, ProgressEvery,
// and RequestTimeout are all optional; a zero/empty value means "let the
// environment or built-in default decide" (see runtime.Resolve*).
type ProvidersConfig struct {
	Providers         map[string]ProviderSettings    `yaml:"providers"`
	Tiers             map[string][]CandidateSettings `yaml:"tiers"`
	FanoutConcurrency int                             `yaml:"fanout_concurrency"`
	ProgressEvery     int                             `yaml:"progress_every"`
	RequestTimeout    string                          `yaml:"request_timeout"`
}

// LoadProvidersConfig loads the provider/tier table from the given path.
// Operators without a providers.yaml fall back to the built-in env-var
// defaults in cmd/pipelinectl; this loader only kicks in when the file
// exists.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}

	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}

	for name, candidates := range cfg.Tiers {
		for _, c := range candidates {
			if _, ok := cfg.Providers[c.Provider]; !ok {
				return nil, fmt.Errorf("tier %q references unknown provider %q", name, c.Provider)
			}
		}
	}

	return &cfg, nil
}
