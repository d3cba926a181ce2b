package main

import (
	"context"
	"net/http"
	"time"

	"github.com/inkforge/pipeline/eventbus"
	"github.com/inkforge/pipeline/infrastructure/config"
	"github.com/inkforge/pipeline/infrastructure/logging"
	"github.com/inkforge/pipeline/infrastructure/metrics"
	pipelineruntime "github.com/inkforge/pipeline/infrastructure/runtime"
	"github.com/inkforge/pipeline/llm"
	"github.com/inkforge/pipeline/orchestrator"
	"github.com/inkforge/pipeline/registry"
	"github.com/inkforge/pipeline/reliability"
	"github.com/inkforge/pipeline/steprunner"
	"github.com/inkforge/pipeline/steps"
	"github.com/inkforge/pipeline/store"
)

// app bundles the wired components a subcommand needs. It is built fresh
// per invocation; pipelinectl is a CLI, not a long-running server.
type app struct {
	store *store.Store
	bus   *eventbus.Bus
	orch  *orchestrator.Orchestrator
	log   *logging.Logger
}

const serviceName = "pipelinectl"

func buildApp(storeDir string) (*app, error) {
	steps.All()

	log := logging.NewFromEnv(serviceName)

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init(serviceName)
	}

	st, err := store.New(storeDir, log)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(st)

	providersPath := config.GetEnv("PIPELINE_PROVIDERS_FILE", "./providers.yaml")
	fileCfg, fileErr := config.LoadProvidersConfig(providersPath)
	if fileErr == nil {
		log.Info(context.Background(), "loaded provider config from file", map[string]interface{}{"path": providersPath})
	}
	configs, tiers := loadProviderSettings(fileCfg)

	requestTimeout := pipelineruntime.ResolveDuration(fileRequestTimeout(fileCfg), "PIPELINE_REQUEST_TIMEOUT", 300*time.Second)
	httpClient := &http.Client{Timeout: requestTimeout}
	client := llm.NewHTTPProviderClient(httpClient, configs).WithLogger(log)

	layer, err := reliability.New(client, log, m, serviceName, tiers, 256, 4096)
	if err != nil {
		return nil, err
	}

	// Precedence is providers.yaml, then the PIPELINE_* env var, then the
	// built-in default (infrastructure/runtime.Resolve*), so an operator can
	// hand-edit one file instead of exporting a dozen variables.
	fanoutLimit := pipelineruntime.ResolveInt(fileFanoutConcurrency(fileCfg), "PIPELINE_FANOUT_CONCURRENCY", 8)
	progressEvery := pipelineruntime.ResolveInt(fileProgressEvery(fileCfg), "PIPELINE_PROGRESS_EVERY", 5)
	stepRuntime := steprunner.New(st, bus, layer, fanoutLimit, progressEvery).WithMetrics(m, serviceName)

	orch := orchestrator.New(st, bus, stepRuntime, layer, log, m, serviceName)

	return &app{store: st, bus: bus, orch: orch, log: log}, nil
}

func fileFanoutConcurrency(cfg *config.ProvidersConfig) int {
	if cfg == nil {
		return 0
	}
	return cfg.FanoutConcurrency
}

func fileProgressEvery(cfg *config.ProvidersConfig) int {
	if cfg == nil {
		return 0
	}
	return cfg.ProgressEvery
}

func fileRequestTimeout(cfg *config.ProvidersConfig) time.Duration {
	if cfg == nil || cfg.RequestTimeout == "" {
		return 0
	}
	return config.ParseDurationOrDefault(cfg.RequestTimeout, 0)
}

// loadProviderSettings builds the provider endpoint table and tier candidate
// chains from an already-loaded providers.yaml, falling back to the
// built-in env-var defaults when cfg is nil (no file present) or empty.
func loadProviderSettings(cfg *config.ProvidersConfig) ([]llm.ProviderConfig, map[registry.Tier][]llm.Candidate) {
	if cfg == nil {
		return providerConfigs(), tierCandidates()
	}

	configs := make([]llm.ProviderConfig, 0, len(cfg.Providers))
	for name, settings := range cfg.Providers {
		configs = append(configs, llm.ProviderConfig{Name: name, BaseURL: settings.BaseURL, APIKey: settings.APIKey})
	}
	if len(configs) == 0 {
		configs = providerConfigs()
	}

	tiers := make(map[registry.Tier][]llm.Candidate, len(cfg.Tiers))
	for tierName, candidates := range cfg.Tiers {
		cands := make([]llm.Candidate, len(candidates))
		for i, c := range candidates {
			cands[i] = llm.Candidate{Provider: c.Provider, Model: c.Model}
		}
		tiers[registry.Tier(tierName)] = cands
	}
	if len(tiers) == 0 {
		tiers = tierCandidates()
	}

	return configs, tiers
}

// providerConfigs builds the provider endpoint table from the environment.
// No API keys are bundled; operators supply them per provider, matching
// the external-collaborator boundary (SPEC_FULL.md §4.E).
func providerConfigs() []llm.ProviderConfig {
	return []llm.ProviderConfig{
		{
			Name:    "local-fast",
			BaseURL: config.GetEnv("PIPELINE_LOCAL_FAST_BASE_URL", "http://localhost:11434/v1"),
			APIKey:  config.GetEnv("PIPELINE_LOCAL_FAST_API_KEY", ""),
		},
		{
			Name:    "openai-compatible",
			BaseURL: config.GetEnv("PIPELINE_OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  config.GetEnv("PIPELINE_OPENAI_API_KEY", ""),
		},
		{
			Name:    "anthropic-compatible",
			BaseURL: config.GetEnv("PIPELINE_ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			APIKey:  config.GetEnv("PIPELINE_ANTHROPIC_API_KEY", ""),
		},
	}
}

// tierCandidates is the default provider/model candidate chain per tier
// (SPEC_FULL.md §4.E); each model name is overridable via its own
// PIPELINE_*_MODEL env var below.
func tierCandidates() map[registry.Tier][]llm.Candidate {
	return map[registry.Tier][]llm.Candidate{
		registry.TierFast: {
			{Provider: "local-fast", Model: config.GetEnv("PIPELINE_FAST_MODEL", "draft-model")},
			{Provider: "openai-compatible", Model: config.GetEnv("PIPELINE_FAST_FALLBACK_MODEL", "fast-model")},
		},
		registry.TierBalanced: {
			{Provider: "openai-compatible", Model: config.GetEnv("PIPELINE_BALANCED_MODEL", "balanced-model")},
			{Provider: "anthropic-compatible", Model: config.GetEnv("PIPELINE_BALANCED_FALLBACK_MODEL", "balanced-model")},
		},
		registry.TierQuality: {
			{Provider: "anthropic-compatible", Model: config.GetEnv("PIPELINE_QUALITY_MODEL", "quality-model")},
			{Provider: "openai-compatible", Model: config.GetEnv("PIPELINE_QUALITY_FALLBACK_MODEL", "quality-model")},
		},
	}
}
