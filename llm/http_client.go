package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/inkforge/pipeline/infrastructure/httputil"
	"github.com/inkforge/pipeline/infrastructure/logging"
)

// maxResponseBody bounds how much of a provider's response body is read
// into memory; providers that stream past this are treated as oversized.
const maxResponseBody = 16 << 20 // 16 MiB

// HTTPProviderClient is a generic JSON-over-HTTP adapter shared by every
// OpenAI-compatible / Anthropic-compatible provider configured in the tier
// table. It carries no retry or circuit-breaking logic of its own — that is
// the Reliability Layer's job; this type only shapes one request/response.
type HTTPProviderClient struct {
	httpClient *http.Client
	configs    map[string]ProviderConfig
	log        *logging.Logger
}

// NewHTTPProviderClient builds a client over the given provider configs,
// keyed by ProviderConfig.Name.
func NewHTTPProviderClient(httpClient *http.Client, configs []ProviderConfig) *HTTPProviderClient {
	byName := make(map[string]ProviderConfig, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	return &HTTPProviderClient{httpClient: httpClient, configs: byName}
}

// WithLogger attaches a logger for per-call service logging, returning the
// client for chaining. A client with no logger just skips logging.
func (c *HTTPProviderClient) WithLogger(log *logging.Logger) *HTTPProviderClient {
	c.log = log
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Seed        *int64        `json:"seed,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call performs a single chat-completion request. It returns a
// *ProviderError (not a classify.Error — that classification happens one
// layer up, in the Reliability Layer) on any non-2xx response.
func (c *HTTPProviderClient) Call(ctx context.Context, provider, model, system, user string, opts Options) (string, Usage, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return "", Usage{}, &ProviderError{StatusCode: 0, Message: fmt.Sprintf("unknown provider %q", provider)}
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Seed:        opts.Seed,
	}
	payload, err := gojson.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logCall(ctx, provider, model, time.Since(start), err)
		return "", Usage{}, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _, err := httputil.ReadAllWithLimit(resp.Body, maxResponseBody)
	if err != nil {
		c.logCall(ctx, provider, model, time.Since(start), err)
		return "", Usage{}, &ProviderError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		callErr := &ProviderError{StatusCode: resp.StatusCode, Message: string(body), RetryAfter: retryAfter}
		c.logCall(ctx, provider, model, time.Since(start), callErr)
		return "", Usage{}, callErr
	}

	var parsed chatResponse
	if err := gojson.Unmarshal(body, &parsed); err != nil {
		c.logCall(ctx, provider, model, time.Since(start), err)
		return "", Usage{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		callErr := &ProviderError{StatusCode: resp.StatusCode, Message: "empty choices"}
		c.logCall(ctx, provider, model, time.Since(start), callErr)
		return "", Usage{}, callErr
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}
	c.logCall(ctx, provider, model, usage.Latency, nil)
	return parsed.Choices[0].Message.Content, usage, nil
}

// logCall records one outbound provider call via LogServiceCall, treating
// the configured provider as the target service and the model as the method.
func (c *HTTPProviderClient) logCall(ctx context.Context, provider, model string, duration time.Duration, err error) {
	if c.log != nil {
		c.log.LogServiceCall(ctx, provider, model, duration, err)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 0
}
