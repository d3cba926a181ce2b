package reliability

import (
	"context"
	"errors"
	"net"

	"github.com/inkforge/pipeline/domain/classify"
	"github.com/inkforge/pipeline/llm"
)

// Classify maps a provider call's error into the classified taxonomy per
// spec §4.E's classification rules.
func Classify(err error) *classify.Error {
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		return classifyStatus(provErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		base, max, retryable := classify.RetryPolicy(classify.KindNetwork)
		return &classify.Error{Kind: classify.KindNetwork, Message: err.Error(), BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		base, max, retryable := classify.RetryPolicy(classify.KindNetwork)
		return &classify.Error{Kind: classify.KindNetwork, Message: "deadline exceeded", BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return classify.New(classify.KindCancelled, "cancelled")
	}

	base, max, retryable := classify.RetryPolicy(classify.KindUnknown)
	return &classify.Error{Kind: classify.KindUnknown, Message: err.Error(), BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: err}
}

func classifyStatus(p *llm.ProviderError) *classify.Error {
	switch {
	case p.StatusCode == 429:
		base, max, retryable := classify.RetryPolicy(classify.KindRateLimit)
		ce := &classify.Error{Kind: classify.KindRateLimit, Message: p.Message, BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: p}
		if p.RetryAfter > 0 {
			ce.RetryAfter = p.RetryAfter
		}
		return ce
	case p.StatusCode == 400:
		return &classify.Error{Kind: classify.KindInvalidInput, Message: p.Message, Retryable: false, Err: p}
	case p.StatusCode == 401 || p.StatusCode == 403:
		return &classify.Error{Kind: classify.KindPermanent, Message: p.Message, Retryable: false, Err: p}
	case p.StatusCode >= 500 && p.StatusCode <= 504:
		base, max, retryable := classify.RetryPolicy(classify.KindTransient)
		return &classify.Error{Kind: classify.KindTransient, Message: p.Message, BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: p}
	case p.StatusCode == 0:
		// connection-level failure (no HTTP response at all): network.
		base, max, retryable := classify.RetryPolicy(classify.KindNetwork)
		return &classify.Error{Kind: classify.KindNetwork, Message: p.Message, BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: p}
	default:
		base, max, retryable := classify.RetryPolicy(classify.KindUnknown)
		return &classify.Error{Kind: classify.KindUnknown, Message: p.Message, BaseDelay: base, MaxRetries: max, Retryable: retryable, Err: p}
	}
}
