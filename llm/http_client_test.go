package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestHTTPProviderClient_CallSuccess(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, chatResponse{
		Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "generated text"}}},
	})
	defer srv.Close()

	client := NewHTTPProviderClient(&http.Client{}, []ProviderConfig{{Name: "test-provider", BaseURL: srv.URL}})

	text, usage, err := client.Call(context.Background(), "test-provider", "test-model", "system", "user", Options{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "generated text", text)
	assert.GreaterOrEqual(t, usage.Latency, time.Duration(0))
}

func TestHTTPProviderClient_UnknownProvider(t *testing.T) {
	client := NewHTTPProviderClient(&http.Client{}, nil)

	_, _, err := client.Call(context.Background(), "ghost", "model", "s", "u", Options{})
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 0, provErr.StatusCode)
}

func TestHTTPProviderClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Header().Set("Retry-After", "2")
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(&http.Client{}, []ProviderConfig{{Name: "p", BaseURL: srv.URL}})

	_, _, err := client.Call(context.Background(), "p", "m", "s", "u", Options{})
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusTooManyRequests, provErr.StatusCode)
}

func TestHTTPProviderClient_EmptyChoices(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, chatResponse{})
	defer srv.Close()

	client := NewHTTPProviderClient(&http.Client{}, []ProviderConfig{{Name: "p", BaseURL: srv.URL}})

	_, _, err := client.Call(context.Background(), "p", "m", "s", "u", Options{})
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("not-a-number"))
}
