package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
)

// completionServer answers every chat completion with content, or with the
// given status when it is not 200.
func completionServer(t *testing.T, status int, content string, seen *[]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if seen != nil {
			*seen = append(*seen, body)
		}

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient_Complete(t *testing.T) {
	var seen []map[string]any
	srv := completionServer(t, http.StatusOK, "Sure.", &seen)
	c := NewOpenAIClient(domain.NLServiceConfig{BaseURL: srv.URL + "/v1", APIKey: "test"}, testLogger())

	reply, err := c.Complete(context.Background(), "Say sure", 20, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Sure.", reply)
	require.Len(t, seen, 1)
	assert.Equal(t, defaultModel, seen[0]["model"])
	assert.Equal(t, 20.0, seen[0]["max_tokens"])
}

func TestOpenAIClient_ExtractStructuredRepairsReply(t *testing.T) {
	var seen []map[string]any
	srv := completionServer(t, http.StatusOK, "```json\n{\"eligible\": true, \"confidence\": 0.9,\n", &seen)
	c := NewOpenAIClient(domain.NLServiceConfig{BaseURL: srv.URL + "/v1", Model: "small"}, testLogger())

	out, err := c.ExtractStructured(context.Background(), "Can you attend?", verdictSchema, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, out["eligible"])
	assert.Equal(t, 0.9, out["confidence"])

	require.Len(t, seen, 1)
	assert.Equal(t, "small", seen[0]["model"])
	messages := seen[0]["messages"].([]any)
	system := messages[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, `"eligible"`)
}

func TestOpenAIClient_ThrottlingIsRetryable(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, "", nil)
	c := NewOpenAIClient(domain.NLServiceConfig{BaseURL: srv.URL + "/v1"}, testLogger())

	_, err := c.Complete(context.Background(), "hi", 10, 0)
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, statusCode(err))
	assert.True(t, isRetryable(err))
}
