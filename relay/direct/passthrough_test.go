package direct

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/common/config"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

func testOpenAIRequest(prompt string) *relaymodel.GeneralOpenAIRequest {
	return &relaymodel.GeneralOpenAIRequest{
		Model:    "alias",
		Messages: []relaymodel.Message{{Role: "user", Content: prompt}},
	}
}

func newRelayContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	return c, recorder
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"x","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestRelayPassthroughStreamSplitsThinking(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, content := range []string{"thinking ab", "out it ==", "=final answer"} {
			_, _ = w.Write([]byte(sseChunk(content)))
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	c, recorder := newRelayContext(t)
	result, relayErr := RelayPassthrough(c, &config.Binding{
		APIBaseURL:        upstream.URL,
		APIKey:            "sk-test",
		ModelID:           "target-model",
		ThinkingSeparator: "===",
	}, []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}],"stream":true}`))

	require.Nil(t, relayErr)
	require.NotNil(t, result)
	assert.Equal(t, "thinking about it ", result.Reasoning)
	assert.Equal(t, "final answer", result.Content)

	body := recorder.Body.String()
	assert.Contains(t, body, "reasoning_content")
	assert.Contains(t, body, "final answer")
	assert.Contains(t, body, "data: [DONE]")
	// the split marker itself never reaches the client
	assert.NotContains(t, body, "===")
}

func TestRelayPassthroughStreamNoSeparatorPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseChunk("hello")))
		_, _ = w.Write([]byte(sseChunk(" world")))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	c, recorder := newRelayContext(t)
	result, relayErr := RelayPassthrough(c, &config.Binding{
		APIBaseURL: upstream.URL,
		ModelID:    "m",
	}, []byte(`{"model":"m","messages":[],"stream":true}`))

	require.Nil(t, relayErr)
	assert.Equal(t, "hello world", result.Content)
	assert.Empty(t, result.Reasoning)
	assert.Equal(t, 1, strings.Count(recorder.Body.String(), "data: [DONE]"))
}

func TestRelayPassthroughUpstreamErrorMapped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"error":{"message":"no access","type":"permission_error"}}`)
	}))
	t.Cleanup(upstream.Close)

	c, _ := newRelayContext(t)
	_, relayErr := RelayPassthrough(c, &config.Binding{
		APIBaseURL: upstream.URL,
		ModelID:    "m",
	}, []byte(`{"model":"m","messages":[],"stream":true}`))

	require.NotNil(t, relayErr)
	assert.Equal(t, http.StatusForbidden, relayErr.StatusCode)
	assert.Equal(t, "no access", relayErr.Error.Message)
}

func TestRelayPassthroughNon200Mapped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad key","type":"authentication_error"}}`)
	}))
	t.Cleanup(upstream.Close)

	c, _ := newRelayContext(t)
	_, relayErr := RelayPassthrough(c, &config.Binding{
		APIBaseURL: upstream.URL,
		ModelID:    "m",
	}, []byte(`{"model":"m","messages":[]}`))

	require.NotNil(t, relayErr)
	assert.Equal(t, http.StatusUnauthorized, relayErr.StatusCode)
}

func TestRelayPassthroughJSONSplitsThinking(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"deep thought\n---\nthe answer"}}],"usage":{"prompt_tokens":7,"completion_tokens":9,"total_tokens":16}}`)
	}))
	t.Cleanup(upstream.Close)

	c, recorder := newRelayContext(t)
	result, relayErr := RelayPassthrough(c, &config.Binding{
		APIBaseURL:        upstream.URL,
		ModelID:           "m",
		ThinkingSeparator: "\n---\n",
	}, []byte(`{"model":"m","messages":[]}`))

	require.Nil(t, relayErr)
	assert.Equal(t, "deep thought", result.Reasoning)
	assert.Equal(t, "the answer", result.Content)
	assert.Equal(t, 7, result.Usage.PromptTokens)
	assert.Equal(t, 9, result.Usage.CompletionTokens)
	assert.Contains(t, recorder.Body.String(), `"reasoning_content":"deep thought"`)
}

func TestRelayGeminiNativeStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "streamGenerateContent")
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"muse","thought":true}]}}]}`+"\n\n")
		_, _ = fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4}}`+"\n\n")
	}))
	t.Cleanup(upstream.Close)

	c, recorder := newRelayContext(t)
	req := testOpenAIRequest("hi")
	req.Stream = true
	result, relayErr := RelayGeminiNative(c, &config.Binding{
		APIBaseURL: upstream.URL,
		APIKey:     "k",
		ModelID:    "gemini-pro",
	}, req, "req-1", "my-gemini")

	require.Nil(t, relayErr)
	assert.Equal(t, "answer", result.Content)
	assert.Equal(t, "muse", result.Reasoning)
	assert.Equal(t, 3, result.Usage.PromptTokens)

	body := recorder.Body.String()
	assert.Contains(t, body, `"model":"my-gemini"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, "data: [DONE]")
}

func TestRelayGeminiNativeJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		_, _ = fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"four"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1}}`)
	}))
	t.Cleanup(upstream.Close)

	c, recorder := newRelayContext(t)
	result, relayErr := RelayGeminiNative(c, &config.Binding{
		APIBaseURL: upstream.URL,
		APIKey:     "k",
		ModelID:    "gemini-pro",
	}, testOpenAIRequest("2+2?"), "req-2", "my-gemini")

	require.Nil(t, relayErr)
	assert.Equal(t, "four", result.Content)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"content":"four"`)
}
