package direct

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/common/config"
)

func TestBuildPassthroughBodySwapsModel(t *testing.T) {
	raw := []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	out, err := BuildPassthroughBody(raw, &config.Binding{ModelID: "deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", gjson.GetBytes(out, "model").String())
	assert.True(t, gjson.GetBytes(out, "stream").Bool())
}

func TestBuildPassthroughBodyMergesCustomParams(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[]}`)
	out, err := BuildPassthroughBody(raw, &config.Binding{
		ModelID:      "m2",
		CustomParams: map[string]any{"reasoning_effort": "high", "top_k": 40},
	})
	require.NoError(t, err)
	assert.Equal(t, "high", gjson.GetBytes(out, "reasoning_effort").String())
	assert.Equal(t, int64(40), gjson.GetBytes(out, "top_k").Int())
}

func TestBuildPassthroughBodyPrefixOnTrailingAssistant(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"Sure,"}]}`)
	out, err := BuildPassthroughBody(raw, &config.Binding{ModelID: "m", EnablePrefix: true})
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(out, "messages.1.prefix").Bool())
}

func TestBuildPassthroughBodyNoPrefixOnUserTail(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	out, err := BuildPassthroughBody(raw, &config.Binding{ModelID: "m", EnablePrefix: true})
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "messages.0.prefix").Exists())
}

func TestBuildPassthroughBodyThinkingBudgetDefault(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[]}`)
	out, err := BuildPassthroughBody(raw, &config.Binding{ModelID: "m", EnableThinking: true})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())

	out, err = BuildPassthroughBody(raw, &config.Binding{ModelID: "m", EnableThinking: true, ThinkingBudget: 4096})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), gjson.GetBytes(out, "thinkingConfig.thinkingBudget").Int())
}

func TestStatusForErrorType(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForErrorType("invalid_request_error"))
	assert.Equal(t, http.StatusUnauthorized, statusForErrorType("authentication_error"))
	assert.Equal(t, http.StatusForbidden, statusForErrorType("permission_error"))
	assert.Equal(t, http.StatusInternalServerError, statusForErrorType("server_error"))
	assert.Equal(t, http.StatusInternalServerError, statusForErrorType(""))
}

func TestUpstreamErrorParsesOpenAIShape(t *testing.T) {
	relayErr := upstreamError([]byte(`{"error":{"message":"bad key","type":"authentication_error"}}`), http.StatusOK)
	assert.Equal(t, http.StatusUnauthorized, relayErr.StatusCode)
	assert.Equal(t, "bad key", relayErr.Error.Message)
}

func TestUpstreamErrorWrapsPlainText(t *testing.T) {
	relayErr := upstreamError([]byte("service unavailable"), http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, relayErr.StatusCode)
	assert.Equal(t, "api_error", relayErr.Error.Type)
	assert.Equal(t, "service unavailable", relayErr.Error.Message)
}

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost(1000, 2000, &config.Pricing{Input: 1.5, Output: 6, Unit: 1_000_000, Currency: "USD"})
	require.NotNil(t, cost)
	assert.InDelta(t, 0.0015, cost.InputCost, 1e-9)
	assert.InDelta(t, 0.012, cost.OutputCost, 1e-9)
	assert.InDelta(t, 0.0135, cost.TotalCost, 1e-9)
	assert.Equal(t, 3000, cost.TotalTokens)
	assert.Equal(t, "USD", cost.Currency)
}

func TestCalculateCostDefaults(t *testing.T) {
	cost := CalculateCost(10, 10, &config.Pricing{Input: 1, Output: 1})
	require.NotNil(t, cost)
	assert.Equal(t, "USD", cost.Currency)
	assert.InDelta(t, 0.00002, cost.TotalCost, 1e-9)

	assert.Nil(t, CalculateCost(10, 10, nil))
}
