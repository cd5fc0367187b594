package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTextEmpty(t *testing.T) {
	assert.Equal(t, 0, CountText("", "gpt-4o", nil))
}

func TestCountTextNonZero(t *testing.T) {
	n := CountText("hello world, this is a token counting test", "some-model", nil)
	assert.Greater(t, n, 0)
}

func TestGeminiMultiplierShrinksCount(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog, repeatedly and at length"
	base := CountText(text, "some-model", nil)
	gemini := CountText(text, "gemini-2.5-pro", nil)
	assert.Less(t, gemini, base)
	assert.Greater(t, gemini, 0)
}

func TestEncodingOverrideByPrefix(t *testing.T) {
	// overriding with the default encoding must not change the count
	text := "override resolution sanity check"
	plain := CountText(text, "custom-model", nil)
	overridden := CountText(text, "custom-model", map[string]string{"custom": "cl100k_base"})
	assert.Equal(t, plain, overridden)
}

func TestCountMessagesOverheadPerMessage(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Hi"},
	}
	two := CountMessages(msgs, "some-model", nil)
	one := CountMessages(msgs[:1], "some-model", nil)
	// adding a message costs its content plus fixed overhead
	assert.Greater(t, two, one)
	assert.GreaterOrEqual(t, two-one, 4)
}

func TestEstimateFromChars(t *testing.T) {
	assert.Equal(t, 0, EstimateFromChars(0))
	assert.Equal(t, 1, EstimateFromChars(2))
	assert.Equal(t, 25, EstimateFromChars(100))
}
