package direct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/dto"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

func TestBuildGeminiRequestRolesAndSystem(t *testing.T) {
	req := &relaymodel.GeneralOpenAIRequest{
		Messages: []relaymodel.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		},
	}
	out := BuildGeminiRequest(req, &config.Binding{})

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be brief", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, "hello", out.Contents[1].Parts[0].Text)
}

func TestBuildGeminiRequestImages(t *testing.T) {
	req := &relaymodel.GeneralOpenAIRequest{
		Messages: []relaymodel.Message{{
			Role: "user",
			Content: []any{
				map[string]any{"type": "text", "text": "what is this"},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "data:image/png;base64,AAAA",
				}},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "https://example.com/cat.jpg",
				}},
			},
		}},
	}
	out := BuildGeminiRequest(req, &config.Binding{})

	require.Len(t, out.Contents, 1)
	parts := out.Contents[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "what is this", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "AAAA", parts[1].InlineData.Data)
	require.NotNil(t, parts[2].FileData)
	assert.Equal(t, "https://example.com/cat.jpg", parts[2].FileData.FileURI)
}

func TestBuildGeminiRequestGenerationConfig(t *testing.T) {
	temp := 0.4
	req := &relaymodel.GeneralOpenAIRequest{
		Temperature: &temp,
		MaxTokens:   2048,
		Messages:    []relaymodel.Message{{Role: "user", Content: "hi"}},
	}
	out := BuildGeminiRequest(req, &config.Binding{EnableThinking: true})

	require.NotNil(t, out.GenerationConfig)
	assert.Equal(t, 0.4, *out.GenerationConfig.Temperature)
	require.NotNil(t, out.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, 2048, *out.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, out.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 20000, *out.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.True(t, out.GenerationConfig.ThinkingConfig.IncludeThoughts)
}

func TestBuildGeminiRequestOmitsUnsetMaxTokens(t *testing.T) {
	temp := 0.7
	req := &relaymodel.GeneralOpenAIRequest{
		Temperature: &temp,
		Messages:    []relaymodel.Message{{Role: "user", Content: "hi"}},
	}
	out := BuildGeminiRequest(req, &config.Binding{})

	require.NotNil(t, out.GenerationConfig)
	assert.Nil(t, out.GenerationConfig.MaxOutputTokens)

	// no sampling knobs at all means no generationConfig in the payload
	out = BuildGeminiRequest(&relaymodel.GeneralOpenAIRequest{
		Messages: []relaymodel.Message{{Role: "user", Content: "hi"}},
	}, &config.Binding{})
	assert.Nil(t, out.GenerationConfig)
}

func TestBuildGeminiRequestEmptyUserGetsPlaceholder(t *testing.T) {
	req := &relaymodel.GeneralOpenAIRequest{
		Messages: []relaymodel.Message{{Role: "user", Content: ""}},
	}
	out := BuildGeminiRequest(req, &config.Binding{})
	require.Len(t, out.Contents, 1)
	require.Len(t, out.Contents[0].Parts, 1)
	assert.Equal(t, " ", out.Contents[0].Parts[0].Text)
}

func TestMapGeminiFinishReason(t *testing.T) {
	assert.Equal(t, "stop", MapGeminiFinishReason("STOP"))
	assert.Equal(t, "length", MapGeminiFinishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", MapGeminiFinishReason("SAFETY"))
	assert.Equal(t, "content_filter", MapGeminiFinishReason("RECITATION"))
	assert.Equal(t, "stop", MapGeminiFinishReason("OTHER"))
	assert.Equal(t, "stop", MapGeminiFinishReason(""))
}

func TestConvertGeminiChunkThoughtParts(t *testing.T) {
	resp := &dto.GeminiResponse{
		Candidates: []dto.GeminiCandidate{{
			Content: &dto.GeminiContent{Parts: []dto.GeminiPart{
				{Text: "pondering", Thought: true},
				{Text: "the answer"},
			}},
		}},
	}
	chunk := ConvertGeminiChunk(resp, "gemini-pro", "req-1")
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "pondering", chunk.Choices[0].Delta.ReasoningContent)
	assert.Equal(t, "the answer", chunk.Choices[0].Delta.Content)
	assert.Nil(t, chunk.Choices[0].FinishReason)
}

func TestConvertGeminiResponseUsage(t *testing.T) {
	resp := &dto.GeminiResponse{
		Candidates: []dto.GeminiCandidate{{
			Content:      &dto.GeminiContent{Parts: []dto.GeminiPart{{Text: "done"}}},
			FinishReason: "MAX_TOKENS",
		}},
		UsageMetadata: &dto.GeminiUsageMetadata{
			PromptTokenCount:     100,
			CandidatesTokenCount: 50,
			ThoughtsTokenCount:   30,
		},
	}
	out := ConvertGeminiResponse(resp, "gemini-pro", "req-2")
	require.NotNil(t, out.Usage)
	assert.Equal(t, 100, out.Usage.PromptTokens)
	// thinking tokens count toward the completion side
	assert.Equal(t, 80, out.Usage.CompletionTokens)
	assert.Equal(t, 180, out.Usage.TotalTokens)
	require.NotNil(t, out.Usage.CompletionTokensDetails)
	assert.Equal(t, 30, out.Usage.CompletionTokensDetails.ReasoningTokens)
	assert.Equal(t, "length", *out.Choices[0].FinishReason)
}

func TestConvertGeminiResponseEstimatesThoughtTokens(t *testing.T) {
	reasoning := "this is a fairly long reasoning passage for the estimate"
	resp := &dto.GeminiResponse{
		Candidates: []dto.GeminiCandidate{{
			Content: &dto.GeminiContent{Parts: []dto.GeminiPart{
				{Text: reasoning, Thought: true},
				{Text: "ok"},
			}},
		}},
		UsageMetadata: &dto.GeminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}
	out := ConvertGeminiResponse(resp, "gemini-pro", "req-3")
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5+len(reasoning)/4, out.Usage.CompletionTokens)
}

func TestGeminiEndpoint(t *testing.T) {
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent?key=k",
		GeminiEndpoint("", "gemini-pro", "k", false))
	assert.Equal(t,
		"http://localhost:8000/v1beta/models/m:streamGenerateContent?key=k",
		GeminiEndpoint("http://localhost:8000/", "m", "k", true))
}
