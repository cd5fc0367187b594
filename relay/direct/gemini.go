package direct

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
	"github.com/lmbridge/lmbridge/common/render"
	"github.com/lmbridge/lmbridge/dto"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiEndpoint builds the v1beta URL for a model call.
func GeminiEndpoint(baseURL, model, apiKey string, stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		strings.TrimSuffix(baseURL, "/"), model, method, apiKey)
}

// BuildGeminiRequest translates OpenAI-shaped messages into the Gemini
// native request body. System messages become systemInstruction, assistant
// turns use the "model" role, data-URI images become inlineData parts and
// http(s) image URLs become fileData parts.
func BuildGeminiRequest(req *relaymodel.GeneralOpenAIRequest, b *config.Binding) *dto.GeminiRequest {
	out := &dto.GeminiRequest{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			out.SystemInstruction = &dto.GeminiContent{
				Parts: []dto.GeminiPart{{Text: msg.StringContent()}},
			}
		case "assistant":
			text := msg.StringContent()
			if text == "" {
				text = " "
			}
			out.Contents = append(out.Contents, dto.GeminiContent{
				Role:  "model",
				Parts: []dto.GeminiPart{{Text: text}},
			})
		default:
			out.Contents = append(out.Contents, dto.GeminiContent{
				Role:  "user",
				Parts: geminiUserParts(msg),
			})
		}
	}

	gc := &dto.GeminiGenerationConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		gc.MaxOutputTokens = &maxTokens
	}
	if b.EnableThinking {
		budget := b.ThinkingBudget
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		gc.ThinkingConfig = &dto.GeminiThinkingConfig{
			ThinkingBudget:  &budget,
			IncludeThoughts: true,
		}
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens != nil || gc.ThinkingConfig != nil {
		out.GenerationConfig = gc
	}
	return out
}

func geminiUserParts(msg relaymodel.Message) []dto.GeminiPart {
	var parts []dto.GeminiPart
	for _, part := range msg.ParseContent() {
		switch part.Type {
		case relaymodel.ContentTypeText:
			if part.Text != nil && *part.Text != "" {
				parts = append(parts, dto.GeminiPart{Text: *part.Text})
			}
		case relaymodel.ContentTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			url := part.ImageURL.Url
			switch {
			case strings.HasPrefix(url, "data:"):
				header, payload, found := strings.Cut(url, ",")
				if !found {
					continue
				}
				mimeType := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
				parts = append(parts, dto.GeminiPart{InlineData: &dto.GeminiInlineData{
					MimeType: mimeType,
					Data:     payload,
				}})
			case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
				parts = append(parts, dto.GeminiPart{FileData: &dto.GeminiFileData{
					MimeType: "image/jpeg",
					FileURI:  url,
				}})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, dto.GeminiPart{Text: " "})
	}
	return parts
}

// MapGeminiFinishReason translates a Gemini finishReason into the OpenAI
// vocabulary.
func MapGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// geminiText splits the first candidate into reasoning (thought parts) and
// content text.
func geminiText(resp *dto.GeminiResponse) (reasoning, content string) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text == "" {
			continue
		}
		if part.Thought {
			reasoning += part.Text
		} else {
			content += part.Text
		}
	}
	return reasoning, content
}

// geminiUsage converts usageMetadata. Thinking tokens count toward the
// completion side; when the upstream omits thoughtsTokenCount but thinking
// text is present, it is estimated from the character count.
func geminiUsage(resp *dto.GeminiResponse, reasoning string) *relaymodel.Usage {
	meta := resp.UsageMetadata
	if meta == nil {
		return nil
	}
	thoughts := meta.ThoughtsTokenCount
	if thoughts == 0 && reasoning != "" {
		thoughts = len(reasoning) / 4
	}
	usage := &relaymodel.Usage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: meta.CandidatesTokenCount + thoughts,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if thoughts > 0 {
		usage.CompletionTokensDetails = &relaymodel.UsageCompletionTokensDetails{
			ReasoningTokens: thoughts,
		}
	}
	return usage
}

// ConvertGeminiChunk shapes one streamed Gemini response into an OpenAI
// chat.completion.chunk.
func ConvertGeminiChunk(resp *dto.GeminiResponse, model, requestID string) *dto.ChatCompletionChunk {
	reasoning, content := geminiText(resp)
	chunk := &dto.ChatCompletionChunk{
		Id:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []dto.ChatCompletionChunkChoice{{
			Delta: dto.ChatDelta{Content: content, ReasoningContent: reasoning},
		}},
		Usage: geminiUsage(resp, reasoning),
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		reason := MapGeminiFinishReason(resp.Candidates[0].FinishReason)
		chunk.Choices[0].FinishReason = &reason
	}
	return chunk
}

// ConvertGeminiResponse shapes a full Gemini response into an OpenAI
// chat.completion.
func ConvertGeminiResponse(resp *dto.GeminiResponse, model, requestID string) *dto.ChatCompletionResponse {
	reasoning, content := geminiText(resp)
	reason := "stop"
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		reason = MapGeminiFinishReason(resp.Candidates[0].FinishReason)
	}
	return &dto.ChatCompletionResponse{
		Id:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []dto.ChatCompletionChoice{{
			Message: dto.ChatCompletionMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
			},
			FinishReason: &reason,
		}},
		Usage: geminiUsage(resp, reasoning),
	}
}

// RelayGeminiNative calls the Gemini v1beta API and answers the client in
// OpenAI format, streaming or not per the request. The returned Result is
// for accounting.
func RelayGeminiNative(c *gin.Context, b *config.Binding, req *relaymodel.GeneralOpenAIRequest, requestID, displayModel string) (*Result, *relaymodel.ErrorWithStatusCode) {
	body, err := json.Marshal(BuildGeminiRequest(req, b))
	if err != nil {
		return nil, wrapError(err, "marshal upstream request", http.StatusInternalServerError)
	}
	for key, value := range b.CustomParams {
		body, err = sjson.SetBytes(body, escapeKey(key), value)
		if err != nil {
			return nil, wrapError(err, "merge custom params", http.StatusInternalServerError)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), config.DirectUpstreamTimeout)
	defer cancel()

	endpoint := GeminiEndpoint(b.APIBaseURL, b.ModelID, b.APIKey, req.Stream)
	resp, err := postJSON(ctx, endpoint, "", body)
	if err != nil {
		return nil, wrapError(err, "upstream request failed", http.StatusBadGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		logger.Logger.Error("gemini upstream returned error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", errBody))
		return nil, upstreamError(errBody, resp.StatusCode)
	}

	if req.Stream {
		return relayGeminiStream(c, resp.Body, requestID, displayModel)
	}
	return relayGeminiJSON(c, resp.Body, requestID, displayModel)
}

func relayGeminiJSON(c *gin.Context, upstream io.Reader, requestID, displayModel string) (*Result, *relaymodel.ErrorWithStatusCode) {
	body, err := io.ReadAll(upstream)
	if err != nil {
		return nil, wrapError(err, "read upstream response", http.StatusBadGateway)
	}
	var geminiResp dto.GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, wrapError(err, "decode upstream response", http.StatusBadGateway)
	}
	if geminiResp.Error != nil {
		return nil, &relaymodel.ErrorWithStatusCode{
			Error: relaymodel.Error{
				Message: geminiResp.Error.Message,
				Type:    "upstream_error",
				Code:    geminiResp.Error.Code,
			},
			StatusCode: http.StatusInternalServerError,
		}
	}

	converted := ConvertGeminiResponse(&geminiResp, displayModel, requestID)
	c.JSON(http.StatusOK, converted)

	result := &Result{
		Content:   converted.Choices[0].Message.Content,
		Reasoning: converted.Choices[0].Message.ReasoningContent,
	}
	if converted.Usage != nil {
		result.Usage = *converted.Usage
	}
	return result, nil
}

// relayGeminiStream handles both SSE lines and the bare JSON-array framing
// some proxies use for streamGenerateContent.
func relayGeminiStream(c *gin.Context, upstream io.Reader, requestID, displayModel string) (*Result, *relaymodel.ErrorWithStatusCode) {
	render.SetEventStreamHeaders(c)
	result := &Result{}

	scanner := bufio.NewScanner(upstream)
	buffer := make([]byte, 1024*1024)
	scanner.Buffer(buffer, len(buffer))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		// array framing wraps each chunk in [ , ] lines
		line = strings.TrimSuffix(strings.TrimPrefix(line, "["), ",")
		line = strings.TrimSuffix(line, "]")
		if line == "" || line == "[DONE]" || !strings.HasPrefix(line, "{") {
			continue
		}

		var geminiResp dto.GeminiResponse
		if err := json.Unmarshal([]byte(line), &geminiResp); err != nil {
			logger.Logger.Warn("undecodable gemini stream chunk skipped", zap.Error(err))
			continue
		}
		if geminiResp.Error != nil {
			_ = render.ObjectData(c, gin.H{"error": geminiResp.Error})
			break
		}

		chunk := ConvertGeminiChunk(&geminiResp, displayModel, requestID)
		result.Content += chunk.Choices[0].Delta.Content
		result.Reasoning += chunk.Choices[0].Delta.ReasoningContent
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
		_ = render.ObjectData(c, chunk)
	}
	if err := scanner.Err(); err != nil {
		logger.Logger.Warn("gemini upstream stream aborted", zap.Error(err))
	}
	render.Done(c)
	return result, nil
}
