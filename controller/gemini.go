package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/client"
	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/helper"
	"github.com/lmbridge/lmbridge/common/render"
	"github.com/lmbridge/lmbridge/dto"
	"github.com/lmbridge/lmbridge/middleware"
	"github.com/lmbridge/lmbridge/monitor"
	"github.com/lmbridge/lmbridge/relay/direct"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
	"github.com/lmbridge/lmbridge/relay/translate"
	"github.com/lmbridge/lmbridge/relay/wire"
)

// geminiError writes an error in the Gemini v1beta envelope.
func geminiError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": dto.GeminiError{
		Code:    statusCode,
		Message: message,
		Status:  http.StatusText(statusCode),
	}})
}

// geminiAuthorized checks the bridge key the way Gemini clients send it:
// x-goog-api-key header, ?key= query, or a plain Bearer token.
func (s *Server) geminiAuthorized(c *gin.Context) bool {
	settings := s.Store.Snapshot()
	if settings == nil || settings.APIKey == "" {
		return true
	}
	candidates := []string{
		c.GetHeader("x-goog-api-key"),
		c.Query("key"),
		strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "),
	}
	for _, key := range candidates {
		if key != "" && key == settings.APIKey {
			return true
		}
	}
	return false
}

// ListGeminiModels is GET /v1beta/models.
func (s *Server) ListGeminiModels(c *gin.Context) {
	if !s.geminiAuthorized(c) {
		geminiError(c, http.StatusUnauthorized, "API key not valid")
		return
	}

	names := s.Store.GeminiModelNames()
	if len(names) == 0 {
		names = s.Store.ModelNames()
	}
	sort.Strings(names)

	models := make([]dto.GeminiModelInfo, 0, len(names))
	for _, name := range names {
		models = append(models, dto.GeminiModelInfo{
			Name:                       "models/" + name,
			Version:                    "001",
			DisplayName:                name,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, dto.GeminiModelList{Models: models})
}

// GeminiGenerate is POST /v1beta/models/{model}:{method}. A gemini_native
// binding proxies the call to the real API; session bindings run the browser
// tab and answer in the Gemini envelope.
func (s *Server) GeminiGenerate(c *gin.Context) {
	s.Activity.Touch()
	if !s.geminiAuthorized(c) {
		geminiError(c, http.StatusUnauthorized, "API key not valid")
		return
	}

	action := strings.TrimPrefix(c.Param("action"), "/")
	modelName, method, found := strings.Cut(action, ":")
	if !found || modelName == "" {
		geminiError(c, http.StatusBadRequest, "expected models/{model}:{method}")
		return
	}
	stream := method == "streamGenerateContent"
	if !stream && method != "generateContent" {
		geminiError(c, http.StatusNotFound, "unsupported method: "+method)
		return
	}

	rawBody, err := middleware.GetRequestBody(c)
	if err != nil {
		geminiError(c, http.StatusBadRequest, "cannot read request body")
		return
	}

	binding, bindingIdx, err := s.resolveBinding(modelName)
	if err != nil {
		geminiError(c, http.StatusNotFound, err.Error())
		return
	}

	switch binding.Kind() {
	case config.BindingGeminiNative:
		s.proxyGeminiNative(c, binding, rawBody, stream)
	case config.BindingDirectAPI:
		geminiError(c, http.StatusBadRequest,
			fmt.Sprintf("model %q is bound to an OpenAI-compatible endpoint, use /v1/chat/completions", modelName))
	default:
		s.geminiSession(c, binding, bindingIdx, modelName, rawBody, stream)
	}
}

// proxyGeminiNative forwards the raw body to the upstream Gemini API and
// copies the response through verbatim.
func (s *Server) proxyGeminiNative(c *gin.Context, b *config.Binding, rawBody []byte, stream bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), config.DirectUpstreamTimeout)
	defer cancel()

	endpoint := direct.GeminiEndpoint(b.APIBaseURL, b.ModelID, b.APIKey, stream)
	if stream && c.Query("alt") == "sse" {
		endpoint += "&alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(rawBody)))
	if err != nil {
		geminiError(c, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		geminiError(c, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Status(resp.StatusCode)
	c.Header("Content-Type", contentType)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			c.Writer.Flush()
		}
		if readErr != nil {
			if readErr != io.EOF {
				gmw.GetLogger(c).Warn("gemini proxy stream aborted", zap.Error(readErr))
			}
			return
		}
	}
}

// geminiSession answers a native Gemini request through a browser tab.
func (s *Server) geminiSession(c *gin.Context, binding *config.Binding, bindingIdx int, modelName string, rawBody []byte, stream bool) {
	settings := s.Store.Snapshot()

	if active, remaining := s.Guard.Active(); active {
		geminiError(c, http.StatusServiceUnavailable,
			fmt.Sprintf("Human verification in progress, please retry in %d seconds.", remaining))
		return
	}

	var greq dto.GeminiRequest
	if err := json.Unmarshal(rawBody, &greq); err != nil {
		geminiError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req := openAIRequestFromGemini(modelName, &greq, stream)
	if len(req.Messages) == 0 {
		geminiError(c, http.StatusBadRequest, "contents cannot be empty")
		return
	}

	requestID := c.GetString(helper.RequestIdKey)
	if requestID == "" {
		requestID = helper.GenRequestID()
	}

	targetModelID := ""
	if ref, ok := s.Store.ModelRefFor(modelName); ok {
		targetModelID = ref.ID
	}
	env, err := translate.BuildEnvelope(c.Request.Context(), req, translate.Options{
		Settings:      settings,
		Binding:       binding,
		TargetModelID: targetModelID,
		ProcessImage: func(ctx context.Context, payload string) (string, error) {
			return s.Images.Process(ctx, payload, binding.ImageCompression)
		},
	})
	if err != nil {
		geminiError(c, http.StatusBadRequest, err.Error())
		return
	}

	mode := binding.Mode
	if mode == "" {
		mode = "direct_chat"
	}
	s.Monitor.RequestStart(requestID, modelName, monitor.StartOptions{
		MessagesCount: len(req.Messages),
		SessionID:     binding.SessionID,
		Mode:          mode,
		Messages:      req.Messages,
	})

	frames, err := s.admit(c.Request.Context(), requestID, req, env, bindingIdx, settings)
	if err != nil {
		s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: err.Error()})
		geminiError(c, http.StatusServiceUnavailable,
			"No browser tab is connected. Open the arena page and make sure the user-script is running.")
		return
	}

	s.consumeGemini(c, requestID, req, frames, stream, settings)
}

// openAIRequestFromGemini converts a native Gemini request into the internal
// chat shape used by the tab path.
func openAIRequestFromGemini(model string, greq *dto.GeminiRequest, stream bool) *relaymodel.GeneralOpenAIRequest {
	req := &relaymodel.GeneralOpenAIRequest{Model: model, Stream: stream}

	if greq.SystemInstruction != nil {
		if text := geminiPartsText(greq.SystemInstruction.Parts); text != "" {
			req.Messages = append(req.Messages, relaymodel.Message{Role: "system", Content: text})
		}
	}
	for _, content := range greq.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, relaymodel.Message{
			Role:    role,
			Content: geminiPartsContent(content.Parts),
		})
	}

	if gc := greq.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		if gc.MaxOutputTokens != nil {
			req.MaxTokens = *gc.MaxOutputTokens
		}
	}
	return req
}

func geminiPartsText(parts []dto.GeminiPart) string {
	var texts []string
	for _, part := range parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// geminiPartsContent keeps plain text as a string and switches to typed parts
// when the message carries inline images.
func geminiPartsContent(parts []dto.GeminiPart) any {
	hasImage := false
	for _, part := range parts {
		if part.InlineData != nil || part.FileData != nil {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return geminiPartsText(parts)
	}

	var out []any
	for _, part := range parts {
		switch {
		case part.Text != "":
			out = append(out, map[string]any{"type": "text", "text": part.Text})
		case part.InlineData != nil:
			uri := "data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data
			out = append(out, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": uri},
			})
		case part.FileData != nil:
			out = append(out, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": part.FileData.FileURI},
			})
		}
	}
	return out
}

// consumeGemini relays tab frames in the Gemini envelope.
func (s *Server) consumeGemini(c *gin.Context, requestID string, req *relaymodel.GeneralOpenAIRequest, frames <-chan any, stream bool, settings *config.Settings) {
	st := &streamState{chunkID: requestID, created: time.Now().Unix(), model: req.Model}

	if stream {
		render.SetEventStreamHeaders(c)
	}

	timeout := time.Duration(settings.StreamResponseTimeoutSeconds) * time.Second
	immediateClose := false

	runErr := wire.Run(c.Request.Context(), wire.RunOptions{
		RequestID: requestID,
		Frames:    frames,
		Timeout:   timeout,
		OnChallenge: func() string {
			return s.Guard.Challenge(s.notifyVerificationRefresh)
		},
		Cancel: func() {
			immediateClose = true
			s.cancelTabRequest(requestID)
		},
	}, func(ev wire.Event) error {
		switch ev.Kind {
		case wire.EventReasoning:
			st.reasoning.WriteString(ev.Text)
			if stream {
				s.streamGeminiChunk(c, geminiChunk(ev.Text, true, ""))
			}
		case wire.EventContent:
			st.content.WriteString(ev.Text)
			if stream {
				s.streamGeminiChunk(c, geminiChunk(ev.Text, false, ""))
			}
		case wire.EventImage:
			for _, url := range ev.ImageURLs {
				markdown := s.Images.Markdown(c.Request.Context(), url, requestID)
				st.content.WriteString(markdown)
				if stream {
					s.streamGeminiChunk(c, geminiChunk(markdown, false, ""))
				}
			}
		case wire.EventFinish:
			st.finish = ev.Finish
		case wire.EventError:
			st.failed = ev.Text
		}
		return nil
	})

	if runErr != nil && st.failed == "" {
		if errors.Is(runErr, wire.ErrStreamTimeout) {
			st.failed = fmt.Sprintf("Response timed out after %d seconds.", int(timeout.Seconds()))
		} else {
			st.failed = runErr.Error()
		}
	}

	if p, ok := s.Tabs.Broker.Pending(requestID); ok {
		s.Tabs.Registry.Release(p.TabID)
	}
	s.Tabs.Broker.Close(requestID, immediateClose)

	usage := s.usageFor(req, st, settings)

	clientGone := c.Request.Context().Err() != nil
	if st.failed != "" {
		if stream && !clientGone {
			_ = render.ObjectData(c, gin.H{"error": dto.GeminiError{
				Code:    http.StatusBadGateway,
				Message: st.failed,
				Status:  "UNAVAILABLE",
			}})
			render.Done(c)
		} else if !clientGone {
			geminiError(c, statusForTabError(st.failed), st.failed)
		}
	} else if stream {
		final := geminiChunk("", false, "STOP")
		final.UsageMetadata = geminiUsageMetadata(usage)
		s.streamGeminiChunk(c, final)
		render.Done(c)
	} else {
		resp := geminiChunk(st.content.String(), false, "STOP")
		if reasoning := st.reasoning.String(); reasoning != "" {
			resp.Candidates[0].Content.Parts = append(
				[]dto.GeminiPart{{Text: reasoning, Thought: true}},
				resp.Candidates[0].Content.Parts...)
		}
		resp.UsageMetadata = geminiUsageMetadata(usage)
		c.JSON(http.StatusOK, resp)
	}

	outcome := monitor.Outcome{
		Success:          st.failed == "",
		Error:            st.failed,
		ResponseContent:  st.content.String(),
		ReasoningContent: st.reasoning.String(),
	}
	if usage != nil {
		outcome.InputTokens = usage.PromptTokens
		outcome.OutputTokens = usage.CompletionTokens
	}
	s.Monitor.RequestEnd(requestID, outcome)
	s.Activity.Touch()
}

func (s *Server) streamGeminiChunk(c *gin.Context, resp *dto.GeminiResponse) {
	_ = render.ObjectData(c, resp)
}

func geminiChunk(text string, thought bool, finishReason string) *dto.GeminiResponse {
	part := dto.GeminiPart{Text: text, Thought: thought}
	return &dto.GeminiResponse{
		Candidates: []dto.GeminiCandidate{{
			Content:      &dto.GeminiContent{Role: "model", Parts: []dto.GeminiPart{part}},
			FinishReason: finishReason,
		}},
	}
}

func geminiUsageMetadata(usage *relaymodel.Usage) *dto.GeminiUsageMetadata {
	if usage == nil {
		return nil
	}
	meta := &dto.GeminiUsageMetadata{
		PromptTokenCount:     usage.PromptTokens,
		CandidatesTokenCount: usage.CompletionTokens,
		TotalTokenCount:      usage.TotalTokens,
	}
	if usage.CompletionTokensDetails != nil {
		meta.ThoughtsTokenCount = usage.CompletionTokensDetails.ReasoningTokens
	}
	return meta
}
