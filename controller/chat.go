package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/ctxkey"
	"github.com/lmbridge/lmbridge/common/helper"
	"github.com/lmbridge/lmbridge/middleware"
	"github.com/lmbridge/lmbridge/monitor"
	"github.com/lmbridge/lmbridge/relay/direct"
	"github.com/lmbridge/lmbridge/relay/lifecycle"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
	"github.com/lmbridge/lmbridge/relay/tabs"
	"github.com/lmbridge/lmbridge/relay/translate"
)

// ChatCompletions is POST /v1/chat/completions. The binding of the requested
// model decides the path: a browser-tab session, an OpenAI-compatible direct
// upstream, or the Gemini native API.
func (s *Server) ChatCompletions(c *gin.Context) {
	s.Activity.Touch()
	logger := gmw.GetLogger(c)

	rawBody, err := middleware.GetRequestBody(c)
	if err != nil {
		relayError(c, http.StatusBadRequest, "invalid_request_error", "cannot read request body")
		return
	}
	var req relaymodel.GeneralOpenAIRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		relayError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		relayError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}
	if len(req.Messages) == 0 {
		relayError(c, http.StatusBadRequest, "invalid_request_error", "messages cannot be empty")
		return
	}
	c.Set(ctxkey.RequestModel, req.Model)

	requestID := c.GetString(helper.RequestIdKey)
	if requestID == "" {
		requestID = helper.GenRequestID()
	}

	binding, bindingIdx, err := s.resolveBinding(req.Model)
	if err != nil {
		relayError(c, http.StatusNotFound, "invalid_request_error", err.Error())
		return
	}

	logger.Info("chat completion accepted",
		zap.String("request_id", helper.ShortRequestID(requestID)),
		zap.String("model", req.Model),
		zap.String("binding", binding.Kind()),
		zap.Bool("stream", req.Stream))

	switch binding.Kind() {
	case config.BindingDirectAPI:
		s.relayDirectAPI(c, binding, &req, rawBody, requestID)
	case config.BindingGeminiNative:
		s.relayGeminiBinding(c, binding, &req, requestID)
	default:
		s.relaySession(c, binding, bindingIdx, &req, requestID)
	}
}

// resolveBinding picks the binding for a model, falling back to the default
// session ids when the model is unmapped and the fallback is enabled.
func (s *Server) resolveBinding(model string) (*config.Binding, int, error) {
	if binding, idx, ok := s.Store.PickBinding(model); ok {
		return binding, idx, nil
	}
	settings := s.Store.Snapshot()
	if settings != nil && settings.UseDefaultIDsIfMappingNotFound && settings.SessionID != "" {
		return &config.Binding{
			SessionID:    settings.SessionID,
			Mode:         settings.IDUpdaterLastMode,
			BattleTarget: settings.IDUpdaterBattleTarget,
		}, 0, nil
	}
	return nil, 0, errors.Errorf("model %q is not mapped to any session or endpoint", model)
}

// relayDirectAPI forwards to an OpenAI-compatible upstream.
func (s *Server) relayDirectAPI(c *gin.Context, b *config.Binding, req *relaymodel.GeneralOpenAIRequest, rawBody []byte, requestID string) {
	s.Monitor.RequestStart(requestID, req.Model, monitor.StartOptions{
		MessagesCount: len(req.Messages),
		Mode:          config.BindingDirectAPI,
		Messages:      req.Messages,
		Params:        requestParams(req),
	})

	result, relayErr := direct.RelayPassthrough(c, b, rawBody)
	if relayErr != nil {
		s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: relayErr.Error.Message})
		relayErrorWithStatus(c, relayErr)
		return
	}
	s.finishDirect(requestID, b, result)
}

// relayGeminiBinding answers a /v1/chat/completions request through the
// Gemini native API.
func (s *Server) relayGeminiBinding(c *gin.Context, b *config.Binding, req *relaymodel.GeneralOpenAIRequest, requestID string) {
	s.Monitor.RequestStart(requestID, req.Model, monitor.StartOptions{
		MessagesCount: len(req.Messages),
		Mode:          config.BindingGeminiNative,
		Messages:      req.Messages,
		Params:        requestParams(req),
	})

	displayModel := b.DisplayName
	if displayModel == "" {
		displayModel = req.Model
	}
	result, relayErr := direct.RelayGeminiNative(c, b, req, requestID, displayModel)
	if relayErr != nil {
		s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: relayErr.Error.Message})
		relayErrorWithStatus(c, relayErr)
		return
	}
	s.finishDirect(requestID, b, result)
}

func (s *Server) finishDirect(requestID string, b *config.Binding, result *direct.Result) {
	outcome := monitor.Outcome{
		Success:          true,
		ResponseContent:  result.Content,
		ReasoningContent: result.Reasoning,
		InputTokens:      result.Usage.PromptTokens,
		OutputTokens:     result.Usage.CompletionTokens,
	}
	outcome.CostInfo = direct.CalculateCost(result.Usage.PromptTokens, result.Usage.CompletionTokens, b.Pricing)
	s.Monitor.RequestEnd(requestID, outcome)
	s.Activity.Touch()
}

// relaySession runs the browser-tab path: translate, admit, consume.
func (s *Server) relaySession(c *gin.Context, binding *config.Binding, bindingIdx int, req *relaymodel.GeneralOpenAIRequest, requestID string) {
	settings := s.Store.Snapshot()

	if active, remaining := s.Guard.Active(); active {
		relayError(c, http.StatusServiceUnavailable, "bridge_busy",
			fmt.Sprintf("Human verification in progress, please retry in %d seconds.", remaining))
		return
	}

	targetModelID := ""
	if ref, ok := s.Store.ModelRefFor(req.Model); ok {
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
		var attErr *translate.AttachmentError
		if errors.As(err, &attErr) {
			relayError(c, http.StatusInternalServerError, "attachment_error", attErr.Error())
			return
		}
		relayError(c, http.StatusInternalServerError, "bridge_error", err.Error())
		return
	}

	mode := binding.Mode
	if mode == "" {
		mode = "direct_chat"
	}
	s.Monitor.RequestStart(requestID, req.Model, monitor.StartOptions{
		MessagesCount: len(req.Messages),
		SessionID:     binding.SessionID,
		Mode:          mode,
		Messages:      req.Messages,
		Params:        requestParams(req),
	})

	frames, err := s.admit(c.Request.Context(), requestID, req, env, bindingIdx, settings)
	if err != nil {
		if errors.Is(err, tabs.ErrNoTabs) && settings.EnableAutoRetry {
			frames = s.awaitQueued(c, requestID, req)
			if frames == nil {
				return
			}
		} else {
			s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: err.Error()})
			relayError(c, http.StatusServiceUnavailable, "no_tab_connected",
				"No browser tab is connected. Open the arena page and make sure the user-script is running.")
			return
		}
	}

	s.consume(c, requestID, req, frames, settings)
}

// admit selects a tab, opens the response channel and sends the envelope.
func (s *Server) admit(ctx context.Context, requestID string, req *relaymodel.GeneralOpenAIRequest, env *translate.Envelope, bindingIdx int, settings *config.Settings) (<-chan any, error) {
	tab, err := s.Tabs.Registry.SelectBest(ctx)
	if err != nil {
		return nil, err
	}

	frames := s.Tabs.Broker.Open(&tabs.Pending{
		RequestID:    requestID,
		Model:        req.Model,
		TabID:        tab.ID,
		CreatedAt:    time.Now(),
		Envelope:     env,
		BindingIndex: bindingIdx,
		Request:      req,
	})

	msg := &tabs.RequestMessage{
		RequestID:   requestID,
		Payload:     env,
		RetryConfig: retryConfigFor(settings),
	}
	if err := tab.Send(msg); err != nil {
		s.Tabs.Registry.Release(tab.ID)
		s.Tabs.Broker.Close(requestID, true)
		return nil, err
	}
	return frames, nil
}

// awaitQueued parks the request until a tab connects and the queue drain
// re-admits it. Returns nil after writing the error response.
func (s *Server) awaitQueued(c *gin.Context, requestID string, req *relaymodel.GeneralOpenAIRequest) <-chan any {
	settings := s.Store.Snapshot()
	timeout := time.Duration(settings.RetryTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	item := &lifecycle.QueueItem{
		Model:             req.Model,
		Request:           req,
		OriginalRequestID: requestID,
		EnqueuedAt:        time.Now(),
		Result:            make(chan lifecycle.Outcome, 1),
	}
	s.Queue.Push(item)
	monitor.MetricQueuedRequests.Inc()
	defer monitor.MetricQueuedRequests.Dec()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-item.Result:
		if out.Err != nil {
			s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: out.Err.Error()})
			relayError(c, http.StatusServiceUnavailable, "no_tab_connected", out.Err.Error())
			return nil
		}
		return out.Ch
	case <-timer.C:
		s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: "retry timeout: no tab connected"})
		relayError(c, http.StatusServiceUnavailable, "no_tab_connected",
			fmt.Sprintf("No browser tab connected within %d seconds.", int(timeout.Seconds())))
		return nil
	case <-c.Request.Context().Done():
		s.Monitor.RequestEnd(requestID, monitor.Outcome{Error: "client disconnected while queued"})
		return nil
	}
}

func retryConfigFor(settings *config.Settings) *config.RetryConfig {
	if settings == nil || !settings.RetryConfig.Enabled {
		return nil
	}
	rc := settings.RetryConfig
	return &rc
}

func requestParams(req *relaymodel.GeneralOpenAIRequest) map[string]any {
	params := map[string]any{"stream": req.Stream}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	return params
}
