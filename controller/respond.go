package controller

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/helper"
	"github.com/lmbridge/lmbridge/common/render"
	"github.com/lmbridge/lmbridge/common/tokens"
	"github.com/lmbridge/lmbridge/dto"
	"github.com/lmbridge/lmbridge/monitor"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
	"github.com/lmbridge/lmbridge/relay/tabs"
	"github.com/lmbridge/lmbridge/relay/wire"
)

const reasoningModeThinkTag = "think_tag"

// streamState accumulates one tab-path response while its events are relayed
// to the client.
type streamState struct {
	chunkID string
	created int64
	model   string

	thinkTag    bool
	emittedRole bool
	thinkOpen   bool

	content   strings.Builder
	reasoning strings.Builder
	finish    *wire.Finish
	failed    string
}

// consume reads the response channel to a terminal event and answers the
// client, streaming or buffered per the request. It owns the terminal
// bookkeeping: tab counter release, channel close, monitor end.
func (s *Server) consume(c *gin.Context, requestID string, req *relaymodel.GeneralOpenAIRequest, frames <-chan any, settings *config.Settings) {
	logger := gmw.GetLogger(c)

	st := &streamState{
		chunkID:  "chatcmpl-" + requestID,
		created:  time.Now().Unix(),
		model:    req.Model,
		thinkTag: settings.ReasoningOutputMode == reasoningModeThinkTag,
	}

	if req.Stream {
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
		OnRetryInfo: func(info map[string]any) {
			logger.Info("user-script retry",
				zap.String("request_id", helper.ShortRequestID(requestID)),
				zap.Any("info", info))
			if req.Stream && settings.RetryConfig.ShowRetryInfo {
				note := fmt.Sprintf("\n> Retrying... (attempt %v/%v)\n",
					info["attempt"], info["max_retries"])
				s.streamDelta(c, st, dto.ChatDelta{Content: note})
			}
		},
		Cancel: func() {
			immediateClose = true
			s.cancelTabRequest(requestID)
		},
	}, func(ev wire.Event) error {
		return s.handleEvent(c, st, req, ev)
	})

	if runErr != nil && st.failed == "" {
		switch {
		case c.Request.Context().Err() != nil:
			st.failed = "client disconnected"
		case errors.Is(runErr, wire.ErrStreamTimeout):
			st.failed = fmt.Sprintf("Response timed out after %d seconds.", int(timeout.Seconds()))
		default:
			st.failed = runErr.Error()
		}
		if req.Stream && c.Request.Context().Err() == nil {
			s.streamError(c, st.failed)
		}
	}

	s.finishTabRequest(c, requestID, req, st, settings, immediateClose)
}

// handleEvent relays one parsed event into the client response.
func (s *Server) handleEvent(c *gin.Context, st *streamState, req *relaymodel.GeneralOpenAIRequest, ev wire.Event) error {
	switch ev.Kind {
	case wire.EventReasoning:
		st.reasoning.WriteString(ev.Text)
		if !req.Stream {
			return nil
		}
		if st.thinkTag {
			text := ev.Text
			if !st.thinkOpen {
				st.thinkOpen = true
				text = "<think>\n" + text
			}
			s.streamDelta(c, st, dto.ChatDelta{Content: text})
			return nil
		}
		s.streamDelta(c, st, dto.ChatDelta{ReasoningContent: ev.Text})

	case wire.EventReasoningEnd:
		if req.Stream && st.thinkTag && st.thinkOpen {
			st.thinkOpen = false
			s.streamDelta(c, st, dto.ChatDelta{Content: "\n</think>\n\n"})
		}

	case wire.EventContent:
		st.content.WriteString(ev.Text)
		if req.Stream {
			s.streamDelta(c, st, dto.ChatDelta{Content: ev.Text})
		}

	case wire.EventImage:
		for _, url := range ev.ImageURLs {
			markdown := s.Images.Markdown(c.Request.Context(), url, st.chunkID)
			if st.content.Len() > 0 {
				markdown = "\n\n" + markdown
			}
			st.content.WriteString(markdown)
			if req.Stream {
				s.streamDelta(c, st, dto.ChatDelta{Content: markdown})
			}
		}

	case wire.EventFinish:
		st.finish = ev.Finish

	case wire.EventError:
		st.failed = ev.Text
		if req.Stream {
			s.streamError(c, ev.Text)
		}
	}
	return nil
}

// streamDelta writes one chat.completion.chunk.
func (s *Server) streamDelta(c *gin.Context, st *streamState, delta dto.ChatDelta) {
	if !st.emittedRole {
		st.emittedRole = true
		delta.Role = "assistant"
	}
	chunk := dto.ChatCompletionChunk{
		Id:      st.chunkID,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []dto.ChatCompletionChunkChoice{{Delta: delta}},
	}
	_ = render.ObjectData(c, chunk)
}

// streamError writes an error chunk; the done sentinel follows in the
// terminal path so the client never sees a stream without [DONE].
func (s *Server) streamError(c *gin.Context, message string) {
	_ = render.ObjectData(c, gin.H{
		"error": gin.H{"message": message, "type": "bridge_error"},
	})
}

// finishTabRequest answers the client terminal, releases the owning tab and
// records the outcome.
func (s *Server) finishTabRequest(c *gin.Context, requestID string, req *relaymodel.GeneralOpenAIRequest, st *streamState, settings *config.Settings, immediateClose bool) {
	if p, ok := s.Tabs.Broker.Pending(requestID); ok {
		s.Tabs.Registry.Release(p.TabID)
	}
	s.Tabs.Broker.Close(requestID, immediateClose)

	usage := s.usageFor(req, st, settings)

	if st.failed == "" {
		if req.Stream {
			reason := "stop"
			if st.finish != nil && st.finish.Reason != "" {
				reason = st.finish.Reason
			}
			final := dto.ChatCompletionChunk{
				Id:      st.chunkID,
				Object:  "chat.completion.chunk",
				Created: st.created,
				Model:   st.model,
				Choices: []dto.ChatCompletionChunkChoice{{FinishReason: &reason}},
				Usage:   usage,
			}
			_ = render.ObjectData(c, final)
			render.Done(c)
		} else {
			s.writeCompletion(c, st, usage)
		}
	} else if req.Stream {
		if c.Request.Context().Err() == nil {
			render.Done(c)
		}
	} else if c.Request.Context().Err() == nil {
		relayError(c, statusForTabError(st.failed), "upstream_error", st.failed)
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

func (s *Server) writeCompletion(c *gin.Context, st *streamState, usage *relaymodel.Usage) {
	reason := "stop"
	if st.finish != nil && st.finish.Reason != "" {
		reason = st.finish.Reason
	}
	content := st.content.String()
	reasoning := st.reasoning.String()
	message := dto.ChatCompletionMessage{Role: "assistant"}
	if st.thinkTag && reasoning != "" {
		message.Content = "<think>\n" + reasoning + "\n</think>\n\n" + content
	} else {
		message.Content = content
		message.ReasoningContent = reasoning
	}

	c.JSON(http.StatusOK, dto.ChatCompletionResponse{
		Id:      st.chunkID,
		Object:  "chat.completion",
		Created: st.created,
		Model:   st.model,
		Choices: []dto.ChatCompletionChoice{{Message: message, FinishReason: &reason}},
		Usage:   usage,
	})
}

// usageFor prefers the upstream finish-frame usage and falls back to local
// token counting.
func (s *Server) usageFor(req *relaymodel.GeneralOpenAIRequest, st *streamState, settings *config.Settings) *relaymodel.Usage {
	var overrides map[string]string
	if settings != nil {
		overrides = settings.TokenizerConfig
	}

	usage := &relaymodel.Usage{}
	if st.finish != nil {
		fillUpstreamUsage(usage, st.finish.Usage)
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = tokens.CountMessages(toTokenMessages(req.Messages), req.Model, overrides)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = tokens.CountText(st.content.String(), req.Model, overrides)
		if reasoning := st.reasoning.String(); reasoning != "" {
			rt := tokens.CountText(reasoning, req.Model, overrides)
			usage.CompletionTokens += rt
			usage.CompletionTokensDetails = &relaymodel.UsageCompletionTokensDetails{ReasoningTokens: rt}
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

// fillUpstreamUsage reads both the camelCase keys the arena emits and the
// snake_case OpenAI spelling.
func fillUpstreamUsage(u *relaymodel.Usage, raw map[string]any) {
	if raw == nil {
		return
	}
	pick := func(keys ...string) int {
		for _, key := range keys {
			if v, ok := raw[key].(float64); ok && v > 0 {
				return int(v)
			}
		}
		return 0
	}
	u.PromptTokens = pick("promptTokens", "prompt_tokens", "inputTokens")
	u.CompletionTokens = pick("completionTokens", "completion_tokens", "outputTokens")
	u.TotalTokens = pick("totalTokens", "total_tokens")
}

func toTokenMessages(in []relaymodel.Message) []tokens.Message {
	out := make([]tokens.Message, 0, len(in))
	for _, m := range in {
		tm := tokens.Message{Role: m.Role, Content: m.StringContent()}
		if m.Name != nil {
			tm.Name = *m.Name
		}
		out = append(out, tm)
	}
	return out
}

func statusForTabError(message string) int {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "verification"):
		return http.StatusServiceUnavailable
	case strings.Contains(lower, "exceeds the upstream size limit"):
		return http.StatusRequestEntityTooLarge
	case strings.Contains(lower, "timed out"):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// cancelTabRequest tells the owning tab to abandon a request.
func (s *Server) cancelTabRequest(requestID string) {
	p, ok := s.Tabs.Broker.Pending(requestID)
	if !ok {
		return
	}
	tab, ok := s.Tabs.Registry.Get(p.TabID)
	if !ok {
		return
	}
	_ = tab.Send(&tabs.Command{Command: "cancel_request", RequestID: requestID})
}

// notifyVerificationRefresh tells one connected tab to reload the arena page.
func (s *Server) notifyVerificationRefresh() {
	if tab, ok := s.Tabs.Registry.Any(); ok {
		_ = tab.Send(&tabs.Command{Command: "refresh"})
	}
}
