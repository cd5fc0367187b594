package direct

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmbridge/lmbridge/common/client"
	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
	"github.com/lmbridge/lmbridge/common/render"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

// Result carries what a direct-upstream call produced, for accounting.
type Result struct {
	Content   string
	Reasoning string
	Usage     relaymodel.Usage
}

func wrapError(err error, message string, statusCode int) *relaymodel.ErrorWithStatusCode {
	return &relaymodel.ErrorWithStatusCode{
		Error: relaymodel.Error{
			Message:  message,
			Type:     "bridge_error",
			RawError: err,
		},
		StatusCode: statusCode,
	}
}

func postJSON(ctx context.Context, endpoint, apiKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call upstream")
	}
	return resp, nil
}

// RelayPassthrough forwards the raw client body to an OpenAI-compatible
// upstream and copies the response back, splitting reasoning from content
// around the binding's thinking separator when one is configured. It writes
// the full client response itself; the returned Result is for accounting
// only.
func RelayPassthrough(c *gin.Context, b *config.Binding, rawBody []byte) (*Result, *relaymodel.ErrorWithStatusCode) {
	body, err := BuildPassthroughBody(rawBody, b)
	if err != nil {
		return nil, wrapError(err, "invalid request body", http.StatusBadRequest)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), config.DirectUpstreamTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(b.APIBaseURL, "/") + "/chat/completions"
	resp, err := postJSON(ctx, endpoint, b.APIKey, body)
	if err != nil {
		return nil, wrapError(err, "upstream request failed", http.StatusBadGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		logger.Logger.Error("direct upstream returned error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", errBody))
		return nil, upstreamError(errBody, resp.StatusCode)
	}

	if gjson.GetBytes(rawBody, "stream").Bool() {
		return relayPassthroughStream(c, b, resp.Body)
	}
	return relayPassthroughJSON(c, b, resp.Body)
}

func relayPassthroughJSON(c *gin.Context, b *config.Binding, upstream io.Reader) (*Result, *relaymodel.ErrorWithStatusCode) {
	body, err := io.ReadAll(upstream)
	if err != nil {
		return nil, wrapError(err, "read upstream response", http.StatusBadGateway)
	}

	result := &Result{
		Content:   gjson.GetBytes(body, "choices.0.message.content").String(),
		Reasoning: gjson.GetBytes(body, "choices.0.message.reasoning_content").String(),
	}
	fillUsage(&result.Usage, gjson.GetBytes(body, "usage"))

	// no upstream reasoning: derive it from the separator when configured
	if b.ThinkingSeparator != "" && result.Reasoning == "" && result.Content != "" {
		reasoning, main := SplitThinking(result.Content, b.ThinkingSeparator)
		if reasoning != "" {
			result.Reasoning = reasoning
			result.Content = main
			body, _ = sjson.SetBytes(body, "choices.0.message.reasoning_content", reasoning)
			body, _ = sjson.SetBytes(body, "choices.0.message.content", main)
		}
	}

	c.Data(http.StatusOK, "application/json", body)
	return result, nil
}

func relayPassthroughStream(c *gin.Context, b *config.Binding, upstream io.Reader) (*Result, *relaymodel.ErrorWithStatusCode) {
	reader := bufio.NewReader(upstream)

	first, relayErr := preadFirstChunk(reader)
	if relayErr != nil {
		return nil, relayErr
	}

	// an upstream that answers a stream request with a bare JSON error body
	// is reported as that error, not streamed
	if trimmed := bytes.TrimSpace(first); len(trimmed) > 0 && trimmed[0] == '{' {
		if gjson.GetBytes(trimmed, "error").Exists() {
			return nil, upstreamError(trimmed, http.StatusInternalServerError)
		}
	}

	render.SetEventStreamHeaders(c)

	splitter := NewThinkingSplitter(b.ThinkingSeparator)
	result := &Result{}
	doneRendered := false

	scanner := bufio.NewScanner(io.MultiReader(bytes.NewReader(first), reader))
	buffer := make([]byte, 1024*1024)
	scanner.Buffer(buffer, len(buffer))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			render.Done(c)
			doneRendered = true
			break
		}

		fillUsage(&result.Usage, gjson.Get(data, "usage"))
		if reasoning := gjson.Get(data, "choices.0.delta.reasoning_content").String(); reasoning != "" {
			result.Reasoning += reasoning
		}

		content := gjson.Get(data, "choices.0.delta.content").String()
		if content == "" || !splitter.Active() {
			result.Content += content
			_ = render.StringData(c, data)
			continue
		}

		reasoning, main := splitter.Split(content)
		result.Reasoning += reasoning
		result.Content += main
		if reasoning == "" && main == "" {
			continue
		}
		out, _ := sjson.Delete(data, "choices.0.delta.content")
		if reasoning != "" {
			out, _ = sjson.Set(out, "choices.0.delta.reasoning_content", reasoning)
		}
		if main != "" {
			out, _ = sjson.Set(out, "choices.0.delta.content", main)
		}
		_ = render.StringData(c, out)
	}
	if err := scanner.Err(); err != nil {
		logger.Logger.Warn("direct upstream stream aborted", zap.Error(err))
	}
	if !doneRendered {
		render.Done(c)
	}
	return result, nil
}

// preadFirstChunk waits for the first upstream bytes before committing to a
// stream response, so a slow or empty upstream becomes a 502 instead of an
// already-started event stream.
func preadFirstChunk(reader *bufio.Reader) ([]byte, *relaymodel.ErrorWithStatusCode) {
	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 32*1024)
		n, err := reader.Read(buf)
		ch <- readResult{data: buf[:n], err: err}
	}()

	select {
	case r := <-ch:
		if len(r.data) == 0 {
			err := r.err
			if err == nil || err == io.EOF {
				err = errors.New("upstream returned an empty response")
			}
			return nil, wrapError(err, "upstream returned an empty response", http.StatusBadGateway)
		}
		return r.data, nil
	case <-time.After(config.DirectFirstChunkTimeout):
		return nil, wrapError(errors.New("first chunk timeout"),
			"upstream did not return the first chunk in time", http.StatusBadGateway)
	}
}

func fillUsage(u *relaymodel.Usage, v gjson.Result) {
	if !v.Exists() {
		return
	}
	if n := v.Get("prompt_tokens").Int(); n > 0 {
		u.PromptTokens = int(n)
	}
	if n := v.Get("completion_tokens").Int(); n > 0 {
		u.CompletionTokens = int(n)
	}
	if n := v.Get("total_tokens").Int(); n > 0 {
		u.TotalTokens = int(n)
	}
	if n := v.Get("completion_tokens_details.reasoning_tokens").Int(); n > 0 {
		if u.CompletionTokensDetails == nil {
			u.CompletionTokensDetails = &relaymodel.UsageCompletionTokensDetails{}
		}
		u.CompletionTokensDetails.ReasoningTokens = int(n)
	}
}
