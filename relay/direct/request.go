package direct

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmbridge/lmbridge/common/config"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

const defaultThinkingBudget = 20000

// BuildPassthroughBody rewrites the raw client body for the upstream: the
// model id is swapped for the binding's target, custom params are merged on
// top, the DeepSeek prefix flag is set on a trailing assistant message, and
// the Gemini thinking budget is attached when enabled. Everything else
// passes through untouched.
func BuildPassthroughBody(raw []byte, b *config.Binding) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "model", b.ModelID)
	if err != nil {
		return nil, errors.Wrap(err, "set model id")
	}

	for key, value := range b.CustomParams {
		out, err = sjson.SetBytes(out, escapeKey(key), value)
		if err != nil {
			return nil, errors.Wrapf(err, "merge custom param %q", key)
		}
	}

	if b.EnablePrefix {
		messages := gjson.GetBytes(out, "messages").Array()
		if n := len(messages); n > 0 && messages[n-1].Get("role").String() == "assistant" {
			out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.prefix", n-1), true)
			if err != nil {
				return nil, errors.Wrap(err, "set prefix flag")
			}
		}
	}

	if b.EnableThinking {
		budget := b.ThinkingBudget
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		out, err = sjson.SetBytes(out, "thinkingConfig.thinkingBudget", budget)
		if err != nil {
			return nil, errors.Wrap(err, "set thinking budget")
		}
	}

	return out, nil
}

// sjson treats dots and pipes as path separators; custom param names are
// always literal keys.
func escapeKey(key string) string {
	key = strings.ReplaceAll(key, ".", `\.`)
	return strings.ReplaceAll(key, "|", `\|`)
}

// statusForErrorType maps OpenAI error types onto HTTP status codes for
// errors surfaced from the upstream body.
func statusForErrorType(errType string) int {
	switch errType {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// upstreamError converts an upstream error body into a relay error. Valid
// OpenAI-shaped JSON keeps its payload and gets a status from the error
// type; anything else is wrapped as an api_error with the HTTP status.
func upstreamError(body []byte, httpStatus int) *relaymodel.ErrorWithStatusCode {
	var parsed struct {
		Error relaymodel.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Error.Message != "" || parsed.Error.Type != "") {
		return &relaymodel.ErrorWithStatusCode{
			Error:      parsed.Error,
			StatusCode: statusForErrorType(parsed.Error.Type),
		}
	}
	return &relaymodel.ErrorWithStatusCode{
		Error: relaymodel.Error{
			Message: string(body),
			Type:    "api_error",
			Code:    httpStatus,
		},
		StatusCode: httpStatus,
	}
}
