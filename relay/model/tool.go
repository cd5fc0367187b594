package model

import (
	"github.com/Laisky/errors/v2"
)

// Tool is a tool definition or streamed tool call fragment. The arena side
// never executes tools; these survive only so passthrough upstreams receive
// exactly what the client sent.
type Tool struct {
	Id       string    `json:"id,omitempty"`
	Type     string    `json:"type,omitempty"`
	Function *Function `json:"function,omitempty"`
	// Index identifies which call a delta belongs to in streaming responses.
	Index *int `json:"index,omitempty"`
}

// Function holds the schema on requests and the arguments on responses.
type Function struct {
	Description string   `json:"description,omitempty"`
	Name        string   `json:"name,omitempty"`
	Parameters  any      `json:"parameters,omitempty"`
	Arguments   any      `json:"arguments,omitempty"`
	Required    []string `json:"required,omitempty"`
	Strict      *bool    `json:"strict,omitempty"`
}

// Validate rejects malformed tool definitions before they reach an upstream.
func (t *Tool) Validate() error {
	if t.Type != "function" {
		return nil
	}
	if t.Function == nil {
		return errors.New("function tool requires function definition")
	}
	if t.Function.Name == "" {
		return errors.New("function name is required")
	}
	return nil
}
