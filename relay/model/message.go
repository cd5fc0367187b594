package model

import (
	"strings"
)

const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// Message is one chat message. Content is either a plain string or a list of
// typed parts, matching what OpenAI-compatible clients send.
type Message struct {
	Role    string  `json:"role,omitempty"`
	Content any     `json:"content,omitempty"`
	Name    *string `json:"name,omitempty"`
	// ReasoningContent carries thinking text on assistant turns when the
	// client or upstream uses the reasoning_content convention.
	ReasoningContent string `json:"reasoning_content,omitempty"`
	ToolCalls        []Tool `json:"tool_calls,omitempty"`
	ToolCallId       string `json:"tool_call_id,omitempty"`
	Prefix           *bool  `json:"prefix,omitempty"`
}

// ImageURL is the image part payload. Url may be an http(s) URL or a data URL.
type ImageURL struct {
	Url    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is one typed part of a multimodal message.
type MessageContent struct {
	Type     string    `json:"type,omitempty"`
	Text     *string   `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// IsStringContent reports whether Content is a plain string.
func (m Message) IsStringContent() bool {
	_, ok := m.Content.(string)
	return ok
}

// StringContent flattens Content to text. Image parts are dropped; multiple
// text parts are concatenated in order.
func (m Message) StringContent() string {
	content, ok := m.Content.(string)
	if ok {
		return content
	}
	contentList, ok := m.Content.([]any)
	if !ok {
		return ""
	}

	var sb strings.Builder
	for _, contentItem := range contentList {
		contentMap, ok := contentItem.(map[string]any)
		if !ok {
			continue
		}
		if contentMap["type"] == ContentTypeText {
			if subStr, ok := contentMap["text"].(string); ok {
				sb.WriteString(subStr)
			}
		}
	}
	return sb.String()
}

// ParseContent normalizes Content into typed parts. A plain string becomes a
// single text part.
func (m Message) ParseContent() []MessageContent {
	var contentList []MessageContent
	content, ok := m.Content.(string)
	if ok {
		contentList = append(contentList, MessageContent{
			Type: ContentTypeText,
			Text: &content,
		})
		return contentList
	}

	anyList, ok := m.Content.([]any)
	if !ok {
		return contentList
	}
	for _, contentItem := range anyList {
		contentMap, ok := contentItem.(map[string]any)
		if !ok {
			continue
		}
		switch contentMap["type"] {
		case ContentTypeText:
			if subStr, ok := contentMap["text"].(string); ok {
				contentList = append(contentList, MessageContent{
					Type: ContentTypeText,
					Text: &subStr,
				})
			}
		case ContentTypeImageURL:
			if subObj, ok := contentMap["image_url"].(map[string]any); ok {
				imageURL := ImageURL{}
				if url, ok := subObj["url"].(string); ok {
					imageURL.Url = url
				}
				if detail, ok := subObj["detail"].(string); ok {
					imageURL.Detail = detail
				}
				contentList = append(contentList, MessageContent{
					Type:     ContentTypeImageURL,
					ImageURL: &imageURL,
				})
			}
		}
	}
	return contentList
}
