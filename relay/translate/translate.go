package translate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/lmbridge/lmbridge/common/config"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

// Attachment is one file reference inside an envelope message.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url"`
}

// EnvelopeMessage is one message template of the outgoing envelope.
type EnvelopeMessage struct {
	Role                    string       `json:"role"`
	Content                 string       `json:"content"`
	Attachments             []Attachment `json:"attachments"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments"`
	ParticipantPosition     string       `json:"participantPosition,omitempty"`
}

// Envelope is the payload sent to a browser tab for one chat request.
type Envelope struct {
	MessageTemplates []EnvelopeMessage `json:"message_templates"`
	TargetModelID    string            `json:"target_model_id,omitempty"`
	SessionID        string            `json:"session_id"`
	BattleTarget     string            `json:"battle_target"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
}

// AttachmentError marks translation failures caused by a message attachment
// (malformed URL, undecodable base64, upload failure).
type AttachmentError struct {
	Reason string
	Err    error
}

func (e *AttachmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attachment error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("attachment error: %s", e.Reason)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// ImageProcessor turns an inline or remote image payload into its final form,
// either a hosted URL or a data URI.
type ImageProcessor func(ctx context.Context, payload string) (string, error)

// Options carries everything BuildEnvelope needs beside the request itself.
type Options struct {
	Settings      *config.Settings
	Binding       *config.Binding
	TargetModelID string
	ProcessImage  ImageProcessor
}

var (
	thinkSpanRe   = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)
	markdownImgRe = regexp.MustCompile(`!\[[^\]]*\]\((data:image/[^)]+|https?://[^)\s]+)\)`)
	dataURIMimeRe = regexp.MustCompile(`^data:([^;]+);base64,`)
)

// BuildEnvelope translates an OpenAI chat request into the envelope for a
// session binding. The stages run in a fixed order: role normalization,
// history reasoning strip, attachment decomposition, role conversion, tavern
// merge, bypass injection, participant positions, parameter capping.
func BuildEnvelope(ctx context.Context, req *relaymodel.GeneralOpenAIRequest, opts Options) (*Envelope, error) {
	if opts.Settings == nil || opts.Binding == nil {
		return nil, errors.New("translate: settings and binding are required")
	}
	settings := opts.Settings
	binding := opts.Binding

	messages, err := decomposeMessages(ctx, req.Messages, settings, opts.ProcessImage)
	if err != nil {
		return nil, err
	}

	messages = applyRoleConversion(messages, settings.RoleConversionMode, settings.PreserveRoleLabels)

	if settings.TavernModeEnabled {
		messages = tavernMerge(messages)
	}

	messages = append(messages, bypassMessages(settings, binding)...)

	mode := binding.Mode
	if mode == "" {
		mode = "direct_chat"
	}
	battleTarget := strings.ToLower(binding.BattleTarget)
	if battleTarget == "" {
		battleTarget = "a"
	}
	assignPositions(messages, mode, battleTarget)
	if mode != "battle" {
		battleTarget = "a"
	}

	env := &Envelope{
		MessageTemplates: messages,
		TargetModelID:    opts.TargetModelID,
		SessionID:        binding.SessionID,
		BattleTarget:     battleTarget,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
	}
	env.Temperature = capTemperature(req.Temperature, binding.MaxTemperature)
	return env, nil
}

func capTemperature(requested, max *float64) *float64 {
	if requested == nil {
		return nil
	}
	if max != nil && *requested > *max {
		capped := *max
		return &capped
	}
	v := *requested
	return &v
}

// decomposeMessages normalizes roles, strips historical reasoning, and splits
// every message into text plus attachments.
func decomposeMessages(ctx context.Context, in []relaymodel.Message, settings *config.Settings, process ImageProcessor) ([]EnvelopeMessage, error) {
	stripReasoning := settings.StripReasoningFromHistory && settings.ReasoningOutputMode == "think_tag"

	out := make([]EnvelopeMessage, 0, len(in))
	for i, msg := range in {
		role := msg.Role
		if role == "developer" {
			role = "system"
		}

		var textParts []string
		var attachments []Attachment
		for _, part := range msg.ParseContent() {
			switch part.Type {
			case relaymodel.ContentTypeText:
				if part.Text != nil {
					textParts = append(textParts, *part.Text)
				}
			case relaymodel.ContentTypeImageURL:
				if part.ImageURL == nil || part.ImageURL.Url == "" {
					return nil, &AttachmentError{Reason: fmt.Sprintf("message %d has an empty image part", i)}
				}
				att, err := buildAttachment(ctx, part.ImageURL.Url, len(attachments), process)
				if err != nil {
					return nil, err
				}
				attachments = append(attachments, att)
			}
		}
		content := strings.Join(textParts, "\n")

		if role == "assistant" {
			if stripReasoning {
				content = thinkSpanRe.ReplaceAllString(content, "")
			}
			// markdown-embedded images on assistant turns move out of the text
			var extracted []Attachment
			content = markdownImgRe.ReplaceAllStringFunc(content, func(match string) string {
				sub := markdownImgRe.FindStringSubmatch(match)
				att, err := buildAttachment(ctx, sub[1], len(attachments)+len(extracted), process)
				if err != nil {
					return match
				}
				extracted = append(extracted, att)
				return ""
			})
			content = strings.TrimSpace(content)
			attachments = append(attachments, extracted...)
		}

		em := EnvelopeMessage{
			Role:                    role,
			Content:                 content,
			Attachments:             []Attachment{},
			ExperimentalAttachments: []Attachment{},
		}
		// user attachments travel in both lists, assistant ones only in the
		// experimental list
		if role == "assistant" {
			em.ExperimentalAttachments = attachments
		} else {
			em.Attachments = attachments
			em.ExperimentalAttachments = attachments
		}
		out = append(out, em)
	}
	return out, nil
}

func buildAttachment(ctx context.Context, payload string, index int, process ImageProcessor) (Attachment, error) {
	url := payload
	if process != nil {
		processed, err := process(ctx, payload)
		if err != nil {
			return Attachment{}, &AttachmentError{Reason: "process image", Err: err}
		}
		url = processed
	}

	contentType := "image/jpeg"
	if m := dataURIMimeRe.FindStringSubmatch(url); len(m) == 2 {
		contentType = m[1]
	} else if m := dataURIMimeRe.FindStringSubmatch(payload); len(m) == 2 {
		contentType = m[1]
	}

	ext := "png"
	if idx := strings.Index(contentType, "/"); idx >= 0 && idx+1 < len(contentType) {
		ext = contentType[idx+1:]
	}
	return Attachment{
		Name:        fmt.Sprintf("image_%d.%s", index, ext),
		ContentType: contentType,
		URL:         url,
	}, nil
}

func labelContent(role, content string) string {
	return `"` + role + `": ` + strconv.Quote(content)
}

func applyRoleConversion(messages []EnvelopeMessage, mode string, preserveLabels bool) []EnvelopeMessage {
	switch mode {
	case "system_to_user":
		for i := range messages {
			if messages[i].Role == "system" {
				if preserveLabels {
					messages[i].Content = labelContent("system", messages[i].Content)
				}
				messages[i].Role = "user"
			}
		}
		return messages
	case "system_merge":
		return mergeLeadingSystems(messages, firstNonSystem(messages), preserveLabels)
	case "system_smart_merge":
		return smartMergeSystems(messages, preserveLabels)
	default:
		return messages
	}
}

func firstNonSystem(messages []EnvelopeMessage) int {
	for i := range messages {
		if messages[i].Role != "system" {
			return i
		}
	}
	return len(messages)
}

// mergeLeadingSystems folds messages[0:boundary] system messages into one and
// coerces any system found at or after boundary to user.
func mergeLeadingSystems(messages []EnvelopeMessage, boundary int, preserveLabels bool) []EnvelopeMessage {
	if boundary == 0 {
		// nothing leading to merge, still coerce the rest
		return coerceSystems(messages, preserveLabels)
	}

	var parts []string
	var attachments []Attachment
	var experimental []Attachment
	for _, m := range messages[:boundary] {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
		attachments = append(attachments, m.Attachments...)
		experimental = append(experimental, m.ExperimentalAttachments...)
	}
	merged := EnvelopeMessage{
		Role:                    "system",
		Content:                 strings.Join(parts, "\n\n"),
		Attachments:             attachments,
		ExperimentalAttachments: experimental,
	}
	if merged.Attachments == nil {
		merged.Attachments = []Attachment{}
	}
	if merged.ExperimentalAttachments == nil {
		merged.ExperimentalAttachments = []Attachment{}
	}

	rest := coerceSystems(messages[boundary:], preserveLabels)
	return append([]EnvelopeMessage{merged}, rest...)
}

func coerceSystems(messages []EnvelopeMessage, preserveLabels bool) []EnvelopeMessage {
	for i := range messages {
		if messages[i].Role == "system" {
			if preserveLabels {
				messages[i].Content = labelContent("system", messages[i].Content)
			}
			messages[i].Role = "user"
		}
	}
	return messages
}

// smartMergeSystems keeps the system block closest to the first user turn
// intact and merges everything before the one preceding it.
func smartMergeSystems(messages []EnvelopeMessage, preserveLabels bool) []EnvelopeMessage {
	firstUser := -1
	for i := range messages {
		if messages[i].Role == "user" {
			firstUser = i
			break
		}
	}
	if firstUser < 0 {
		return mergeLeadingSystems(messages, firstNonSystem(messages), preserveLabels)
	}

	firstSys, secondSys := -1, -1
	for i := firstUser - 1; i >= 0; i-- {
		if messages[i].Role != "system" {
			continue
		}
		if firstSys < 0 {
			firstSys = i
			continue
		}
		secondSys = i
		break
	}
	if secondSys < 0 {
		return mergeLeadingSystems(messages, firstNonSystem(messages), preserveLabels)
	}

	merged := mergeLeadingSystems(messages[:secondSys+1], secondSys+1, preserveLabels)
	rest := make([]EnvelopeMessage, len(messages[secondSys+1:]))
	copy(rest, messages[secondSys+1:])
	return append(merged, coerceSystems(rest, preserveLabels)...)
}

func tavernMerge(messages []EnvelopeMessage) []EnvelopeMessage {
	var parts []string
	var rest []EnvelopeMessage
	for _, m := range messages {
		if m.Role == "system" {
			if m.Content != "" {
				parts = append(parts, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	if len(parts) == 0 {
		return messages
	}
	merged := EnvelopeMessage{
		Role:                    "system",
		Content:                 strings.Join(parts, "\n\n"),
		Attachments:             []Attachment{},
		ExperimentalAttachments: []Attachment{},
	}
	return append([]EnvelopeMessage{merged}, rest...)
}

func assignPositions(messages []EnvelopeMessage, mode, battleTarget string) {
	for i := range messages {
		if messages[i].ParticipantPosition != "" {
			continue
		}
		if mode == "battle" {
			messages[i].ParticipantPosition = battleTarget
			continue
		}
		if messages[i].Role == "system" {
			messages[i].ParticipantPosition = "b"
		} else {
			messages[i].ParticipantPosition = "a"
		}
	}
}
