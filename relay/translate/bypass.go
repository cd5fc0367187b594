package translate

import (
	"encoding/json"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
)

// bypassPresets is the built-in catalogue. A preset is data, not code; the
// active name comes from configuration and unknown names fall back to the
// custom list.
var bypassPresets = map[string][]EnvelopeMessage{
	"default": {
		{Role: "user", Content: " ", ParticipantPosition: "a"},
	},
	"double": {
		{Role: "user", Content: " ", ParticipantPosition: "a"},
		{Role: "user", Content: " ", ParticipantPosition: "b"},
	},
}

// bypassMessages returns the injection suffix for a binding, or nil when
// injection is off for this binding's model type.
func bypassMessages(settings *config.Settings, binding *config.Binding) []EnvelopeMessage {
	if !settings.BypassEnabled {
		return nil
	}

	modelType := binding.Type
	if modelType == "" {
		modelType = "text"
	}
	types := settings.BypassInjection.ModelTypes
	if len(types) > 0 && !types[modelType] {
		return nil
	}

	if preset, ok := bypassPresets[settings.BypassInjection.Preset]; ok {
		out := make([]EnvelopeMessage, len(preset))
		copy(out, preset)
		for i := range out {
			if out[i].Attachments == nil {
				out[i].Attachments = []Attachment{}
			}
			if out[i].ExperimentalAttachments == nil {
				out[i].ExperimentalAttachments = []Attachment{}
			}
		}
		return out
	}

	var out []EnvelopeMessage
	for _, raw := range settings.BypassInjection.Custom {
		var msg EnvelopeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Logger.Warn("skip malformed custom bypass message", zap.Error(err))
			continue
		}
		if msg.Attachments == nil {
			msg.Attachments = []Attachment{}
		}
		if msg.ExperimentalAttachments == nil {
			msg.ExperimentalAttachments = []Attachment{}
		}
		out = append(out, msg)
	}
	if len(out) == 0 && settings.BypassInjection.Preset == "" {
		out = append(out, bypassPresets["default"]...)
	}
	return out
}
