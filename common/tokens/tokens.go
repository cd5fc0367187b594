package tokens

import (
	"strings"
	"sync"

	"github.com/Laisky/zap"
	"github.com/pkoukk/tiktoken-go"

	"github.com/lmbridge/lmbridge/common/logger"
)

const defaultEncoding = "cl100k_base"

// family multipliers correct for tokenizers that segment differently from
// cl100k_base. Values below 1 mean the family packs more text per token.
var familyMultipliers = []struct {
	prefix     string
	multiplier float64
}{
	{"gemini", 0.625},
	{"gemma", 0.625},
	{"claude", 1.1},
}

var (
	encoderMu  sync.Mutex
	encoderMap = map[string]*tiktoken.Tiktoken{}
)

func getEncoder(encoding string) *tiktoken.Tiktoken {
	encoderMu.Lock()
	defer encoderMu.Unlock()
	if enc, ok := encoderMap[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Logger.Warn("load token encoding, falling back to character estimate",
			zap.String("encoding", encoding), zap.Error(err))
		enc = nil
	}
	encoderMap[encoding] = enc
	return enc
}

func multiplierFor(model string) float64 {
	lower := strings.ToLower(model)
	for _, fm := range familyMultipliers {
		if strings.HasPrefix(lower, fm.prefix) {
			return fm.multiplier
		}
	}
	return 1
}

// encodingFor picks the encoding for a model. overrides maps a model name or
// prefix to an encoding name and wins over the default.
func encodingFor(model string, overrides map[string]string) string {
	if enc, ok := overrides[model]; ok {
		return enc
	}
	lower := strings.ToLower(model)
	for prefix, enc := range overrides {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return enc
		}
	}
	return defaultEncoding
}

// CountText estimates the token count of text for a model. When the encoder
// cannot be loaded (offline environments without the tiktoken cache) the
// estimate degrades to one token per four characters.
func CountText(text, model string, overrides map[string]string) int {
	if text == "" {
		return 0
	}
	enc := getEncoder(encodingFor(model, overrides))
	var n int
	if enc != nil {
		n = len(enc.Encode(text, nil, nil))
	} else {
		n = len(text) / 4
		if n == 0 {
			n = 1
		}
	}
	scaled := int(float64(n) * multiplierFor(model))
	if scaled == 0 && n > 0 {
		scaled = 1
	}
	return scaled
}

// Message is the minimal shape token accounting needs from a chat message.
type Message struct {
	Role    string
	Content string
	Name    string
}

// CountMessages estimates prompt tokens for a chat request.
// Every message follows <|start|>{role/name}\n{content}<|end|>\n and every
// reply is primed with <|start|>assistant<|message|>.
func CountMessages(messages []Message, model string, overrides map[string]string) int {
	const tokensPerMessage = 4
	const replyPrimer = 3

	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += CountText(m.Content, model, overrides)
		total += CountText(m.Role, model, overrides)
		if m.Name != "" {
			total += CountText(m.Name, model, overrides)
		}
	}
	return total + replyPrimer
}

// EstimateFromChars is the coarse fallback used where no text survives in a
// countable form, such as reasoning summaries reported only by length.
func EstimateFromChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}
