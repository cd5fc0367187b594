package wire

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// EventKind enumerates the structured events extracted from the upstream
// wire format.
type EventKind string

const (
	EventContent      EventKind = "content"
	EventReasoning    EventKind = "reasoning"
	EventReasoningEnd EventKind = "reasoning_end"
	EventImage        EventKind = "image"
	EventFinish       EventKind = "finish"
	EventError        EventKind = "error"
)

// Finish carries the upstream finish reason plus usage when present.
type Finish struct {
	Reason string
	Usage  map[string]any
}

// Event is one parsed token.
type Event struct {
	Kind      EventKind
	Text      string
	ImageURLs []string
	Finish    *Finish
}

var (
	textPattern      = regexp.MustCompile(`[ab]0:"((?:\\.|[^"\\])*)"`)
	reasoningPattern = regexp.MustCompile(`ag:"((?:\\.|[^"\\])*)"`)
	imagePattern     = regexp.MustCompile(`[ab]2:(\[.*?\])`)
	finishPattern    = regexp.MustCompile(`[ab]d:(\{.*?"finishReason".*?\})`)
	errorPattern     = regexp.MustCompile(`(?s)(\{\s*"error".*?\})`)
	// partialTextPattern recovers text truncated at the end of the stream.
	partialTextPattern = regexp.MustCompile(`[ab]0:"([^"]*?)(?:"|$)`)
)

var cloudflareMarkers = []string{
	"<title>Just a moment...</title>",
	"Enable JavaScript and cookies to continue",
}

var controlPrefixes = []string{"a3:", "ad:", "b3:", "bd:", "ae:", "be:"}

// ContainsChallenge reports whether s carries a human-verification page.
func ContainsChallenge(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range cloudflareMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Parser accumulates raw upstream chunks and extracts structured events.
// It is not safe for concurrent use; one stream owns one parser.
type Parser struct {
	buf string

	hasReasoning   bool
	reasoningEnded bool
	hasContent     bool

	reasoningParts []string
	contentChars   int
}

func NewParser() *Parser {
	return &Parser{}
}

// HasContent reports whether any non-empty content token was extracted.
func (p *Parser) HasContent() bool { return p.hasContent }

// Reasoning returns the full accumulated reasoning text. Collected even when
// the responder hides reasoning from the client, for telemetry.
func (p *Parser) Reasoning() string { return strings.Join(p.reasoningParts, "") }

// ContentChars returns the count of content characters extracted so far.
func (p *Parser) ContentChars() int { return p.contentChars }

// Append adds a chunk to the buffer without extracting events. Used for
// frames that arrive after [DONE], right before the forced drain.
func (p *Parser) Append(chunk string) { p.buf += chunk }

func decodeJSONString(escaped string) (string, bool) {
	var s string
	if err := json.Unmarshal([]byte(`"`+escaped+`"`), &s); err != nil {
		return "", false
	}
	return s, true
}

// Feed appends a chunk and returns the events that became complete.
// verification is true when the buffer carries a challenge page; the caller
// owns the cool-down transition.
func (p *Parser) Feed(chunk string) (events []Event, verification bool) {
	p.buf += chunk

	if ContainsChallenge(p.buf) {
		return nil, true
	}

	if m := errorPattern.FindStringSubmatch(p.buf); m != nil {
		var errObj struct {
			Error any `json:"error"`
		}
		if err := json.Unmarshal([]byte(m[1]), &errObj); err == nil && errObj.Error != nil {
			msg := "unknown upstream error"
			switch v := errObj.Error.(type) {
			case string:
				msg = v
			default:
				if raw, err := json.Marshal(v); err == nil {
					msg = string(raw)
				}
			}
			return []Event{{Kind: EventError, Text: msg}}, false
		}
	}

	// reasoning first: a chunk that carries both reasoning and content must
	// not trigger a premature reasoning_end
	reasoningInThisChunk := false
	for {
		loc := reasoningPattern.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		if text, ok := decodeJSONString(p.buf[loc[2]:loc[3]]); ok && text != "" {
			p.hasReasoning = true
			reasoningInThisChunk = true
			p.reasoningParts = append(p.reasoningParts, text)
			events = append(events, Event{Kind: EventReasoning, Text: text})
		}
		p.buf = p.buf[loc[1]:]
	}

	for {
		loc := textPattern.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		text, ok := decodeJSONString(p.buf[loc[2]:loc[3]])
		p.buf = p.buf[loc[1]:]
		if !ok || text == "" {
			continue
		}
		if p.hasReasoning && !p.reasoningEnded && !reasoningInThisChunk {
			p.reasoningEnded = true
			events = append(events, Event{Kind: EventReasoningEnd})
		}
		p.hasContent = true
		p.contentChars += len(text)
		events = append(events, Event{Kind: EventContent, Text: text})
	}

	for {
		loc := imagePattern.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		if urls := parseImageList(p.buf[loc[2]:loc[3]]); len(urls) > 0 {
			events = append(events, Event{Kind: EventImage, ImageURLs: urls})
		}
		p.buf = p.buf[loc[1]:]
	}

	if loc := finishPattern.FindStringSubmatchIndex(p.buf); loc != nil {
		var finishData map[string]any
		if err := json.Unmarshal([]byte(p.buf[loc[2]:loc[3]]), &finishData); err == nil {
			finish := &Finish{Reason: "stop"}
			if reason, ok := finishData["finishReason"].(string); ok && reason != "" {
				finish.Reason = reason
			}
			if usage, ok := finishData["usage"].(map[string]any); ok {
				finish.Usage = usage
			} else if usage, ok := finishData["tokenUsage"].(map[string]any); ok {
				finish.Usage = usage
			}
			events = append(events, Event{Kind: EventFinish, Finish: finish})
		}
		p.buf = p.buf[loc[1]:]
	}

	return events, false
}

func parseImageList(raw string) []string {
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	var urls []string
	for _, item := range items {
		if item["type"] != "image" {
			continue
		}
		if url, ok := item["image"].(string); ok && url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

// FinalDrain flushes tokens still sitting in the buffer after [DONE]. It
// first retries the strict patterns, then a lenient sweep that accepts a
// truncated trailing text token, and finally falls back to emitting printable
// residue as plain content unless the residue is a control marker.
func (p *Parser) FinalDrain() []Event {
	var events []Event

	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		loc := textPattern.FindStringSubmatchIndex(p.buf)
		var escaped string
		var end int
		if loc != nil {
			escaped = p.buf[loc[2]:loc[3]]
			end = loc[1]
		} else {
			ploc := partialTextPattern.FindStringSubmatchIndex(p.buf)
			if ploc == nil || ploc[3] == ploc[2] {
				break
			}
			escaped = p.buf[ploc[2]:ploc[3]]
			end = ploc[1]
		}
		if text, ok := decodeJSONString(escaped); ok && text != "" {
			if p.hasReasoning && !p.reasoningEnded {
				p.reasoningEnded = true
				events = append(events, Event{Kind: EventReasoningEnd})
			}
			p.hasContent = true
			p.contentChars += len(text)
			events = append(events, Event{Kind: EventContent, Text: text})
		}
		p.buf = p.buf[end:]
	}

	for {
		loc := reasoningPattern.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		if text, ok := decodeJSONString(p.buf[loc[2]:loc[3]]); ok && text != "" {
			p.hasReasoning = true
			p.reasoningParts = append(p.reasoningParts, text)
			events = append(events, Event{Kind: EventReasoning, Text: text})
		}
		p.buf = p.buf[loc[1]:]
	}

	for {
		loc := imagePattern.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			break
		}
		if urls := parseImageList(p.buf[loc[2]:loc[3]]); len(urls) > 0 {
			events = append(events, Event{Kind: EventImage, ImageURLs: urls})
		}
		p.buf = p.buf[loc[1]:]
	}

	rest := strings.TrimSpace(p.buf)
	p.buf = ""
	if rest == "" {
		return events
	}
	for _, prefix := range controlPrefixes {
		if strings.Contains(rest, prefix) {
			return events
		}
	}
	if strings.HasPrefix(rest, "[") || strings.HasPrefix(rest, "{") {
		return events
	}
	clean := strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		return -1
	}, rest)
	if strings.TrimSpace(clean) != "" {
		p.hasContent = true
		p.contentChars += len(clean)
		events = append(events, Event{Kind: EventContent, Text: clean})
	}
	return events
}
