package direct

import (
	"strings"
	"unicode/utf8"
)

// SplitThinking separates a complete response into the reasoning part before
// the separator and the main content after it. Without a separator match the
// whole text is content.
func SplitThinking(content, separator string) (reasoning, main string) {
	if separator == "" || !strings.Contains(content, separator) {
		return "", content
	}
	idx := strings.Index(content, separator)
	reasoning = strings.TrimSpace(content[:idx])
	main = strings.TrimSpace(content[idx+len(separator):])
	return reasoning, main
}

// ThinkingSplitter rewrites a streamed content sequence into reasoning and
// content deltas around a separator that may arrive split across chunks.
// Until the separator is seen, the tail of the accumulated text is withheld
// up to the separator length so a partially arrived marker never leaks into
// the output.
type ThinkingSplitter struct {
	separator string
	acc       string
	outPos    int
	done      bool
	found     bool
}

func NewThinkingSplitter(separator string) *ThinkingSplitter {
	return &ThinkingSplitter{separator: separator, done: separator == ""}
}

// Split consumes one content delta and returns the reasoning and content
// deltas to emit now. Either or both may be empty.
func (s *ThinkingSplitter) Split(delta string) (reasoning, content string) {
	if s.done {
		return "", delta
	}
	s.acc += delta

	if idx := strings.Index(s.acc, s.separator); idx >= 0 {
		s.found = true
		s.done = true
		reasoning = s.acc[s.outPos:idx]
		content = s.acc[idx+len(s.separator):]
		return reasoning, content
	}

	safe := len(s.acc) - len(s.separator)
	if safe < s.outPos {
		safe = s.outPos
	}
	for safe > s.outPos && !utf8.RuneStart(s.acc[safe]) {
		safe--
	}
	reasoning = s.acc[s.outPos:safe]
	s.outPos = safe
	return reasoning, ""
}

// Found reports whether the separator was seen.
func (s *ThinkingSplitter) Found() bool { return s.found }

// Active reports whether deltas still get rewritten.
func (s *ThinkingSplitter) Active() bool { return !s.done }
