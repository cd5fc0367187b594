package direct

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitThinking(t *testing.T) {
	reasoning, main := SplitThinking("think hard\n---\nthe answer", "\n---\n")
	assert.Equal(t, "think hard", reasoning)
	assert.Equal(t, "the answer", main)
}

func TestSplitThinkingNoSeparator(t *testing.T) {
	reasoning, main := SplitThinking("plain answer", "\n---\n")
	assert.Empty(t, reasoning)
	assert.Equal(t, "plain answer", main)
}

func TestSplitThinkingEmptySeparator(t *testing.T) {
	reasoning, main := SplitThinking("anything", "")
	assert.Empty(t, reasoning)
	assert.Equal(t, "anything", main)
}

func TestSplitterSeparatorWithinOneDelta(t *testing.T) {
	s := NewThinkingSplitter("===")
	reasoning, content := s.Split("thoughts===answer")
	assert.Equal(t, "thoughts", reasoning)
	assert.Equal(t, "answer", content)
	assert.True(t, s.Found())
	assert.False(t, s.Active())

	// after the split everything passes through as content
	reasoning, content = s.Split("more")
	assert.Empty(t, reasoning)
	assert.Equal(t, "more", content)
}

func TestSplitterSeparatorAcrossDeltas(t *testing.T) {
	s := NewThinkingSplitter("===")

	var reasoning, content string
	for _, delta := range []string{"thinking ab", "out it =", "==done", " now"} {
		r, c := s.Split(delta)
		reasoning += r
		content += c
	}
	assert.Equal(t, "thinking about it ", reasoning)
	assert.Equal(t, "done now", content)
	assert.True(t, s.Found())
}

func TestSplitterWithholdsPossibleMarkerPrefix(t *testing.T) {
	s := NewThinkingSplitter("====")
	reasoning, content := s.Split("abc==")
	// the trailing "==" could be the start of the marker and must not leak yet
	assert.Equal(t, "a", reasoning)
	assert.Empty(t, content)

	reasoning, content = s.Split("x")
	assert.Equal(t, "b", reasoning)
	assert.Empty(t, content)
}

func TestSplitterNoSeparatorConfigured(t *testing.T) {
	s := NewThinkingSplitter("")
	reasoning, content := s.Split("hello")
	assert.Empty(t, reasoning)
	assert.Equal(t, "hello", content)
	assert.False(t, s.Found())
}
