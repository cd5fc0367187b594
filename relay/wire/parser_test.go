package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestFeedContent(t *testing.T) {
	p := NewParser()
	events, verification := p.Feed(`a0:"Hello"a0:" world"`)
	require.False(t, verification)
	require.Len(t, events, 2)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
	assert.True(t, p.HasContent())
	assert.Equal(t, 11, p.ContentChars())
}

func TestFeedSecondarySide(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`b0:"from side b"`)
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
}

func TestFeedEscapedText(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`a0:"line\none \"quoted\""`)
	require.Len(t, events, 1)
	assert.Equal(t, "line\none \"quoted\"", events[0].Text)
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`a0:"par`)
	assert.Empty(t, events)
	events, _ = p.Feed(`tial"`)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)
}

func TestReasoningEndSynthesis(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`ag:"thinking..."`)
	require.Len(t, events, 1)
	assert.Equal(t, EventReasoning, events[0].Kind)

	events, _ = p.Feed(`a0:"answer"`)
	require.Equal(t, []EventKind{EventReasoningEnd, EventContent}, kinds(events))
	assert.Equal(t, "thinking...", p.Reasoning())
}

func TestReasoningAndContentInOneChunkNoEnd(t *testing.T) {
	// reasoning arriving in the same chunk as content must not trigger the
	// synthetic end; the stream may still be reasoning
	p := NewParser()
	events, _ := p.Feed(`ag:"step 1"a0:"partial"`)
	assert.Equal(t, []EventKind{EventReasoning, EventContent}, kinds(events))

	// next chunk with content only closes reasoning
	events, _ = p.Feed(`a0:"more"`)
	assert.Equal(t, []EventKind{EventReasoningEnd, EventContent}, kinds(events))
}

func TestImageToken(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`a2:[{"type":"image","image":"https://cdn.example/x.png"}]`)
	require.Len(t, events, 1)
	assert.Equal(t, EventImage, events[0].Kind)
	assert.Equal(t, []string{"https://cdn.example/x.png"}, events[0].ImageURLs)
}

func TestFinishTokenWithUsage(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`ad:{"finishReason":"stop","usage":{"promptTokens":12,"completionTokens":34}}`)
	require.Len(t, events, 1)
	require.Equal(t, EventFinish, events[0].Kind)
	assert.Equal(t, "stop", events[0].Finish.Reason)
	assert.Equal(t, float64(12), events[0].Finish.Usage["promptTokens"])
}

func TestErrorObject(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`{"error": "rate limited"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "rate limited", events[0].Text)
}

func TestVerificationDetection(t *testing.T) {
	p := NewParser()
	_, verification := p.Feed(`<html><title>Just a moment...</title></html>`)
	assert.True(t, verification)

	p = NewParser()
	_, verification = p.Feed(`Enable JavaScript and cookies to continue`)
	assert.True(t, verification)

	p = NewParser()
	_, verification = p.Feed(`a0:"plain"`)
	assert.False(t, verification)
}

func TestFinalDrainStrict(t *testing.T) {
	p := NewParser()
	p.Feed(`xx`)
	p.buf += `a0:"tail token"`
	events := p.FinalDrain()
	require.Len(t, events, 1)
	assert.Equal(t, "tail token", events[0].Text)
}

func TestFinalDrainLenientTruncated(t *testing.T) {
	// closing quote lost in transit
	p := NewParser()
	p.buf = `a0:"truncated content`
	events := p.FinalDrain()
	require.Len(t, events, 1)
	assert.Equal(t, "truncated content", events[0].Text)
}

func TestFinalDrainDropsControlMarkers(t *testing.T) {
	p := NewParser()
	p.buf = `ae:{"some":"control"}`
	assert.Empty(t, p.FinalDrain())

	p = NewParser()
	p.buf = `a3:"internal"`
	assert.Empty(t, p.FinalDrain())
}

func TestFinalDrainPrintableResidue(t *testing.T) {
	p := NewParser()
	p.buf = "leftover plain text"
	events := p.FinalDrain()
	require.Len(t, events, 1)
	assert.Equal(t, "leftover plain text", events[0].Text)

	// JSON-looking residue is not guessed at
	p = NewParser()
	p.buf = `{"unparsed": true`
	assert.Empty(t, p.FinalDrain())
}

func TestEmptyTokensSkipped(t *testing.T) {
	p := NewParser()
	events, _ := p.Feed(`a0:""a0:"real"`)
	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].Text)
}
