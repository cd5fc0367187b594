package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
)

// SetEventStreamHeaders marks the response as a server-sent event stream and
// disables proxy buffering so chunks reach the client as they are written.
func SetEventStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// StringData writes one SSE data line and flushes. The payload must already
// be serialized.
func StringData(c *gin.Context, str string) error {
	str = strings.TrimPrefix(str, "data:")
	str = strings.TrimSuffix(str, "\r")
	str = strings.TrimSpace(str)

	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", str); err != nil {
		return errors.Wrap(err, "write sse data")
	}
	c.Writer.Flush()
	return nil
}

// ObjectData marshals object to JSON and writes it as one SSE data line.
func ObjectData(c *gin.Context, object any) error {
	if object == nil {
		return errors.New("object is nil")
	}
	jsonData, err := json.Marshal(object)
	if err != nil {
		return errors.Wrap(err, "marshal sse object")
	}
	return StringData(c, string(jsonData))
}

// Done terminates the stream with the [DONE] sentinel.
func Done(c *gin.Context) {
	_ = StringData(c, "[DONE]")
}
