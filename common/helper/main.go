package helper

import (
	"github.com/google/uuid"
)

const (
	RequestIdKey = "X-Lmbridge-Request-Id"
)

// GenRequestID mints the correlation id used across dispatch, broker and logs.
func GenRequestID() string {
	return uuid.NewString()
}

// ShortRequestID returns the 8-char prefix used in log lines and file names.
func ShortRequestID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
