package client

import (
	"net/http"
	"time"

	"github.com/lmbridge/lmbridge/common/config"
)

// HTTPClient is the general purpose client for upstream API calls. Streaming
// responses are read long past the header exchange, so it carries no timeout;
// callers bound it with a request context instead.
var HTTPClient *http.Client

// UserContentRequestHTTPClient fetches user provided content such as image
// URLs. It carries a hard timeout because user supplied hosts cannot be
// trusted to respond.
var UserContentRequestHTTPClient *http.Client

func init() {
	UserContentRequestHTTPClient = &http.Client{
		Timeout: time.Duration(config.UserContentRequestTimeout) * time.Second,
	}
	HTTPClient = &http.Client{}
}
