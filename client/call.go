package client

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// call is a replayable description of one outbound request.
type call struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	header      http.Header
	timeout     time.Duration
	blob        bool

	// token is the access token the call was (or will be) sent with
	token string
	// attempt is 0 for the first send and 1 for a replay after refresh.
	// Only attempt 0 may start a refresh.
	attempt int
}

// withToken returns a replay of c carrying token. The stale Authorization
// header is never copied.
func (c call) withToken(token string) call {
	c.header = c.header.Clone()
	if c.header != nil {
		c.header.Del("Authorization")
	}
	c.token = token
	c.attempt++
	return c
}

// isBootstrapPath reports whether path is an authentication endpoint that
// must never trigger a refresh.
func isBootstrapPath(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

// CallOption configures a single call
type CallOption func(*call)

// WithQuery sets query parameters on the call
func WithQuery(q url.Values) CallOption {
	return func(c *call) {
		c.query = q
	}
}

// WithHeader adds a request header. Authorization is always managed by the client.
func WithHeader(key, value string) CallOption {
	return func(c *call) {
		if c.header == nil {
			c.header = make(http.Header)
		}
		c.header.Add(key, value)
	}
}

// WithCallTimeout overrides the client's per-call timeout
func WithCallTimeout(d time.Duration) CallOption {
	return func(c *call) {
		c.timeout = d
	}
}

// WithRawBody sends data as-is with the given content type instead of JSON
// encoding the body argument (multipart uploads, CSV imports).
func WithRawBody(contentType string, data []byte) CallOption {
	return func(c *call) {
		c.contentType = contentType
		c.body = data
	}
}
