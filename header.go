package microhttp

import (
	"strings"
)

// Header is a single HTTP header field. Names compare case-insensitively.
type Header struct {
	Name  string
	Value string
}

const (
	headerConnection       = `Connection`
	headerContentLength    = `Content-Length`
	headerTransferEncoding = `Transfer-Encoding`

	valueKeepAlive = `Keep-Alive`
	valueChunked   = `chunked`
)

// findHeader returns the value of the first header named name.
func findHeader(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return ``, false
}

// hasHeaderValue reports whether any header named name has the given value,
// compared case-insensitively.
func hasHeaderValue(headers []Header, name, value string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) && strings.EqualFold(h.Value, value) {
			return true
		}
	}
	return false
}

func hasHeaderName(headers []Header, name string) bool {
	_, ok := findHeader(headers, name)
	return ok
}
