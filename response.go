package microhttp

import (
	"strconv"
)

// Response is produced by a Handler, and passed to the response callback.
// The engine must not be handed the same Response for two requests, while
// one of them is still being written.
type Response struct {
	Status  int
	Reason  string
	Headers []Header
	Body    []byte
}

const (
	versionHTTP10 = `HTTP/1.0`
	versionHTTP11 = `HTTP/1.1`
)

var (
	crlf       = []byte("\r\n")
	space      = []byte(" ")
	colonSpace = []byte(": ")
)

// HasHeader reports whether a header with the given name is present.
func (r *Response) HasHeader(name string) bool {
	return hasHeaderName(r.Headers, name)
}

// serialize renders the response into one contiguous buffer. The status line
// echoes HTTP/1.0 for 1.0 requests. The computed headers are written before
// the response's own headers.
func (r *Response) serialize(http10 bool, computed []Header) []byte {
	var m byteMerger
	if http10 {
		m.addString(versionHTTP10)
	} else {
		m.addString(versionHTTP11)
	}
	m.add(space)
	m.addString(strconv.Itoa(r.Status))
	m.add(space)
	m.addString(r.Reason)
	m.add(crlf)
	writeHeaders(&m, computed)
	writeHeaders(&m, r.Headers)
	m.add(crlf)
	m.add(r.Body)
	return m.merge()
}

func writeHeaders(m *byteMerger, headers []Header) {
	for _, h := range headers {
		m.addString(h.Name)
		m.add(colonSpace)
		m.addString(h.Value)
		m.add(crlf)
	}
}

// responseHeaders computes the headers the engine adds to a response.
func responseHeaders(r *Response, http10, keepAlive bool) []Header {
	var headers []Header
	if http10 && keepAlive {
		headers = append(headers, Header{Name: headerConnection, Value: valueKeepAlive})
	}
	if len(r.Body) != 0 && !r.HasHeader(headerContentLength) {
		headers = append(headers, Header{Name: headerContentLength, Value: strconv.Itoa(len(r.Body))})
	}
	return headers
}
