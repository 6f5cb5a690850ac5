package microhttp

// Request is a fully parsed HTTP/1.x request. Body is nil if the request had
// no body. A Request is owned by the handler it is passed to.
type Request struct {
	Method  string
	URI     string
	Version string
	Headers []Header
	Body    []byte
}

// ConnectionMetadata describes the connection a request arrived on.
type ConnectionMetadata struct {
	// ID is unique per EventLoop, assigned in accept order.
	ID   uint64
	IP   string
	Port int
}

// Header returns the value of the first header with the given name.
func (r *Request) Header(name string) (string, bool) {
	return findHeader(r.Headers, name)
}

// HasHeader reports whether a header with the given name and value is
// present. Both are compared case-insensitively.
func (r *Request) HasHeader(name, value string) bool {
	return hasHeaderValue(r.Headers, name, value)
}

func (r *Request) isHTTP10() bool {
	return r.Version == versionHTTP10
}

func (r *Request) isKeepAlive() bool {
	return r.HasHeader(headerConnection, valueKeepAlive)
}
