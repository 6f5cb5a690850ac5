package microhttp

type (
	// Handler handles each request, and must call respond exactly once,
	// from any goroutine, either before or after Handle returns. A nil
	// response closes the connection.
	//
	// Handle is called on a shard goroutine, and blocking in it blocks every
	// connection of that shard.
	Handler interface {
		Handle(req *Request, respond func(*Response))
	}

	// HandlerFunc implements Handler.
	HandlerFunc func(req *Request, respond func(*Response))

	// MetadataHandler is a Handler that also receives the details of the
	// connection. It is preferred over Handler, when implemented.
	MetadataHandler interface {
		Handler
		HandleWithMetadata(meta ConnectionMetadata, req *Request, respond func(*Response))
	}

	// MetadataHandlerFunc implements MetadataHandler.
	MetadataHandlerFunc func(meta ConnectionMetadata, req *Request, respond func(*Response))
)

var (
	_ Handler         = HandlerFunc(nil)
	_ MetadataHandler = MetadataHandlerFunc(nil)
)

func (f HandlerFunc) Handle(req *Request, respond func(*Response)) { f(req, respond) }

// Handle calls f with zero metadata.
func (f MetadataHandlerFunc) Handle(req *Request, respond func(*Response)) {
	f(ConnectionMetadata{}, req, respond)
}

func (f MetadataHandlerFunc) HandleWithMetadata(meta ConnectionMetadata, req *Request, respond func(*Response)) {
	f(meta, req, respond)
}
