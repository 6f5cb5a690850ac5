package microhttp

import (
	"github.com/joeycumines/logiface"
)

// Log messages. Per-connection events are logged at debug level, and carry
// the connection id, under logKeyID.
const (
	logAccept                = "accept"
	logReadBytes             = "read_bytes"
	logReadRequest           = "read_request"
	logReadClose             = "read_close"
	logReadError             = "read_error"
	logMalformedRequestClose = "malformed_request_close"
	logExceedRequestMaxClose = "exceed_request_max_close"
	logRequestTimeout        = "request_timeout"
	logResponseReady         = "response_ready"
	logHandlerPanic          = "handler_panic"
	logNilResponse           = "nil_response_close"
	logWrite                 = "write"
	logWriteResponse         = "write_response"
	logWriteError            = "write_error"
	logCloseAfterResponse    = "close_after_response"
	logPipelineRequest       = "pipeline_request"
	logHangupClose           = "hangup_close"
	logRegisterError         = "register_error"
	logAcceptRateLimited     = "accept_rate_limited"
	logAcceptError           = "accept_error"
	logShardStart            = "shard_start"
	logShardStop             = "shard_stop"
	logShardTerminate        = "shard_terminate"
	logEventLoopStart        = "event_loop_start"
	logEventLoopStop         = "event_loop_stop"
	logEventLoopTerminate    = "event_loop_terminate"
)

// Log field keys.
const (
	logKeyID         = "id"
	logKeyShard      = "shard"
	logKeyRemoteIP   = "remote_ip"
	logKeyRemotePort = "remote_port"
	logKeyNumBytes   = "num_bytes"
	logKeyMethod     = "method"
	logKeyURI        = "uri"
	logKeyStatus     = "status"
	logKeyEvents     = "events"
	logKeyRetryAfter = "retry_after"
	logKeyPort       = "port"
	logKeyShards     = "shards"
)

// eventLogger wraps the configured logger. The zero value, a nil logger,
// is disabled, and every builder it returns is nil.
type eventLogger struct {
	l *logiface.Logger[logiface.Event]
}

func (x eventLogger) debug() *logiface.Builder[logiface.Event] { return x.l.Debug() }

func (x eventLogger) info() *logiface.Builder[logiface.Event] { return x.l.Info() }

func (x eventLogger) warning() *logiface.Builder[logiface.Event] { return x.l.Warning() }

func (x eventLogger) err() *logiface.Builder[logiface.Event] { return x.l.Err() }
