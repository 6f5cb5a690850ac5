// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package microhttp

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Options is the plain settings struct for an EventLoop.
type Options struct {
	// Host is the address to bind, an empty string binding every interface.
	Host string
	// Port to bind, 0 picks an ephemeral port, see EventLoop.Port.
	Port      int
	ReuseAddr bool
	ReusePort bool
	// Resolution bounds how long a shard blocks in poll, and so the accuracy
	// of request timeouts.
	Resolution time.Duration
	// RequestTimeout is the idle deadline, pushed forward by each read.
	RequestTimeout time.Duration
	// ReadBufferSize is the size of each shard's read scratch buffer.
	ReadBufferSize int
	// WriteBufferSize caps the bytes passed to a single write.
	WriteBufferSize int
	// AcceptLength is the listen backlog, 0 using the system maximum.
	AcceptLength int
	// MaxRequestSize caps the bytes buffered for an incomplete request.
	MaxRequestSize int
	// Concurrency is the number of shards.
	Concurrency int
}

// DefaultOptions returns the default settings.
func DefaultOptions() Options {
	return Options{
		Host:            "localhost",
		Port:            8080,
		Resolution:      100 * time.Millisecond,
		RequestTimeout:  60 * time.Second,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		MaxRequestSize:  1024 * 1024,
		Concurrency:     runtime.NumCPU(),
	}
}

// Validate checks the settings are usable.
func (o Options) Validate() error {
	switch {
	case o.Port < 0 || o.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port)
	case o.Resolution <= 0:
		return fmt.Errorf("%w: resolution must be positive", ErrInvalidOptions)
	case o.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidOptions)
	case o.ReadBufferSize <= 0:
		return fmt.Errorf("%w: read buffer size must be positive", ErrInvalidOptions)
	case o.WriteBufferSize <= 0:
		return fmt.Errorf("%w: write buffer size must be positive", ErrInvalidOptions)
	case o.AcceptLength < 0:
		return fmt.Errorf("%w: accept length must not be negative", ErrInvalidOptions)
	case o.MaxRequestSize <= 0:
		return fmt.Errorf("%w: max request size must be positive", ErrInvalidOptions)
	case o.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidOptions)
	}
	return nil
}

// loopOptions holds everything resolved from Option values.
type loopOptions struct {
	Options
	logger      *logiface.Logger[logiface.Event]
	rateLimiter *catrate.Limiter
	clock       clock
	metrics     bool
}

// --- Loop Options ---

// Option configures an EventLoop.
type Option interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements Option.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithOptions replaces every setting of the Options struct. Options given
// after it still apply.
func WithOptions(o Options) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.Options = o
		return nil
	}}
}

// WithHost sets the host or IP address to listen on.
func WithHost(host string) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.Host = host
		return nil
	}}
}

// WithPort sets the TCP port to listen on. Zero selects an ephemeral port.
func WithPort(port int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.Port = port
		return nil
	}}
}

// WithReuseAddr sets SO_REUSEADDR on the listening socket.
func WithReuseAddr(enabled bool) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.ReuseAddr = enabled
		return nil
	}}
}

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort(enabled bool) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.ReusePort = enabled
		return nil
	}}
}

// WithResolution sets the maximum time a shard blocks waiting for readiness,
// which bounds how late a timeout may fire.
func WithResolution(d time.Duration) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.Resolution = d
		return nil
	}}
}

// WithRequestTimeout sets how long a connection may be idle, or take to
// deliver a complete request, before it is closed.
func WithRequestTimeout(d time.Duration) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.RequestTimeout = d
		return nil
	}}
}

// WithReadBufferSize sets the size of each socket read.
func WithReadBufferSize(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.ReadBufferSize = n
		return nil
	}}
}

// WithWriteBufferSize caps the bytes handed to the socket per write.
func WithWriteBufferSize(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.WriteBufferSize = n
		return nil
	}}
}

// WithAcceptLength sets the listen backlog, 0 using the system maximum.
func WithAcceptLength(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.AcceptLength = n
		return nil
	}}
}

// WithMaxRequestSize caps the bytes buffered for an incomplete request.
func WithMaxRequestSize(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.MaxRequestSize = n
		return nil
	}}
}

// WithConcurrency sets the number of shards.
func WithConcurrency(n int) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.Concurrency = n
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging, which is also
// the default. Connection events are logged at debug level.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection, see EventLoop.Metrics.
func WithMetrics(enabled bool) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithAcceptRateLimit limits the rate of accepted connections per client IP,
// using sliding windows, e.g. `map[time.Duration]int{time.Second: 10}`.
// Connections exceeding the limit are closed immediately after accept. A
// nil or empty map disables the limit.
//
// Rates must be valid as per catrate.NewLimiter.
func WithAcceptRateLimit(rates map[time.Duration]int) Option {
	return &loopOptionImpl{func(opts *loopOptions) (err error) {
		if len(rates) == 0 {
			opts.rateLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidOptions, r)
			}
		}()
		opts.rateLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// withClock overrides the scheduler clock, for tests.
func withClock(c clock) Option {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.clock = c
		return nil
	}}
}

// resolveLoopOptions applies Option instances over DefaultOptions.
func resolveLoopOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{Options: DefaultOptions()}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.clock == nil {
		cfg.clock = systemClock{}
	}
	return cfg, nil
}
