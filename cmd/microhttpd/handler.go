package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/joeycumines/go-microhttp"
)

var textPlain = microhttp.Header{Name: "Content-Type", Value: "text/plain"}

type (
	// app routes requests. Echo responses are produced by the worker pool,
	// off the shard goroutines.
	app struct {
		jobs    chan job
		metrics func() *microhttp.Metrics
	}

	job struct {
		req     *microhttp.Request
		respond func(*microhttp.Response)
	}
)

func newApp(queueSize int) *app {
	return &app{jobs: make(chan job, queueSize)}
}

func (a *app) Handle(req *microhttp.Request, respond func(*microhttp.Response)) {
	path, _, _ := strings.Cut(req.URI, "?")
	switch {
	case path == "/" && req.Method == "GET":
		respond(textResponse(200, "OK", "hello world\n"))
	case path == "/echo" && req.Method == "POST":
		select {
		case a.jobs <- job{req: req, respond: respond}:
		default:
			respond(textResponse(503, "Service Unavailable", "queue full\n"))
		}
	case path == "/metrics" && req.Method == "GET" && a.metrics != nil:
		respond(textResponse(200, "OK", formatMetrics(a.metrics())))
	case path == "/" || path == "/echo" || path == "/metrics":
		respond(textResponse(405, "Method Not Allowed", "method not allowed\n"))
	default:
		respond(textResponse(404, "Not Found", "not found\n"))
	}
}

// work serves queued jobs until ctx is done.
func (a *app) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-a.jobs:
			headers := []microhttp.Header{textPlain}
			if v, ok := j.req.Header("Content-Type"); ok {
				headers[0].Value = v
			}
			j.respond(&microhttp.Response{
				Status:  200,
				Reason:  "OK",
				Headers: headers,
				Body:    j.req.Body,
			})
		}
	}
}

func textResponse(status int, reason, body string) *microhttp.Response {
	return &microhttp.Response{
		Status:  status,
		Reason:  reason,
		Headers: []microhttp.Header{textPlain},
		Body:    []byte(body),
	}
}

func formatMetrics(m *microhttp.Metrics) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, v := range [...]struct {
		name  string
		value any
	}{
		{"accepted", m.Accepted},
		{"closed", m.Closed},
		{"active", m.Active},
		{"requests", m.Requests},
		{"pipelined", m.Pipelined},
		{"responses", m.Responses},
		{"timeouts", m.Timeouts},
		{"oversized", m.Oversized},
		{"malformed", m.Malformed},
		{"rate_limited", m.RateLimited},
		{"latency_p50", m.Latency.P50},
		{"latency_p99", m.Latency.P99},
		{"latency_max", m.Latency.Max},
	} {
		_, _ = fmt.Fprintf(&b, "%s %v\n", v.name, v.value)
	}
	return b.String()
}
