package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-driver/internal/governance"
	"github.com/polisai/polis-driver/pkg/codec"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/policy"
	"github.com/polisai/polis-driver/pkg/telemetry"
)

// Request and response headers of the execute route.
const (
	HeaderParameters      = "X-Polis-Parameters"
	HeaderInputFormat     = "X-Polis-Input-Format"
	HeaderOutputFormat    = "X-Polis-Output-Format"
	HeaderResponseCode    = "X-Polis-Response-Code"
	HeaderResponseMessage = "X-Polis-Response-Message"
	HeaderExecutionID     = "X-Polis-Execution-Id"

	defaultFormat = "json"
)

var formatContentTypes = map[string]string{
	"json":          "application/json",
	"yson":          "application/x-yt-yson-text",
	"dsv":           "text/tab-separated-values",
	"schemaful_dsv": "text/tab-separated-values",
	"yamr":          "text/tab-separated-values",
}

func contentTypeFor(format string) string {
	if ct, ok := formatContentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	command := r.PathValue("command")

	descriptor, ok := s.driver.FindCommandDescriptor(command)
	if !ok {
		writeError(w, NewNotFoundError(fmt.Sprintf("unknown command %q", command)), 0)
		return
	}

	login := ""
	if info, ok := IdentityFromContext(ctx); ok {
		login = info.Login
	}
	party := clientParty(r)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.RedactAttributes(s.redaction, []attribute.KeyValue{
		attribute.String("polis.command", command),
		attribute.String("polis.login", login),
		attribute.String("polis.party", party),
	})...)

	if s.authorizer != nil {
		decision, err := s.authorizer.Decide(ctx, policy.Input{
			Login:      login,
			Party:      party,
			Command:    command,
			Descriptor: descriptor,
		})
		if err != nil {
			writeError(w, err, 0)
			return
		}
		telemetry.RecordAccessDecision(span, "policy", decision.Allowed, decision.Reason)
		if !decision.Allowed {
			err := fmt.Errorf("%w: %s", policy.ErrDenied, decision.Reason)
			s.reject(ctx, "policy", command, login, err)
			writeError(w, err, 0)
			return
		}
	}

	if s.limiter != nil {
		if allowed, wait := s.limiter.Allow(command, descriptor.IsHeavy); !allowed {
			err := &HTTPError{Code: http.StatusTooManyRequests, Message: fmt.Sprintf("too many %s requests", command)}
			s.reject(ctx, "limit", command, login, err)
			governance.WriteRetryAfter(w, wait)
			writeError(w, err, 0)
			return
		}
	}

	params, err := parseParameters(r)
	if err != nil {
		writeError(w, NewBadRequestError(err.Error()), 0)
		return
	}

	inputCodec := codec.Normalize(r.Header.Get("Content-Encoding"))
	if !codec.Supported(inputCodec) {
		writeError(w, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, inputCodec), 0)
		return
	}
	outputCodec := codec.Negotiate(r.Header.Get("Accept-Encoding"))

	inputFormat := headerOr(r, HeaderInputFormat, defaultFormat)
	outputFormat := headerOr(r, HeaderOutputFormat, defaultFormat)

	// Output is streamed while the body is still being read. HTTP/1.1 closes
	// the unread body once the head is flushed unless full duplex is on.
	_ = http.NewResponseController(w).EnableFullDuplex()

	out := newExecutionWriter(w, func(h http.Header) {
		h.Set("Content-Type", contentTypeFor(outputFormat))
		if outputCodec != codec.None {
			h.Set("Content-Encoding", outputCodec)
		}
		h.Add("Vary", "Accept-Encoding")
		h.Set("Trailer", strings.Join([]string{HeaderResponseCode, HeaderResponseMessage, HeaderExecutionID}, ", "))
	})

	res, err := s.driver.Execute(ctx, &driver.ExecutionRequest{
		Command:      command,
		InputStream:  driver.NewStreamReader(r.Body),
		InputCodec:   inputCodec,
		InputFormat:  inputFormat,
		OutputStream: driver.NewStreamWriter(out),
		OutputCodec:  outputCodec,
		OutputFormat: outputFormat,
		Parameters:   params,
	})

	code, message := responseCode(err), "OK"
	if err != nil {
		message = err.Error()
	}
	s.log.LogExecution(ctx, command, code, errorReason(err), time.Since(start))

	metrics := telemetry.ExecutionMetrics{Command: command, Outcome: "success", Duration: time.Since(start)}
	if err != nil {
		metrics.Outcome = "failure"
		if engineCode, ok := driver.EngineCode(err); ok {
			metrics.EngineCode = engineCode
		}
	}
	if res != nil {
		metrics.InputBytes, metrics.OutputBytes = res.InputBytes, res.OutputBytes
	}
	telemetry.RecordExecutionMetrics(ctx, metrics)

	if err != nil && !out.Started() {
		writeError(w, err, code)
		return
	}

	// Headers may not be sent yet for a command with empty output.
	out.Start()
	w.Header().Set(HeaderResponseCode, strconv.Itoa(code))
	w.Header().Set(HeaderResponseMessage, sanitizeHeader(message))
	if res != nil {
		w.Header().Set(HeaderExecutionID, res.ID)
	}
}

// responseCode is 0 on success, the engine code for engine failures and 1
// for any other failure.
func responseCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := driver.EngineCode(err); ok {
		return code
	}
	return 1
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
		return v
	}
	return fallback
}

// parseParameters merges query values with the JSON object of the
// X-Polis-Parameters header. Header keys win.
func parseParameters(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			params[key] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		params[key] = list
	}

	raw := strings.TrimSpace(r.Header.Get(HeaderParameters))
	if raw == "" {
		return params, nil
	}
	var fromHeader map[string]any
	if err := json.Unmarshal([]byte(raw), &fromHeader); err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", HeaderParameters, err)
	}
	if fromHeader == nil {
		return nil, errors.New(HeaderParameters + " must be a JSON object")
	}
	for key, value := range fromHeader {
		params[key] = value
	}
	return params, nil
}

// sanitizeHeader makes message safe for a header value.
func sanitizeHeader(message string) string {
	message = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r < 0x20 && r != '\t' {
			return ' '
		}
		return r
	}, message)
	const maxLen = 1024
	if len(message) > maxLen {
		message = message[:maxLen]
	}
	return message
}

// executionWriter writes the response head lazily on the first body write,
// so a failure before any output can still be reported as an error status.
type executionWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	prepare func(http.Header)
	started bool
}

func newExecutionWriter(w http.ResponseWriter, prepare func(http.Header)) *executionWriter {
	return &executionWriter{w: w, rc: http.NewResponseController(w), prepare: prepare}
}

func (e *executionWriter) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked()
	return e.w.Write(p)
}

func (e *executionWriter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.rc.Flush()
}

// Start sends the response head if it has not been sent.
func (e *executionWriter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked()
}

func (e *executionWriter) startLocked() {
	if e.started {
		return
	}
	e.started = true
	e.prepare(e.w.Header())
	e.w.WriteHeader(http.StatusOK)
}

// Started reports whether the response head was sent.
func (e *executionWriter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
